package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/extract"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository/repotest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/statemachine"
	"github.com/joseph-ayodele/invoice-pipeline/internal/storage"
)

const acmeInvoice = `ACME SUPPLIES LTD
Vendor: Acme Supplies
Invoice Number: INV-2024-001
Invoice Date: 01/15/2024
Due Date: 02/14/2024
PO Number: PO-7781
Total: $1,234.56
`

const globexInvoice = `GLOBEX CORPORATION
Vendor: Globex Corporation
Invoice Number: GX-88
Invoice Date: 03/02/2024
Total: $400.00
`

// fakeOCR recognizes payloads by prefix:
//
//	text:<body>  succeeds with body
//	flaky:<body> fails once, then succeeds with body
//	down         always fails with a retryable error
//	garbage      fails as unreadable input
//	block        waits for release, then succeeds
type fakeOCR struct {
	mu      sync.Mutex
	calls   map[string]int
	started chan struct{}
	release chan struct{}
}

func newFakeOCR() *fakeOCR {
	return &fakeOCR{calls: map[string]int{}, started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (f *fakeOCR) count(payload string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[payload]
}

func (f *fakeOCR) PerformOCR(ctx context.Context, data []byte, _ string) (ocr.Result, error) {
	payload := string(data)
	f.mu.Lock()
	f.calls[payload]++
	n := f.calls[payload]
	f.mu.Unlock()

	ok := func(text string) (ocr.Result, error) {
		return ocr.Result{Text: text, Confidence: 0.9, Pages: 1, Method: "fake"}, nil
	}
	switch {
	case strings.HasPrefix(payload, "text:"):
		return ok(strings.TrimPrefix(payload, "text:"))
	case strings.HasPrefix(payload, "flaky:"):
		if n == 1 {
			return ocr.Result{}, ocr.NewOCRError("fake", ocr.ErrBackendUnavailable, "first call")
		}
		return ok(strings.TrimPrefix(payload, "flaky:"))
	case payload == "garbage":
		return ocr.Result{}, ocr.NewOCRError("fake", ocr.ErrUnreadableInput, "not a document")
	case payload == "block":
		f.started <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return ocr.Result{}, ctx.Err()
		}
		return ok(acmeInvoice)
	default:
		return ocr.Result{}, ocr.NewOCRError("fake", ocr.ErrBackendUnavailable, "backend down")
	}
}

type harness struct {
	svc   *Service
	bus   *eventbus.Bus
	hub   *notify.Hub
	store *repository.Store
	ocr   *fakeOCR
}

func newHarness(t *testing.T, opts Options, busOpts eventbus.Options) *harness {
	t.Helper()
	ctx := context.Background()

	store := repository.NewStore(repotest.OpenMemory(t), nil)
	files, err := storage.NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if busOpts.BackoffBase == 0 {
		busOpts.BackoffBase = time.Millisecond
		busOpts.BackoffMax = 4 * time.Millisecond
	}
	if busOpts.MaxRetries == 0 {
		busOpts.MaxRetries = constants.DefaultMaxRetries
	}

	pool := async.NewPool(nil, async.WithWorkers(4))
	hub := notify.NewHub(nil)
	bus, err := eventbus.Open(ctx, filepath.Join(t.TempDir(), "bus.db"), pool, hub, busOpts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = pool.Shutdown(context.Background())
		_ = bus.Close()
	})

	fake := newFakeOCR()
	orch := NewOrchestrator(Deps{
		Store:     store,
		Bus:       bus,
		Notifier:  hub,
		Storage:   files,
		OCR:       fake,
		Extractor: extract.NewEngine(store.Vendors, nil),
		Analyzer:  ai.NewOffline(nil),
	}, opts)
	orch.Register()

	svc := NewService(orch, export.NewService(store, nil), common.UploadConfig{MaxFileBytes: 1 << 20, MaxFiles: 10}, nil)
	return &harness{svc: svc, bus: bus, hub: hub, store: store, ocr: fake}
}

func (h *harness) create(t *testing.T, payloads ...string) *entity.Batch {
	t.Helper()
	req := CreateBatchRequest{Name: "march invoices"}
	for i, p := range payloads {
		req.Files = append(req.Files, Upload{FileName: "doc" + string(rune('a'+i)) + ".png", ContentType: "image/png", Data: []byte(p)})
	}
	b, err := h.svc.CreateBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

// waitFor polls the bus until cond holds.
func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if _, err := h.bus.Poll(context.Background()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want constants.BatchStatus) *entity.Batch {
	t.Helper()
	var b *entity.Batch
	h.waitFor(t, "batch "+string(want), func() bool {
		var err error
		b, err = h.svc.GetBatch(context.Background(), id)
		if err != nil {
			t.Fatalf("GetBatch: %v", err)
		}
		return b.Status == want
	})
	return b
}

func (h *harness) docs(t *testing.T, id uuid.UUID) []*entity.Document {
	t.Helper()
	docs, err := h.svc.ListDocuments(context.Background(), id)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	return docs
}

func TestBatchRunsToAnalysisWithPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoAnalyze: true}, eventbus.Options{})
	updates := h.hub.Subscribe(notify.TopicBroadcast, 512)
	defer updates.Close()
	errs := h.hub.Subscribe(notify.TopicErrors, 16)
	defer errs.Close()

	b := h.create(t, "text:"+acmeInvoice, "down", "text:"+globexInvoice)
	b = h.waitStatus(t, b.ID, constants.BatchStatusAnalysisCompleted)
	h.waitFor(t, "bus drained", func() bool { n, _ := h.bus.Len(ctx); return n == 0 })

	if b.ProcessedCount != 2 || b.FailedCount != 1 {
		t.Fatalf("counts processed=%d failed=%d", b.ProcessedCount, b.FailedCount)
	}
	if b.StartedAt == nil || b.CompletedAt == nil {
		t.Fatalf("lifecycle timestamps missing: %+v", b)
	}

	docs := h.docs(t, b.ID)
	failed := docs[1]
	if failed.Status != constants.DocumentStatusFailed || failed.RetryCount != constants.DefaultMaxRetries || failed.ErrorMessage == nil {
		t.Fatalf("failed document = %+v", failed)
	}
	if n := h.ocr.count("down"); n != constants.DefaultMaxRetries+1 {
		t.Fatalf("ocr attempts on failing document = %d", n)
	}

	invs, err := h.svc.ListInvoices(ctx, b.ID, "")
	if err != nil || len(invs) != 2 {
		t.Fatalf("invoices = %d err=%v", len(invs), err)
	}
	if invs[0].InvoiceNumber == nil || *invs[0].InvoiceNumber != "INV-2024-001" || invs[0].Status != constants.InvoiceStatusPending {
		t.Fatalf("first invoice = %+v", invs[0])
	}

	a, err := h.svc.GetAnalysis(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if !strings.Contains(a.Summary, "2 invoices extracted") {
		t.Fatalf("summary = %q", a.Summary)
	}

	var statuses []string
	drain := true
	for drain {
		select {
		case m := <-updates.C():
			if m.Type == notify.TypeBatchStatusUpdate && m.EntityID == b.ID.String() {
				statuses = append(statuses, m.Status)
			}
		default:
			drain = false
		}
	}
	want := []string{"CREATED", "PROCESSING", "OCR_COMPLETED", "ANALYSIS_IN_PROGRESS", "ANALYSIS_COMPLETED"}
	if strings.Join(statuses, ",") != strings.Join(want, ",") {
		t.Fatalf("batch status updates = %v", statuses)
	}

	select {
	case m := <-errs.C():
		if m.Type != notify.TypeError || m.EntityID != failed.ID.String() {
			t.Fatalf("error notification = %+v", m)
		}
	default:
		t.Fatal("no error notification for the exhausted document")
	}
}

func TestUnreadableDocumentIsExhaustedAndNotReprocessable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoAnalyze: false}, eventbus.Options{})

	b := h.create(t, "text:"+acmeInvoice, "garbage")
	b = h.waitStatus(t, b.ID, constants.BatchStatusOCRCompleted)
	if b.ProcessedCount != 1 || b.FailedCount != 1 {
		t.Fatalf("counts processed=%d failed=%d", b.ProcessedCount, b.FailedCount)
	}
	if n := h.ocr.count("garbage"); n != 1 {
		t.Fatalf("unreadable input retried: %d attempts", n)
	}

	garbage := h.docs(t, b.ID)[1]
	if _, err := h.svc.ReprocessDocument(ctx, garbage.ID); !errors.Is(err, common.ErrRetryExhausted) {
		t.Fatalf("ReprocessDocument = %v, want retry exhausted", err)
	}

	// auto analysis is off: the batch waits for a manual request
	h.waitFor(t, "bus drained", func() bool { n, _ := h.bus.Len(ctx); return n == 0 })
	if got, _ := h.svc.GetBatch(ctx, b.ID); got.Status != constants.BatchStatusOCRCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if ok, err := h.svc.RequestAnalysis(ctx, b.ID); err != nil || !ok {
		t.Fatalf("RequestAnalysis ok=%v err=%v", ok, err)
	}
	h.waitStatus(t, b.ID, constants.BatchStatusAnalysisCompleted)
	if _, err := h.svc.RequestAnalysis(ctx, b.ID); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("second RequestAnalysis = %v", err)
	}
}

func TestAllDocumentsFailedFailsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoAnalyze: true}, eventbus.Options{})

	b := h.create(t, "garbage", "garbage")
	b = h.waitStatus(t, b.ID, constants.BatchStatusFailed)
	if b.FailedCount != 2 || b.ProcessedCount != 0 {
		t.Fatalf("counts processed=%d failed=%d", b.ProcessedCount, b.FailedCount)
	}
	if b.ErrorMessage == nil || !strings.Contains(*b.ErrorMessage, "all 2 documents failed") {
		t.Fatalf("error message = %v", b.ErrorMessage)
	}
	if _, err := h.svc.GetAnalysis(ctx, b.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("analysis of failed batch: %v", err)
	}
	if _, err := h.svc.ReprocessDocument(ctx, h.docs(t, b.ID)[0].ID); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("reprocess in failed batch = %v", err)
	}
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoAnalyze: true}, eventbus.Options{})

	b := h.create(t, "block")
	h.waitFor(t, "ocr started", func() bool {
		select {
		case <-h.ocr.started:
			return true
		default:
			return false
		}
	})

	if _, err := h.svc.CancelBatch(ctx, b.ID); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	close(h.ocr.release)
	h.waitFor(t, "bus drained", func() bool { n, _ := h.bus.Len(ctx); return n == 0 })

	got, _ := h.svc.GetBatch(ctx, b.ID)
	if got.Status != constants.BatchStatusCancelled || got.ProcessedCount != 0 {
		t.Fatalf("batch = %+v", got)
	}
	if d := h.docs(t, b.ID)[0]; d.Status == constants.DocumentStatusProcessed {
		t.Fatal("result of a cancelled batch was applied")
	}
	if invs, _ := h.svc.ListInvoices(ctx, b.ID, ""); len(invs) != 0 {
		t.Fatalf("invoices = %d", len(invs))
	}
	if _, err := h.svc.CancelBatch(ctx, b.ID); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("second cancel = %v", err)
	}
}

func TestTerminalBatchRejectsSelfTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, eventbus.Options{})
	tracker := h.svc.orch.Tracker()

	for _, terminal := range []constants.BatchStatus{
		constants.BatchStatusCancelled,
		constants.BatchStatusFailed,
	} {
		b := h.create(t, "text:"+acmeInvoice)
		if _, err := tracker.Transition(ctx, b.ID, terminal, "stopped"); err != nil {
			t.Fatalf("%s: first transition: %v", terminal, err)
		}

		if _, err := tracker.Transition(ctx, b.ID, terminal, "again"); !errors.Is(err, common.ErrInvalidTransition) {
			t.Errorf("%s -> %s = %v, want invalid transition", terminal, terminal, err)
		}
		got, err := tracker.TransitionIdempotent(ctx, b.ID, terminal, "again")
		if err != nil {
			t.Fatalf("%s: idempotent transition: %v", terminal, err)
		}
		if got.Status != terminal || got.ErrorMessage == nil || *got.ErrorMessage != "stopped" {
			t.Errorf("%s: batch changed by idempotent transition: %+v", terminal, got)
		}
		if _, err := tracker.TransitionIdempotent(ctx, b.ID, constants.BatchStatusProcessing, ""); !errors.Is(err, common.ErrInvalidTransition) {
			t.Errorf("%s -> PROCESSING = %v, want invalid transition", terminal, err)
		}
	}
}

func TestStaleProcessingDocumentIsTakenOver(t *testing.T) {
	ctx := context.Background()
	const staleAfter = 300 * time.Millisecond
	h := newHarness(t, Options{StaleAfter: staleAfter}, eventbus.Options{})

	b := h.create(t, "text:"+acmeInvoice)

	// a worker claimed the document and died without finishing
	d := h.docs(t, b.ID)[0]
	prevStatus, prevRetry := d.Status, d.RetryCount
	claimedAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := statemachine.StartProcessing(d, constants.DefaultMaxRetries, claimedAt); err != nil {
		t.Fatal(err)
	}
	if ok, err := h.store.Documents.Save(ctx, d, prevStatus, prevRetry); err != nil || !ok {
		t.Fatalf("Save = %v, %v", ok, err)
	}
	h.waitStatus(t, b.ID, constants.BatchStatusProcessing)

	// redelivery of the dead worker's event
	if _, err := h.bus.Publish(ctx, eventbus.Message{
		Type:    eventbus.TypeDocumentOCRRequested,
		Subject: d.ID.String(),
		Data:    documentPayload{BatchID: b.ID.String(), DocumentID: d.ID.String()},
	}); err != nil {
		t.Fatal(err)
	}

	b = h.waitStatus(t, b.ID, constants.BatchStatusOCRCompleted)
	if b.ProcessedCount != 1 {
		t.Fatalf("processed = %d", b.ProcessedCount)
	}
	got := h.docs(t, b.ID)[0]
	if got.Status != constants.DocumentStatusProcessed {
		t.Fatalf("document = %s", got.Status)
	}
	if n := h.ocr.count("text:" + acmeInvoice); n != 1 {
		t.Fatalf("ocr calls = %d", n)
	}
	if got.UpdatedAt.Sub(claimedAt) < staleAfter {
		t.Fatalf("taken over %s after the claim, before it went stale", got.UpdatedAt.Sub(claimedAt))
	}
}

func TestReprocessRunsBeforeScheduledRetry(t *testing.T) {
	ctx := context.Background()
	// retries are scheduled far in the future so only the reprocess can run
	h := newHarness(t, Options{}, eventbus.Options{BackoffBase: time.Hour, BackoffMax: time.Hour})

	b := h.create(t, "flaky:"+globexInvoice)
	var failed *entity.Document
	h.waitFor(t, "first attempt failed", func() bool {
		failed = h.docs(t, b.ID)[0]
		return failed.Status == constants.DocumentStatusFailed
	})
	if failed.RetryCount != 0 {
		t.Fatalf("retry count after first failure = %d", failed.RetryCount)
	}

	if _, err := h.svc.ReprocessDocument(ctx, failed.ID); err != nil {
		t.Fatalf("ReprocessDocument: %v", err)
	}
	b = h.waitStatus(t, b.ID, constants.BatchStatusOCRCompleted)
	d := h.docs(t, b.ID)[0]
	if d.Status != constants.DocumentStatusProcessed || d.RetryCount != 1 {
		t.Fatalf("document = %+v", d)
	}
	if b.ProcessedCount != 1 || b.FailedCount != 0 {
		t.Fatalf("counts processed=%d failed=%d", b.ProcessedCount, b.FailedCount)
	}
}

func TestDeadLetteredOCREventExhaustsDocument(t *testing.T) {
	// the bus gives up before the document runs out of retries
	h := newHarness(t, Options{MaxRetries: 3}, eventbus.Options{MaxRetries: 1})

	b := h.create(t, "down", "text:"+acmeInvoice)
	b = h.waitStatus(t, b.ID, constants.BatchStatusOCRCompleted)

	d := h.docs(t, b.ID)[0]
	if d.Status != constants.DocumentStatusFailed || d.RetryCount != 3 {
		t.Fatalf("dead-lettered document = %+v", d)
	}
	if n := h.ocr.count("down"); n != 2 {
		t.Fatalf("ocr attempts = %d", n)
	}
	if b.FailedCount != 1 || b.ProcessedCount != 1 {
		t.Fatalf("counts processed=%d failed=%d", b.ProcessedCount, b.FailedCount)
	}
	dl, _ := h.bus.DeadLetters(context.Background())
	if len(dl) != 1 || dl[0].Type != eventbus.TypeDocumentOCRRequested {
		t.Fatalf("dead letters = %+v", dl)
	}
}

func TestInvoiceReviewChatAndExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoAnalyze: true}, eventbus.Options{})

	b := h.create(t, "text:"+acmeInvoice, "text:"+globexInvoice)
	h.waitStatus(t, b.ID, constants.BatchStatusAnalysisCompleted)

	invs, err := h.svc.ListInvoices(ctx, b.ID, constants.InvoiceStatusPending)
	if err != nil || len(invs) != 2 {
		t.Fatalf("pending invoices = %d err=%v", len(invs), err)
	}
	approved, err := h.svc.ApproveInvoice(ctx, invs[0].ID)
	if err != nil || approved.Status != constants.InvoiceStatusApproved {
		t.Fatalf("ApproveInvoice = %+v err=%v", approved, err)
	}
	if _, err := h.svc.ApproveInvoice(ctx, invs[0].ID); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("second approve = %v", err)
	}
	rejected, err := h.svc.RejectInvoice(ctx, invs[1].ID, "duplicate")
	if err != nil || rejected.Status != constants.InvoiceStatusRejected || !strings.Contains(rejected.Notes, "rejected: duplicate") {
		t.Fatalf("RejectInvoice = %+v err=%v", rejected, err)
	}
	if left, _ := h.svc.ListInvoices(ctx, b.ID, constants.InvoiceStatusPending); len(left) != 0 {
		t.Fatalf("pending after review = %d", len(left))
	}

	answer, err := h.svc.Chat(ctx, b.ID, "globex")
	if err != nil || answer == "" {
		t.Fatalf("Chat = %q err=%v", answer, err)
	}
	if _, err := h.svc.Chat(ctx, b.ID, "  "); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("empty question = %v", err)
	}

	raw, err := h.svc.ExportBatch(ctx, b.ID, "")
	if err != nil || len(raw) == 0 {
		t.Fatalf("ExportBatch len=%d err=%v", len(raw), err)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, eventbus.Options{})

	cases := map[string]CreateBatchRequest{
		"no name":  {Files: []Upload{{FileName: "a.pdf", Data: []byte("x")}}},
		"no files": {Name: "b"},
		"bad type": {Name: "b", Files: []Upload{{FileName: "a.exe", Data: []byte("x")}}},
		"empty":    {Name: "b", Files: []Upload{{FileName: "a.pdf"}}},
		"too big":  {Name: "b", Files: []Upload{{FileName: "a.pdf", Data: make([]byte, 2<<20)}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := h.svc.CreateBatch(ctx, req); !errors.Is(err, common.ErrValidation) {
				t.Fatalf("CreateBatch = %v, want validation error", err)
			}
		})
	}
	if bs, _ := h.svc.ListBatches(ctx, repository.BatchFilter{}); len(bs) != 0 {
		t.Fatalf("rejected uploads created %d batches", len(bs))
	}
}

func TestDeleteBatchRemovesRowsAndFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, eventbus.Options{})

	b := h.create(t, "text:"+acmeInvoice)
	h.waitStatus(t, b.ID, constants.BatchStatusOCRCompleted)
	d := h.docs(t, b.ID)[0]

	if err := h.svc.DeleteBatch(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if _, err := h.svc.GetBatch(ctx, b.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("GetBatch after delete = %v", err)
	}
	if _, err := h.svc.GetDocument(ctx, d.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("GetDocument after delete = %v", err)
	}
	if _, err := h.svc.orch.storage.Retrieve(ctx, d.StorageKey); !errors.Is(err, common.ErrStorage) {
		t.Fatalf("stored file survived delete: %v", err)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	id := uuid.New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(id)
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("%d holders at once", maxInside.Load())
	}
	if len(km.locks) != 0 {
		t.Fatalf("lock entries leaked: %d", len(km.locks))
	}
}
