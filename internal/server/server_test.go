package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/extract"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository/repotest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/storage"
)

const invoiceText = `ACME SUPPLIES LTD
Vendor: Acme Supplies
Invoice Number: INV-2024-001
Invoice Date: 01/15/2024
Total: $1,234.56
`

// echoOCR returns the uploaded bytes as the recognized text.
type echoOCR struct{}

func (echoOCR) PerformOCR(_ context.Context, data []byte, _ string) (ocr.Result, error) {
	return ocr.Result{Text: string(data), Confidence: 0.95, Pages: 1, Method: "echo"}, nil
}

func newTestClient(t *testing.T) (*Client, *grpc.ClientConn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := repository.NewStore(repotest.OpenMemory(t), nil)
	files, err := storage.NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	pool := async.NewPool(nil, async.WithWorkers(4))
	hub := notify.NewHub(nil)
	bus, err := eventbus.Open(ctx, filepath.Join(t.TempDir(), "bus.db"), pool, hub, eventbus.Options{
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Store:     store,
		Bus:       bus,
		Notifier:  hub,
		Storage:   files,
		OCR:       echoOCR{},
		Extractor: extract.NewEngine(store.Vendors, nil),
		Analyzer:  ai.NewOffline(nil),
	}, pipeline.Options{AutoAnalyze: true})
	orch.Register()
	svc := pipeline.NewService(orch, export.NewService(store, nil), common.UploadConfig{MaxFileBytes: 1 << 20, MaxFiles: 10}, nil)

	lis := bufconn.Listen(1 << 20)
	gs, _ := NewGRPCServer(NewPipelineServer(svc, bus, hub, nil), nil)
	go func() { _ = gs.Serve(lis) }()
	go bus.Run(ctx)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
		cancel()
		_ = pool.Shutdown(context.Background())
		_ = bus.Close()
	})
	return NewClient(conn), conn
}

func upload(name, body string) map[string]any {
	return map[string]any{
		"file_name":    name,
		"content_type": "application/pdf",
		"data":         base64.StdEncoding.EncodeToString([]byte(body)),
	}
}

func TestBatchLifecycleOverGRPC(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, err := c.Call(ctx, "CreateBatch", map[string]any{
		"name":  "q1 invoices",
		"files": []any{upload("acme.pdf", invoiceText)},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	batchID := created.GetFields()["id"].GetStringValue()
	if _, err := uuid.Parse(batchID); err != nil {
		t.Fatalf("CreateBatch returned id %q", batchID)
	}

	var last string
	err = c.WatchBatch(ctx, batchID, func(m *structpb.Struct) error {
		if s := m.GetFields()["status"].GetStringValue(); s != "" {
			last = s
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WatchBatch: %v", err)
	}
	if last != "ANALYSIS_COMPLETED" {
		t.Fatalf("watch ended on %q, want ANALYSIS_COMPLETED", last)
	}

	b, err := c.Call(ctx, "GetBatch", map[string]any{"batch_id": batchID})
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got := b.GetFields()["processed_count"].GetNumberValue(); got != 1 {
		t.Errorf("processed_count = %v, want 1", got)
	}

	invs, err := c.Call(ctx, "ListInvoices", map[string]any{"batch_id": batchID})
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	list := invs.GetFields()["invoices"].GetListValue().GetValues()
	if len(list) != 1 {
		t.Fatalf("got %d invoices, want 1", len(list))
	}
	inv := list[0].GetStructValue().GetFields()
	if got := inv["invoice_number"].GetStringValue(); got != "INV-2024-001" {
		t.Errorf("invoice_number = %q", got)
	}
	if got := inv["amount"].GetStringValue(); got != "1234.56" {
		t.Errorf("amount = %q, want 1234.56", got)
	}

	approved, err := c.Call(ctx, "ApproveInvoice", map[string]any{"invoice_id": inv["id"].GetStringValue()})
	if err != nil {
		t.Fatalf("ApproveInvoice: %v", err)
	}
	if got := approved.GetFields()["status"].GetStringValue(); got != "APPROVED" {
		t.Errorf("status after approve = %q", got)
	}

	analysis, err := c.Call(ctx, "GetAnalysis", map[string]any{"batch_id": batchID})
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if analysis.GetFields()["summary"].GetStringValue() == "" {
		t.Error("analysis summary is empty")
	}

	exp, err := c.Call(ctx, "ExportBatch", map[string]any{"batch_id": batchID, "status": "APPROVED"})
	if err != nil {
		t.Fatalf("ExportBatch: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(exp.GetFields()["data"].GetStringValue())
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Error("export is not a zip container")
	}

	dls, err := c.Call(ctx, "ListDeadLetters", nil)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if n := len(dls.GetFields()["dead_letters"].GetListValue().GetValues()); n != 0 {
		t.Errorf("got %d dead letters, want 0", n)
	}
}

func TestErrorCodes(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		name   string
		method string
		req    map[string]any
		want   codes.Code
	}{
		{"malformed id", "GetBatch", map[string]any{"batch_id": "nope"}, codes.InvalidArgument},
		{"unknown batch", "GetBatch", map[string]any{"batch_id": uuid.NewString()}, codes.NotFound},
		{"no files", "CreateBatch", map[string]any{"name": "empty"}, codes.InvalidArgument},
		{"bad base64", "CreateBatch", map[string]any{"name": "x", "files": []any{map[string]any{"file_name": "a.pdf", "data": "%%%"}}}, codes.InvalidArgument},
		{"bad status filter", "ListBatches", map[string]any{"status": "BOGUS"}, codes.InvalidArgument},
		{"negative limit", "ListBatches", map[string]any{"limit": -1}, codes.InvalidArgument},
		{"unknown dead letter", "RequeueDeadLetter", map[string]any{"event_id": "missing"}, codes.NotFound},
		{"missing question", "Chat", map[string]any{"batch_id": uuid.NewString()}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Call(ctx, tc.method, tc.req)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("%s: code = %v, want %v (err %v)", tc.method, got, tc.want, err)
			}
		})
	}
}

func TestHealthServing(t *testing.T) {
	_, conn := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}
}
