package eventbus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
)

func newTestBus(t *testing.T, opts Options, poolOpts ...async.Option) (*Bus, *notify.Hub) {
	t.Helper()
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
		opts.BackoffMax = 4 * time.Millisecond
	}
	pool := async.NewPool(nil, poolOpts...)
	hub := notify.NewHub(nil)
	b, err := Open(context.Background(), filepath.Join(t.TempDir(), "bus.db"), pool, hub, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Shutdown(context.Background())
		_ = b.Close()
	})
	return b, hub
}

func eventually(t *testing.T, b *Bus, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if _, err := b.Poll(context.Background()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func pendingIs(t *testing.T, b *Bus, want int) func() bool {
	return func() bool {
		n, err := b.Len(context.Background())
		if err != nil {
			t.Fatalf("Len: %v", err)
		}
		return n == want
	}
}

func TestKey(t *testing.T) {
	if Key("document.ocr.requested", "d1", 0) != Key("document.ocr.requested", "d1", 0) {
		t.Fatal("key must be deterministic")
	}
	if Key("document.ocr.requested", "d1", 0) == Key("document.ocr.requested", "d1", 1) {
		t.Fatal("generation must change the key")
	}
	if Key("batch.created", "d1", 0) == Key("document.ocr.requested", "d1", 0) {
		t.Fatal("stage must change the key")
	}
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, 10*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(base, max, c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestPublishDeduplicatesAndDelivers(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{})

	type payload struct {
		BatchID string `json:"batch_id"`
	}
	var calls atomic.Int32
	var got atomic.Value
	b.Handle(TypeBatchCreated, func(ctx context.Context, ev *Event) error {
		var p payload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if common.EventIDFromContext(ctx) != ev.ID {
			return errors.New("event id missing from context")
		}
		got.Store(fmt.Sprintf("%s/%d/%s", p.BatchID, ev.Generation, ev.Subject))
		calls.Add(1)
		return nil
	})

	msg := Message{Type: TypeBatchCreated, Subject: "b1", Generation: 2, Data: payload{BatchID: "b1"}}
	ok, err := b.Publish(ctx, msg)
	if err != nil || !ok {
		t.Fatalf("Publish ok=%v err=%v", ok, err)
	}
	ok, err = b.Publish(ctx, msg)
	if err != nil || ok {
		t.Fatalf("duplicate pending publish ok=%v err=%v", ok, err)
	}

	eventually(t, b, pendingIs(t, b, 0))
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
	if got.Load() != "b1/2/b1" {
		t.Fatalf("handler saw %v", got.Load())
	}

	// the key is processed, so republishing is a no-op
	ok, err = b.Publish(ctx, msg)
	if err != nil || ok {
		t.Fatalf("publish after processing ok=%v err=%v", ok, err)
	}
	msg.Generation = 3
	if ok, _ := b.Publish(ctx, msg); !ok {
		t.Fatal("new generation must be accepted")
	}

	s := b.Stats(ctx)
	if s.Published != 2 || s.Duplicates != 2 || s.Succeeded != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{MaxRetries: 3})

	var calls atomic.Int32
	b.Handle(TypeAnalysisRequested, func(ctx context.Context, ev *Event) error {
		n := calls.Add(1)
		if int(n) != ev.Attempt {
			return Permanent(fmt.Errorf("attempt %d on call %d", ev.Attempt, n))
		}
		if n < 3 {
			return errors.New("ai backend unavailable")
		}
		return nil
	})

	if _, err := b.Publish(ctx, Message{Type: TypeAnalysisRequested, Subject: "b1"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, b, pendingIs(t, b, 0))

	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	dl, _ := b.DeadLetters(ctx)
	if len(dl) != 0 {
		t.Fatalf("unexpected dead letters %v", dl)
	}
	if s := b.Stats(ctx); s.Retried != 2 {
		t.Fatalf("retried = %d", s.Retried)
	}
}

func TestDeferredEventKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	// no retries at all: only a deferral can bring the event back
	b, _ := newTestBus(t, Options{MaxRetries: -1})

	var calls atomic.Int32
	b.Handle(TypeDocumentOCRRequested, func(ctx context.Context, ev *Event) error {
		n := calls.Add(1)
		if ev.Attempt != 1 {
			return Permanent(fmt.Errorf("attempt %d on call %d", ev.Attempt, n))
		}
		if n < 3 {
			return Defer(10 * time.Millisecond)
		}
		return nil
	})

	if _, err := b.Publish(ctx, Message{Type: TypeDocumentOCRRequested, Subject: "d1"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, b, pendingIs(t, b, 0))

	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if dl, _ := b.DeadLetters(ctx); len(dl) != 0 {
		t.Fatalf("unexpected dead letters %v", dl)
	}
	if s := b.Stats(ctx); s.Deferred != 2 || s.Retried != 0 {
		t.Fatalf("deferred = %d, retried = %d", s.Deferred, s.Retried)
	}
}

func TestExhaustedEventIsDeadLetteredAndRequeued(t *testing.T) {
	ctx := context.Background()
	b, hub := newTestBus(t, Options{MaxRetries: 2})
	errs := hub.Subscribe(notify.TopicErrors, 4)
	defer errs.Close()

	var calls atomic.Int32
	var healthy atomic.Bool
	b.Handle(TypeDocumentOCRRequested, func(context.Context, *Event) error {
		calls.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("ocr backend unavailable")
	})
	var hooked atomic.Value
	b.OnDeadLetter(TypeDocumentOCRRequested, func(_ context.Context, ev *Event, cause error) error {
		hooked.Store(ev.Subject + ": " + cause.Error())
		return nil
	})

	if _, err := b.Publish(ctx, Message{Type: TypeDocumentOCRRequested, Subject: "d1"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, b, func() bool { return hooked.Load() != nil })

	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want first delivery plus 2 retries", calls.Load())
	}
	if hooked.Load() != "d1: ocr backend unavailable" {
		t.Fatalf("hook saw %v", hooked.Load())
	}
	select {
	case m := <-errs.C():
		if m.Type != notify.TypeError || m.EntityID != "d1" || m.Data["eventType"] != TypeDocumentOCRRequested {
			t.Fatalf("error notification = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no error notification")
	}

	dl, err := b.DeadLetters(ctx)
	if err != nil || len(dl) != 1 || dl[0].Attempts != 3 || dl[0].Subject != "d1" {
		t.Fatalf("dead letters = %+v err=%v", dl, err)
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Fatalf("dead letter still pending: %d", n)
	}

	healthy.Store(true)
	if err := b.Requeue(ctx, dl[0].ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	eventually(t, b, pendingIs(t, b, 0))
	if calls.Load() != 4 {
		t.Fatalf("calls after requeue = %d", calls.Load())
	}
	if dl, _ := b.DeadLetters(ctx); len(dl) != 0 {
		t.Fatalf("dead letters after requeue = %v", dl)
	}

	if err := b.Requeue(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Requeue(missing) = %v", err)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{MaxRetries: 3})

	var calls atomic.Int32
	b.Handle(TypeDocumentOCRRequested, func(context.Context, *Event) error {
		calls.Add(1)
		return Permanent(errors.New("unreadable input"))
	})
	if _, err := b.Publish(ctx, Message{Type: TypeDocumentOCRRequested, Subject: "d1"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, b, func() bool {
		dl, _ := b.DeadLetters(ctx)
		return len(dl) == 1
	})
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestEventWithoutHandlerIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{})
	if _, err := b.Publish(ctx, Message{Type: "unknown.stage", Subject: "x"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, b, func() bool {
		dl, _ := b.DeadLetters(ctx)
		return len(dl) == 1 && dl[0].Type == "unknown.stage"
	})
}

func TestPollRespectsPoolCapacity(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{}, async.WithWorkers(1), async.WithQueueSize(1))

	release := make(chan struct{})
	var calls atomic.Int32
	b.Handle(TypeDocumentOCRRequested, func(ctx context.Context, _ *Event) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		calls.Add(1)
		return nil
	})
	for i := 0; i < 4; i++ {
		if _, err := b.Publish(ctx, Message{Type: TypeDocumentOCRRequested, Subject: fmt.Sprintf("d%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := b.Poll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("first poll submitted %d err=%v, want pool capacity 2", n, err)
	}
	if n, _ := b.Poll(ctx); n != 0 {
		t.Fatalf("second poll submitted %d with a full pool", n)
	}

	close(release)
	eventually(t, b, pendingIs(t, b, 0))
	if calls.Load() != 4 {
		t.Fatalf("calls = %d", calls.Load())
	}
}
