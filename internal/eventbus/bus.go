// Package eventbus is an at-least-once event bus spooled in SQLite.
//
// Published events are CloudEvents envelopes whose id is the idempotency
// key of the stage run. Consumers claim visible events, which then stay
// invisible for the visibility timeout; an event whose consumer crashed
// reappears once the timeout passes. A handled key is recorded in
// bus_processed so redeliveries are acked without running the handler.
// Failed events are retried with exponential backoff and, once the retry
// budget is spent, moved to bus_dead_letters.
package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

// Handler runs one stage for a claimed event. Returning nil acks the event.
type Handler func(ctx context.Context, ev *Event) error

// DeadLetterHook runs after an event of its type was dead-lettered.
type DeadLetterHook func(ctx context.Context, ev *Event, cause error) error

type Options struct {
	// Visibility is how long a claimed event stays invisible. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds in Run. Default: 500ms.
	PollInterval time.Duration
	// MaxRetries is the number of redeliveries after the first failure.
	// 0 selects the default of 3, a negative value disables retries.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ClaimBatch caps how many events one claim round takes. Default: 32.
	ClaimBatch int
	Source     string
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 3
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 32
	}
	if o.Source == "" {
		o.Source = defaultSource
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// OptionsFromConfig maps the bus section of the application config.
func OptionsFromConfig(cfg common.BusConfig, logger *slog.Logger) Options {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return Options{
		Visibility:   cfg.Visibility,
		PollInterval: cfg.PollInterval,
		MaxRetries:   maxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		Logger:       logger,
	}
}

// Stats are counters since the bus was opened.
type Stats struct {
	Published    int64 `json:"published"`
	Duplicates   int64 `json:"duplicates"`
	Delivered    int64 `json:"delivered"`
	Succeeded    int64 `json:"succeeded"`
	Skipped      int64 `json:"skipped"`
	Retried      int64 `json:"retried"`
	Deferred     int64 `json:"deferred"`
	DeadLettered int64 `json:"dead_lettered"`
	Pending      int   `json:"pending"`
}

type counters struct {
	published, duplicates, delivered, succeeded, skipped, retried, deferred, deadLettered atomic.Int64
}

type Bus struct {
	db       *sql.DB
	opts     Options
	pool     *async.Pool
	notifier notify.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	hooks    map[string][]DeadLetterHook

	stats counters
}

// Open opens (or creates) the spool database at path. Handlers run on pool;
// dead letters are reported to notifier, which may be nil.
func Open(ctx context.Context, path string, pool *async.Pool, notifier notify.Publisher, opts Options) (*Bus, error) {
	db, err := sql.Open("sqlite", repository.SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open bus: %w", common.ErrDatabase, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	b := newBus(db, pool, notifier, opts)
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func newBus(db *sql.DB, pool *async.Pool, notifier notify.Publisher, opts Options) *Bus {
	opts.defaults()
	return &Bus{
		db:       db,
		opts:     opts,
		pool:     pool,
		notifier: notifier,
		logger:   opts.Logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
		hooks:    make(map[string][]DeadLetterHook),
	}
}

func (b *Bus) Close() error { return b.db.Close() }

// Handle registers the handler of an event type, replacing an earlier one.
func (b *Bus) Handle(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = h
}

// OnDeadLetter adds a hook for dead letters of eventType.
func (b *Bus) OnDeadLetter(eventType string, hook DeadLetterHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[eventType] = append(b.hooks[eventType], hook)
}

// Publish spools msg. It reports false when an event with the same
// idempotency key is already pending or was already processed.
func (b *Bus) Publish(ctx context.Context, msg Message) (bool, error) {
	now := b.now().UTC()
	id, payload, err := encode(b.opts.Source, msg, now)
	if err != nil {
		return false, err
	}

	done, err := b.isProcessed(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: publish %s: %w", common.ErrDatabase, msg.Type, err)
	}
	if done {
		b.stats.duplicates.Add(1)
		b.logger.Debug("bus.publish.duplicate", "event_id", id, "type", msg.Type, "subject", msg.Subject, "processed", true)
		return false, nil
	}

	inserted, err := b.insert(ctx, id, msg.Type, msg.Subject, payload, now)
	if err != nil {
		return false, fmt.Errorf("%w: publish %s: %w", common.ErrDatabase, msg.Type, err)
	}
	if !inserted {
		b.stats.duplicates.Add(1)
		b.logger.Debug("bus.publish.duplicate", "event_id", id, "type", msg.Type, "subject", msg.Subject)
		return false, nil
	}
	b.stats.published.Add(1)
	b.logger.Debug("bus.publish.ok", "event_id", id, "type", msg.Type, "subject", msg.Subject, "generation", msg.Generation)
	return true, nil
}

// Run claims and dispatches events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("bus.consumer.started", "visibility", b.opts.Visibility, "poll", b.opts.PollInterval, "max_retries", b.opts.MaxRetries)

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bus.consumer.stopped")
			return
		case <-ticker.C:
			for {
				n, err := b.Poll(ctx)
				if err != nil {
					if ctx.Err() == nil {
						b.logger.Warn("bus.claim.failed", "error", err)
					}
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}

// Poll runs one claim round and submits the claimed events to the pool.
// Claims never exceed the pool's free capacity. It returns the number of
// events submitted.
func (b *Bus) Poll(ctx context.Context) (int, error) {
	n := min(b.pool.Free(), b.opts.ClaimBatch)
	if n <= 0 {
		return 0, nil
	}
	rows, err := b.claim(ctx, n)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, r := range rows {
		r := r
		err := b.pool.Submit(ctx, async.Job{
			ID:  r.ID,
			Run: func(jctx context.Context) error { return b.dispatch(jctx, r) },
		})
		if err != nil {
			if relErr := b.release(context.WithoutCancel(ctx), r.ID); relErr != nil {
				b.logger.Error("bus.release.failed", "event_id", r.ID, "error", relErr)
			}
			if errors.Is(err, async.ErrPoolClosed) || ctx.Err() != nil {
				return submitted, nil
			}
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (b *Bus) dispatch(ctx context.Context, r *row) error {
	b.stats.delivered.Add(1)
	store := context.WithoutCancel(ctx)
	logger := b.logger.With("event_id", r.ID, "type", r.Type, "attempt", r.Attempts)

	done, err := b.isProcessed(ctx, r.ID)
	if err != nil {
		logger.Warn("bus.processed.lookup_failed", "error", err)
	}
	if done {
		b.stats.skipped.Add(1)
		logger.Debug("bus.dispatch.skipped")
		return b.ack(store, r.ID)
	}

	ce, err := decode(r.Payload)
	ev := &Event{ID: r.ID, Type: r.Type, Subject: r.Subject, Attempt: r.Attempts, ce: ce}
	if err != nil {
		b.deadLetter(store, r, ev, Permanent(fmt.Errorf("decode envelope: %w", err)))
		return err
	}
	ev.Generation = generationOf(ce)

	b.mu.RLock()
	h := b.handlers[r.Type]
	b.mu.RUnlock()
	if h == nil {
		err := fmt.Errorf("no handler for %s", r.Type)
		b.deadLetter(store, r, ev, Permanent(err))
		return err
	}

	start := time.Now()
	err = b.call(common.WithEventID(ctx, r.ID), h, ev)
	if err == nil {
		if err := b.complete(store, r); err != nil {
			logger.Error("bus.ack.failed", "error", err)
			return err
		}
		b.stats.succeeded.Add(1)
		logger.Debug("bus.dispatch.ok", "elapsed_ms", time.Since(start).Milliseconds())
		return nil
	}

	if delay, ok := DeferredFor(err); ok {
		b.stats.deferred.Add(1)
		logger.Debug("bus.dispatch.deferred", "delay_ms", delay.Milliseconds())
		if dErr := b.postpone(store, r.ID, delay); dErr != nil {
			logger.Error("bus.defer.schedule_failed", "error", dErr)
			return dErr
		}
		return nil
	}

	retriesUsed := r.Attempts - 1
	if IsPermanent(err) || retriesUsed >= b.opts.MaxRetries {
		b.deadLetter(store, r, ev, err)
		return err
	}

	delay := Backoff(b.opts.BackoffBase, b.opts.BackoffMax, retriesUsed)
	logger.Warn("bus.dispatch.retry", "error", err, "delay_ms", delay.Milliseconds(), "elapsed_ms", time.Since(start).Milliseconds())
	b.stats.retried.Add(1)
	if rErr := b.retryAfter(store, r.ID, delay, err); rErr != nil {
		logger.Error("bus.retry.schedule_failed", "error", rErr)
	}
	return err
}

func (b *Bus) call(ctx context.Context, h Handler, ev *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) deadLetter(ctx context.Context, r *row, ev *Event, cause error) {
	logger := b.logger.With("event_id", r.ID, "type", r.Type, "subject", r.Subject, "attempt", r.Attempts)
	if err := b.moveToDeadLetters(ctx, r, cause); err != nil {
		logger.Error("bus.dead_letter.store_failed", "error", err)
		return
	}
	b.stats.deadLettered.Add(1)
	logger.Error("bus.dead_letter", "error", cause)

	if b.notifier != nil {
		b.notifier.Publish(ctx, notify.TopicErrors, notify.Message{
			Type:     notify.TypeError,
			EntityID: r.Subject,
			Status:   "DEAD_LETTERED",
			Data: map[string]any{
				"eventId":   r.ID,
				"eventType": r.Type,
				"attempts":  r.Attempts,
				"error":     cause.Error(),
			},
		})
	}

	b.mu.RLock()
	hooks := append([]DeadLetterHook(nil), b.hooks[r.Type]...)
	b.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(common.WithEventID(ctx, r.ID), ev, cause); err != nil {
			logger.Error("bus.dead_letter.hook_failed", "error", err)
		}
	}
}

// Backoff is base × 2^attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (b *Bus) Stats(ctx context.Context) Stats {
	s := Stats{
		Published:    b.stats.published.Load(),
		Duplicates:   b.stats.duplicates.Load(),
		Delivered:    b.stats.delivered.Load(),
		Succeeded:    b.stats.succeeded.Load(),
		Skipped:      b.stats.skipped.Load(),
		Retried:      b.stats.retried.Load(),
		Deferred:     b.stats.deferred.Load(),
		DeadLettered: b.stats.deadLettered.Load(),
	}
	if n, err := b.Len(ctx); err == nil {
		s.Pending = n
	}
	return s
}
