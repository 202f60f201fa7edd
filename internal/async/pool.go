// Package async runs handler jobs on a fixed set of workers behind a
// bounded queue.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned by Submit after Shutdown started.
var ErrPoolClosed = errors.New("worker pool is shutting down")

// Job is one unit of work. Run owns its own error handling; the pool only
// logs what it returns.
type Job struct {
	ID          string
	Run         func(ctx context.Context) error
	SubmittedAt time.Time
}

type Pool struct {
	logger  *slog.Logger
	workers int
	size    int
	timeout time.Duration

	ch      chan Job
	wg      sync.WaitGroup
	once    sync.Once
	pending atomic.Int64

	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:  logger,
		workers: 4,
		size:    256,
		timeout: 3 * time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	p.ch = make(chan Job, p.size)
	p.base, p.cancel = context.WithCancel(context.Background())
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("async.worker.started", "worker_id", workerID)

				for job := range p.ch {
					p.run(workerID, job)
				}

				p.logger.Debug("async.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) run(workerID int, job Job) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("async.job.panic", "worker_id", workerID, "job_id", job.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(p.base, p.timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		p.logger.Debug("async.job.failed", "worker_id", workerID, "job_id", job.ID, "elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		return
	}
	p.logger.Debug("async.job.ok", "worker_id", workerID, "job_id", job.ID, "elapsed_ms", time.Since(start).Milliseconds())
}

// Capacity is the number of jobs the pool holds at once: running plus queued.
func (p *Pool) Capacity() int { return p.workers + p.size }

// Workers is the number of concurrently running jobs.
func (p *Pool) Workers() int { return p.workers }

// Free reports how many more jobs can be submitted without blocking.
func (p *Pool) Free() int {
	free := p.Capacity() - int(p.pending.Load())
	if free < 0 {
		return 0
	}
	return free
}

// Pending is the number of submitted jobs that have not finished.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

// Submit queues job, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}

	p.pending.Add(1)
	select {
	case p.ch <- job:
		return nil
	default:
	}

	p.logger.Warn("async.queue.full", "job_id", job.ID, "pending", p.pending.Load())
	select {
	case p.ch <- job:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When
// ctx expires first, running jobs see their contexts cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("async.shutdown.interrupted")
		return ctx.Err()
	case <-done:
		p.cancel()
		p.logger.Info("async.shutdown.drained")
		return nil
	}
}
