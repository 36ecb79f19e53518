// Package dispatch runs side-effect jobs (events, emails, audit writes) on a bounded
// worker pool so they never block or fail the request that scheduled them.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/obs"
)

var _ auth.Runner = (*Dispatcher)(nil)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Config sizes the pool. JobTimeout bounds each job's context.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Dispatcher is an auth.Runner backed by a fixed set of workers and a buffered queue.
// When the queue is full new jobs are dropped and counted rather than blocking callers.
type Dispatcher struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan job
	timeout time.Duration
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New starts cfg.Workers goroutines. Zero values fall back to 4 workers, a queue of
// 1024 and a 10s job timeout.
func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:   make(chan job, cfg.QueueSize),
		timeout: cfg.JobTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Go enqueues fn. It never blocks.
func (d *Dispatcher) Go(name string, fn func(ctx context.Context) error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(name, "dispatcher closed")
		return
	}
	select {
	case d.queue <- job{name: name, fn: fn}:
	default:
		d.drop(name, "queue full")
	}
}

func (d *Dispatcher) drop(name, reason string) {
	obs.DispatchJobs.WithLabelValues(name, "dropped").Inc()
	obs.Logger().Warn("side effect dropped", zap.String("job", name), zap.String("reason", reason))
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			obs.DispatchJobs.WithLabelValues(j.name, "error").Inc()
			obs.Logger().Error("side effect panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	if err := j.fn(ctx); err != nil {
		obs.DispatchJobs.WithLabelValues(j.name, "error").Inc()
		obs.Logger().Warn("side effect failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	obs.DispatchJobs.WithLabelValues(j.name, "ok").Inc()
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx ends first
// the in-flight jobs are cancelled and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
