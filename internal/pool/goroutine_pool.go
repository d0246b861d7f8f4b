// Package pool provides the bounded worker pool that runs blocking step
// invocations off the scheduling goroutine.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is one blocking invocation.
type Task func(ctx context.Context) error

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	// MaxWorkers bounds the tasks running at once.
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	// QueueSize bounds the callers waiting for a slot; 0 means no bound.
	QueueSize    int       `json:"queue_size" yaml:"queue_size"`
	PanicHandler func(any) `json:"-" yaml:"-"`
}

// DefaultGoroutinePoolConfig returns the executor defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{MaxWorkers: 16, QueueSize: 256}
}

// GoroutinePool runs each task on its own goroutine once it holds one of
// MaxWorkers semaphore slots.
type GoroutinePool struct {
	slots      *semaphore.Weighted
	maxWorkers int
	queueSize  int64
	onPanic    func(any)

	// mu 保护 closed，并保证 Close 之后不会再有 inflight.Add
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	waiting   atomic.Int64
	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewGoroutinePool creates a pool. Non-positive MaxWorkers uses the default.
func NewGoroutinePool(cfg GoroutinePoolConfig) *GoroutinePool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultGoroutinePoolConfig().MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &GoroutinePool{
		slots:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		maxWorkers: cfg.MaxWorkers,
		queueSize:  int64(cfg.QueueSize),
		onPanic:    cfg.PanicHandler,
	}
}

// SubmitWait runs task and waits for its result. When ctx ends first the
// task keeps its slot until it returns.
func (p *GoroutinePool) SubmitWait(ctx context.Context, task Task) error {
	if err := p.admit(); err != nil {
		return err
	}
	if err := p.acquire(ctx); err != nil {
		p.inflight.Done()
		return err
	}

	result := make(chan error, 1)
	go func() {
		defer p.inflight.Done()
		defer p.slots.Release(1)
		result <- p.run(ctx, task)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *GoroutinePool) admit() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.submitted.Add(1)
	return nil
}

func (p *GoroutinePool) acquire(ctx context.Context) error {
	if p.slots.TryAcquire(1) {
		return nil
	}
	n := p.waiting.Add(1)
	defer p.waiting.Add(-1)
	if p.queueSize > 0 && n > p.queueSize {
		p.rejected.Add(1)
		return ErrPoolFull
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		p.rejected.Add(1)
		return err
	}
	return nil
}

func (p *GoroutinePool) run(ctx context.Context, task Task) (err error) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		if r := recover(); r != nil {
			if p.onPanic != nil {
				p.onPanic(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	return task(ctx)
}

// Close rejects new tasks and waits for admitted ones to finish.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.inflight.Wait()
}

// Stats returns pool counters.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   p.maxWorkers,
		Active:    int(p.active.Load()),
		Queued:    int(p.waiting.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
