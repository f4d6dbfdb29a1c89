// Package workerpool provides a bounded pool of goroutines that run
// submitted tasks. Submission never blocks: when every worker slot is busy the
// task waits in the pool's FIFO submission queue until a slot frees up.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed         = errors.New("worker pool is shut down")
	ErrInvalidThreadLimit = errors.New("worker pool thread limit must be positive")
)

// Task is a unit of work run on a pool goroutine.
type Task interface {
	Run()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// Observer receives pool activity notifications. Methods are called from
// worker goroutines and must be safe for concurrent use.
type Observer interface {
	TaskSubmitted()
	TaskStarted()
	TaskDone()
}

type nopObserver struct{}

func (nopObserver) TaskSubmitted() {}
func (nopObserver) TaskStarted()   {}
func (nopObserver) TaskDone()      {}

// Pool runs tasks on at most limit goroutines at a time.
type Pool struct {
	name     string
	limit    int64
	slots    *semaphore.Weighted // One unit per running worker goroutine
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	pending []Task // FIFO submission queue
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver installs an activity observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// New creates a pool that runs at most limit tasks concurrently.
func New(name string, limit int, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreadLimit, limit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		name:     name,
		limit:    int64(limit),
		slots:    semaphore.NewWeighted(int64(limit)),
		logger:   logger.Named("workerpool").With(zap.String("pool", name)),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Limit returns the maximum number of concurrently running tasks.
func (p *Pool) Limit() int {
	return int(p.limit)
}

// Submit queues task for execution. It never blocks.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.pending = append(p.pending, task)
	p.observer.TaskSubmitted()

	// The slot is acquired and released under p.mu, so a worker that found the
	// queue empty has always given its slot back before we look for one here.
	if p.slots.TryAcquire(1) {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

// Pending returns the number of submitted tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.slots.Release(1)
			p.mu.Unlock()
			return
		}
		task := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.observer.TaskStarted()
		task.Run()
		p.observer.TaskDone()
	}
}

// Shutdown stops accepting tasks and waits until every queued and running task
// has completed, or ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	remaining := len(p.pending)
	p.mu.Unlock()

	p.logger.Debug("Shutting down worker pool", zap.Int("pending", remaining))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown interrupted", zap.Error(ctx.Err()))
		return fmt.Errorf("worker pool %s shutdown: %w", p.name, ctx.Err())
	}
}
