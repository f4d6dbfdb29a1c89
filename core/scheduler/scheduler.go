// Package scheduler admits database transactions, orders them by the
// resources they declare and drives their work on a bounded worker pool.
//
// All dependency-graph state lives in a Registry that is confined to a single
// coordination goroutine owned by the Scheduler. Other goroutines reach it
// through Do (synchronous) or Post (asynchronous). Finish callbacks and
// completion waiters run on the coordination goroutine and may use the
// Registry they were registered with directly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosched/core/transaction"
	internaltelemetry "github.com/sushant-115/gojosched/internal/telemetry"
	"github.com/sushant-115/gojosched/pkg/workerpool"
)

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	logger *zap.Logger
	meter  metric.Meter
	tracer trace.Tracer
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeter sets the meter used to create the scheduler instruments.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer sets the tracer used for per-transaction spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Scheduler owns the coordination goroutine, the worker pool and the
// Registry. Several schedulers can coexist in one process.
type Scheduler struct {
	id       string
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *internaltelemetry.SchedulerMetrics
	pool     *workerpool.Pool
	registry *Registry

	inboxMu  sync.Mutex
	inbox    []func()
	stopped  bool
	wake     chan struct{}
	exiting  bool // Only touched on the coordination goroutine
	done     chan struct{}
	shutdown sync.Once
}

// New creates a scheduler and starts its coordination goroutine. It fails if
// the configuration is invalid or the worker pool cannot be created.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	o := options{
		logger: zap.NewNop(),
		meter:  noop.NewMeterProvider().Meter(""),
		tracer: nooptrace.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(&o)
	}

	metrics, err := internaltelemetry.NewSchedulerMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler metrics: %w", err)
	}

	id := uuid.New().String()
	logger := o.logger.Named("scheduler").With(zap.String("scheduler_id", id))

	s := &Scheduler{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		tracer:  o.tracer,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	s.pool, err = workerpool.New("txn-"+id[:8], cfg.ThreadLimit, logger,
		workerpool.WithObserver(&poolObserver{metrics: metrics}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.registry = newRegistry(s)

	ready := make(chan struct{})
	go s.loop(ready)
	<-ready

	logger.Info("Transaction scheduler started", zap.Int("threadLimit", cfg.ThreadLimit))
	return s, nil
}

// ID returns the instance id used in logs.
func (s *Scheduler) ID() string { return s.id }

// Done is closed once the coordination goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) loop(ready chan<- struct{}) {
	s.registry.owner.Bind()
	defer func() {
		s.registry.owner.Release()
		close(s.done)
	}()
	close(ready)

	for range s.wake {
		for s.runInbox() {
		}
		// Nothing can be posted once exiting is set, so the inbox is empty.
		if s.exiting {
			return
		}
	}
}

// runInbox runs one batch from the inbox and reports whether it was non-empty.
func (s *Scheduler) runInbox() bool {
	s.inboxMu.Lock()
	batch := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	for _, fn := range batch {
		fn()
	}
	return len(batch) > 0
}

// post enqueues fn for the coordination goroutine without waiting.
func (s *Scheduler) post(fn func()) error {
	s.inboxMu.Lock()
	if s.stopped {
		s.inboxMu.Unlock()
		return ErrSchedulerClosed
	}
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Post runs fn on the coordination goroutine without waiting for it. fn is
// dropped if the scheduler discards its state before reaching it.
func (s *Scheduler) Post(fn func(r *Registry)) error {
	return s.post(func() {
		if !s.registry.discarded {
			fn(s.registry)
		}
	})
}

// States of a call made through Do.
const (
	callPending int32 = iota
	callStarted
	callAbandoned
)

type callResult struct {
	panicked any
	err      error
}

// Do runs fn on the coordination goroutine and waits for it to return. A
// panic raised by fn (a contract violation) is re-raised in the caller. When
// called from the coordination goroutine itself, fn runs inline.
//
// Do returns ctx.Err() only if fn has not started; once fn is running, Do
// waits for it, so a cancelled call never changes the graph behind the
// caller's back.
func (s *Scheduler) Do(ctx context.Context, fn func(r *Registry)) error {
	if s.registry.owner.Owned() {
		if s.registry.discarded {
			return ErrSchedulerClosed
		}
		fn(s.registry)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var state atomic.Int32
	reply := make(chan callResult, 1)
	err := s.post(func() {
		if !state.CompareAndSwap(callPending, callStarted) {
			return
		}
		if s.registry.discarded {
			reply <- callResult{err: ErrSchedulerClosed}
			return
		}
		defer func() { reply <- callResult{panicked: recover()} }()
		fn(s.registry)
	})
	if err != nil {
		return err
	}

	var res callResult
	select {
	case res = <-reply:
	case <-ctx.Done():
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ctx.Err()
		}
		res = <-reply
	case <-s.done:
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ErrSchedulerClosed
		}
		res = <-reply
	}
	if res.panicked != nil {
		panic(res.panicked)
	}
	return res.err
}

// Admit registers a transaction over names in databaseID and returns its id.
// The transaction starts as soon as nothing it depends on is in flight.
func (s *Scheduler) Admit(ctx context.Context, databaseID string, names []string, mode transaction.Mode) (transaction.ID, error) {
	var (
		id       transaction.ID
		admitErr error
	)
	err := s.Do(ctx, func(r *Registry) {
		var txn *transaction.Transaction
		txn, admitErr = r.Admit(databaseID, names, mode)
		if txn != nil {
			id = txn.ID
		}
	})
	if err != nil {
		return 0, err
	}
	return id, admitErr
}

// Dispatch appends a work item to an admitted transaction.
func (s *Scheduler) Dispatch(ctx context.Context, id transaction.ID, databaseID string, item transaction.WorkItem) error {
	return s.Do(ctx, func(r *Registry) {
		r.Dispatch(id, databaseID, item)
	})
}

// DispatchAndFinish appends a last work item and asks the transaction to drain.
func (s *Scheduler) DispatchAndFinish(ctx context.Context, id transaction.ID, databaseID string, item transaction.WorkItem, cb transaction.FinishCallback) error {
	return s.Do(ctx, func(r *Registry) {
		r.DispatchAndFinish(id, databaseID, item, cb)
	})
}

// Finish asks an admitted transaction to drain; cb may be nil.
func (s *Scheduler) Finish(ctx context.Context, id transaction.ID, databaseID string, cb transaction.FinishCallback) error {
	return s.Do(ctx, func(r *Registry) {
		r.Finish(id, databaseID, cb)
	})
}

// WaitForDatabasesDrained calls cb on the coordination goroutine once none of
// databaseIDs has a transaction in progress.
func (s *Scheduler) WaitForDatabasesDrained(ctx context.Context, databaseIDs []string, cb func()) error {
	return s.Do(ctx, func(r *Registry) {
		r.WaitForDatabasesDrained(databaseIDs, cb)
	})
}

// HasTransactionsForDatabase reports whether databaseID has transactions in
// progress.
func (s *Scheduler) HasTransactionsForDatabase(ctx context.Context, databaseID string) (bool, error) {
	var has bool
	err := s.Do(ctx, func(r *Registry) {
		has = r.HasTransactionsForDatabase(databaseID)
	})
	return has, err
}

// Snapshot captures the live dependency graph.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.Do(ctx, func(r *Registry) {
		snap = r.Snapshot()
	})
	return snap, err
}

// Shutdown stops admissions, waits for every admitted transaction to finish
// and the worker pool to drain (bounded by ctx), then fires any remaining
// completion waiters and finish callbacks and discards all state. It is safe
// to call more than once; later calls return ErrSchedulerClosed. It must not
// be called from a callback running on the coordination goroutine.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.registry.owner.Owned() {
		return ErrShutdownOnCoordinator
	}
	err := ErrSchedulerClosed
	s.shutdown.Do(func() {
		err = s.doShutdown(ctx)
	})
	return err
}

// Close shuts down using the configured timeout.
func (s *Scheduler) Close() error {
	ctx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.Shutdown(ctx)
}

func (s *Scheduler) doShutdown(ctx context.Context) error {
	s.logger.Info("Shutting down transaction scheduler")

	// Beginning the drain must not be skipped even if ctx is already done.
	drained := make(chan struct{})
	if err := s.Do(context.WithoutCancel(ctx), func(r *Registry) { r.beginShutdown(drained) }); err != nil {
		return fmt.Errorf("failed to begin scheduler shutdown: %w", err)
	}

	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for transactions: %w", ctx.Err()))
	}

	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// Notifications posted by the pool are ahead of this in the inbox, so they
	// are processed before state is discarded. Queues still running after a
	// timeout either lose their callback to discard or fire it themselves.
	final := make(chan struct{})
	if err := s.post(func() {
		defer close(final)
		s.registry.discard()
		s.inboxMu.Lock()
		s.stopped = true
		s.inboxMu.Unlock()
		s.exiting = true
	}); err != nil {
		errs = append(errs, err)
	} else {
		<-final
		<-s.done
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("Transaction scheduler shut down with errors", zap.Error(err))
		return err
	}
	s.logger.Info("Transaction scheduler shut down")
	return nil
}
