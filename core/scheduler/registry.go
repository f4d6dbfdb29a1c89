package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosched/core/transaction"
	commonutils "github.com/sushant-115/gojosched/internal/common_utils"
)

// Registry is the process-side view of every transaction a Scheduler knows
// about. It is only usable on the coordination goroutine; every exported
// method panics with ErrNotOnCoordinator otherwise.
type Registry struct {
	s       *Scheduler
	logger  *zap.Logger
	owner   commonutils.OwnerCheck
	tracker *transaction.Tracker
	waiters []*completionWaiter
	spans   map[transaction.ID]trace.Span
	lastID  transaction.ID
	closing bool
	// discarded is set once shutdown has dropped the graph.
	discarded bool
}

func newRegistry(s *Scheduler) *Registry {
	return &Registry{
		s:       s,
		logger:  s.logger,
		tracker: transaction.NewTracker(),
		spans:   make(map[transaction.ID]trace.Span),
	}
}

func (r *Registry) assertOwner(what string) {
	r.owner.Assert(ErrNotOnCoordinator, what)
}

// NextTransactionID returns a strictly increasing id. The counter restarts
// only when the scheduler is shut down.
func (r *Registry) NextTransactionID() transaction.ID {
	r.assertOwner("NextTransactionID")
	r.lastID++
	return r.lastID
}

// Admit registers a transaction over names in databaseID. It returns
// ErrSchedulerClosed once shutdown has begun; an empty names set panics.
func (r *Registry) Admit(databaseID string, names []string, mode transaction.Mode) (*transaction.Transaction, error) {
	r.assertOwner("Admit")
	if r.closing {
		return nil, ErrSchedulerClosed
	}
	if len(names) == 0 {
		panic(fmt.Errorf("%w: database %q", transaction.ErrEmptyResourceSet, databaseID))
	}

	id := r.NextTransactionID()
	_, span := r.s.tracer.Start(context.Background(), "transaction",
		trace.WithAttributes(
			attribute.Int64("txn.id", int64(id)),
			attribute.String("txn.database", databaseID),
			attribute.String("txn.mode", mode.String()),
			attribute.StringSlice("txn.resources", names),
		))
	r.spans[id] = span

	obs := &txnObserver{
		s:          r.s,
		span:       span,
		admittedAt: time.Now(),
	}
	queue := transaction.NewQueue(id, databaseID, r.s.pool, obs)
	txn := r.tracker.Admit(id, databaseID, names, mode, queue)

	modeAttr := metric.WithAttributes(attribute.String("mode", mode.String()))
	r.s.metrics.AdmittedCounter.Add(context.Background(), 1, modeAttr)
	r.s.metrics.ActiveUpDownCounter.Add(context.Background(), 1)

	if txn.IsBlocked() {
		r.s.metrics.BlockedOnAdmissionCounter.Add(context.Background(), 1, modeAttr)
		r.logger.Debug("Transaction admitted blocked",
			zap.Uint64("txnID", uint64(id)),
			zap.String("databaseID", databaseID),
			zap.Stringer("mode", mode),
			zap.Strings("resources", txn.ResourceNames),
			idsField("blockedOn", txn.BlockedOn()))
	} else {
		r.logger.Debug("Transaction admitted runnable",
			zap.Uint64("txnID", uint64(id)),
			zap.String("databaseID", databaseID),
			zap.Stringer("mode", mode),
			zap.Strings("resources", txn.ResourceNames))
		r.unblock(txn)
	}
	return txn, nil
}

// AdmitAndDispatch admits a transaction, dispatches item into it and, when
// finish is set, immediately requests its finish with cb.
func (r *Registry) AdmitAndDispatch(databaseID string, names []string, mode transaction.Mode,
	item transaction.WorkItem, finish bool, cb transaction.FinishCallback) (*transaction.Transaction, error) {
	txn, err := r.Admit(databaseID, names, mode)
	if err != nil {
		return nil, err
	}
	txn.Queue.Dispatch(item)
	if finish {
		txn.Queue.Finish(cb)
	}
	return txn, nil
}

// Transaction returns a live transaction, or nil.
func (r *Registry) Transaction(id transaction.ID, databaseID string) *transaction.Transaction {
	r.assertOwner("Transaction")
	return r.tracker.Get(id, databaseID)
}

func (r *Registry) mustGet(id transaction.ID, databaseID string) *transaction.Transaction {
	txn := r.tracker.Get(id, databaseID)
	if txn == nil {
		panic(fmt.Errorf("%w: transaction %d in database %q", transaction.ErrTransactionNotFound, id, databaseID))
	}
	return txn
}

// Dispatch appends item to a live transaction. Unknown transactions and
// dispatch after finish panic.
func (r *Registry) Dispatch(id transaction.ID, databaseID string, item transaction.WorkItem) {
	r.assertOwner("Dispatch")
	r.mustGet(id, databaseID).Queue.Dispatch(item)
}

// DispatchAndFinish appends a last work item to a live transaction and
// requests its finish in the same step.
func (r *Registry) DispatchAndFinish(id transaction.ID, databaseID string, item transaction.WorkItem, cb transaction.FinishCallback) {
	r.assertOwner("DispatchAndFinish")
	q := r.mustGet(id, databaseID).Queue
	q.Dispatch(item)
	q.Finish(cb)
}

// Finish requests that a live transaction drain; cb may be nil.
func (r *Registry) Finish(id transaction.ID, databaseID string, cb transaction.FinishCallback) {
	r.assertOwner("Finish")
	r.mustGet(id, databaseID).Queue.Finish(cb)
}

// HasTransactionsForDatabase reports whether databaseID has live transactions.
func (r *Registry) HasTransactionsForDatabase(databaseID string) bool {
	r.assertOwner("HasTransactionsForDatabase")
	return r.tracker.HasDatabase(databaseID)
}

// CheckInvariants validates the dependency graph.
func (r *Registry) CheckInvariants() error {
	r.assertOwner("CheckInvariants")
	return r.tracker.CheckInvariants()
}

func (r *Registry) unblock(txn *transaction.Transaction) {
	if span, ok := r.spans[txn.ID]; ok {
		span.AddEvent("unblocked")
	}
	if err := txn.Queue.Unblock(); err != nil {
		r.logger.Warn("Failed to submit unblocked transaction",
			zap.Uint64("txnID", uint64(txn.ID)),
			zap.String("databaseID", txn.DatabaseID),
			zap.Error(err))
	}
}

// finishTransaction processes the finish notification of a drained queue.
func (r *Registry) finishTransaction(q *transaction.Queue, cb transaction.FinishCallback) {
	id, databaseID := q.TransactionID(), q.DatabaseID()
	if r.discarded {
		r.logger.Debug("Transaction finished after state was discarded",
			zap.Uint64("txnID", uint64(id)),
			zap.String("databaseID", databaseID))
		fireFinishCallback(cb)
		return
	}

	if cb != nil {
		cb.TransactionFinishedBeforeUnblock()
	}

	removal := r.tracker.Remove(id, databaseID)
	r.s.metrics.FinishedCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("mode", removal.Transaction.Mode.String())))
	r.s.metrics.ActiveUpDownCounter.Add(context.Background(), -1)
	if span, ok := r.spans[id]; ok {
		span.End()
		delete(r.spans, id)
	}

	if removal.DatabaseDrained {
		r.logger.Debug("Transaction finished, database drained",
			zap.Uint64("txnID", uint64(id)),
			zap.String("databaseID", databaseID))
		r.databaseDrained(databaseID)
	} else {
		unblocked := make([]transaction.ID, 0, len(removal.Unblocked))
		for _, t := range removal.Unblocked {
			unblocked = append(unblocked, t.ID)
		}
		r.logger.Debug("Transaction finished",
			zap.Uint64("txnID", uint64(id)),
			zap.String("databaseID", databaseID),
			idsField("unblocked", unblocked))
		for _, t := range removal.Unblocked {
			r.unblock(t)
		}
	}

	if cb != nil {
		cb.TransactionFinishedAfterUnblock()
	}
}

// beginShutdown stops admissions and closes drained once every database is
// empty.
func (r *Registry) beginShutdown(drained chan struct{}) {
	r.closing = true
	databases := r.tracker.Databases()
	r.logger.Info("Scheduler draining",
		zap.Strings("databases", databases),
		zap.Int("transactions", r.tracker.Len()),
		zap.Int("waiters", len(r.waiters)))
	if len(databases) == 0 {
		close(drained)
		return
	}
	r.WaitForDatabasesDrained(databases, func() { close(drained) })
}

// discard drops all state. Finish callbacks still held by live queues are
// claimed and fired first, then every remaining waiter.
func (r *Registry) discard() {
	var orphaned []transaction.FinishCallback
	if n := r.tracker.Len(); n > 0 {
		r.logger.Warn("Discarding unfinished transactions",
			zap.Int("transactions", n),
			zap.Strings("databases", r.tracker.Databases()))
		for _, dbID := range r.tracker.Databases() {
			for _, t := range r.tracker.Transactions(dbID) {
				if cb := t.Queue.TakeFinishCallback(); cb != nil {
					orphaned = append(orphaned, cb)
				}
			}
		}
	}

	for id, span := range r.spans {
		span.End()
		delete(r.spans, id)
	}
	r.tracker.Reset()
	r.lastID = 0
	r.discarded = true

	for _, cb := range orphaned {
		fireFinishCallback(cb)
	}

	waiters := r.waiters
	r.waiters = nil
	for _, w := range waiters {
		r.fire(w)
	}
}

// fireFinishCallback runs both phases of a callback whose transaction is no
// longer in the graph.
func fireFinishCallback(cb transaction.FinishCallback) {
	if cb == nil {
		return
	}
	cb.TransactionFinishedBeforeUnblock()
	cb.TransactionFinishedAfterUnblock()
}

func idsField(key string, ids []transaction.ID) zap.Field {
	raw := make([]uint64, len(ids))
	for i, id := range ids {
		raw[i] = uint64(id)
	}
	return zap.Uint64s(key, raw)
}
