package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// completionWaiter is a callback deferred until none of its databases has a
// transaction in progress. It fires exactly once.
type completionWaiter struct {
	databaseIDs []string
	callback    func()
}

func (w *completionWaiter) references(databaseID string) bool {
	for _, id := range w.databaseIDs {
		if id == databaseID {
			return true
		}
	}
	return false
}

// WaitForDatabasesDrained calls cb once none of databaseIDs has a transaction
// in progress. If that already holds, cb runs before this method returns.
func (r *Registry) WaitForDatabasesDrained(databaseIDs []string, cb func()) {
	r.assertOwner("WaitForDatabasesDrained")
	if len(databaseIDs) == 0 {
		panic(ErrNoDatabases)
	}
	if cb == nil {
		panic(fmt.Errorf("%w: databases %v", ErrNilCallback, databaseIDs))
	}

	w := &completionWaiter{
		databaseIDs: append([]string(nil), databaseIDs...),
		callback:    cb,
	}
	if r.drained(w) {
		r.fire(w)
		return
	}
	r.waiters = append(r.waiters, w)
}

// PendingWaiters returns the number of waiters not yet fired.
func (r *Registry) PendingWaiters() int {
	r.assertOwner("PendingWaiters")
	return len(r.waiters)
}

func (r *Registry) drained(w *completionWaiter) bool {
	for _, id := range w.databaseIDs {
		if r.tracker.HasDatabase(id) {
			return false
		}
	}
	return true
}

// databaseDrained re-checks the waiters that reference databaseID. Waiters
// are removed from the list before any callback runs, so callbacks may
// register new waiters.
func (r *Registry) databaseDrained(databaseID string) {
	var ready []*completionWaiter
	kept := make([]*completionWaiter, 0, len(r.waiters))
	for _, w := range r.waiters {
		if w.references(databaseID) && r.drained(w) {
			ready = append(ready, w)
			continue
		}
		kept = append(kept, w)
	}
	if len(ready) == 0 {
		return
	}
	r.waiters = kept
	for _, w := range ready {
		r.fire(w)
	}
}

func (r *Registry) fire(w *completionWaiter) {
	r.logger.Debug("Completion waiter fired", zap.Strings("databases", w.databaseIDs))
	r.s.metrics.WaitersFiredCounter.Add(context.Background(), 1)
	w.callback()
}
