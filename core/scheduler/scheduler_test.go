package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojosched/core/transaction"
	"github.com/sushant-115/gojosched/pkg/workerpool"
)

// --- Test Helpers ---

func newTestScheduler(t *testing.T, limit int) *Scheduler {
	t.Helper()
	s, err := New(Config{ThreadLimit: limit, ShutdownTimeout: 5 * time.Second},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func admit(t *testing.T, s *Scheduler, db string, mode transaction.Mode, names ...string) transaction.ID {
	t.Helper()
	id, err := s.Admit(context.Background(), db, names, mode)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func panicErr(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		var ok bool
		err, ok = r.(error)
		require.True(t, ok, "panic value should be an error, got %T", r)
	}()
	fn()
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type phaseCallback struct {
	before, after func()
}

func (p phaseCallback) TransactionFinishedBeforeUnblock() { p.before() }
func (p phaseCallback) TransactionFinishedAfterUnblock()  { p.after() }

func closedOnFinish() (chan struct{}, transaction.FinishCallback) {
	ch := make(chan struct{})
	return ch, transaction.FinishFunc(func() { close(ch) })
}

func txnInfo(t *testing.T, s *Scheduler, id transaction.ID) TransactionInfo {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	info, ok := snap.Transaction(id)
	require.True(t, ok, "transaction %d should be live", id)
	return info
}

// --- Test Cases ---

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{ThreadLimit: 0})
	require.ErrorIs(t, err, workerpool.ErrInvalidThreadLimit)
}

// Scenario A: a reader admitted after a writer does not run until the writer
// has finished.
func TestScheduler_ReaderWaitsForWriter(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()
	log := &eventLog{}
	gate := make(chan struct{})

	t1 := admit(t, s, "db1", transaction.ReadWrite, "X")
	t2 := admit(t, s, "db1", transaction.ReadOnly, "X")

	require.NoError(t, s.Dispatch(ctx, t1, "db1", func() { <-gate; log.add("t1") }))
	require.NoError(t, s.Dispatch(ctx, t2, "db1", func() { log.add("t2") }))
	t2Done, cb := closedOnFinish()
	require.NoError(t, s.Finish(ctx, t2, "db1", cb))
	require.NoError(t, s.Finish(ctx, t1, "db1", nil))

	info := txnInfo(t, s, t2)
	require.Equal(t, transaction.Blocked, info.State)
	require.Equal(t, []transaction.ID{t1}, info.BlockedOn)

	close(gate)
	waitClosed(t, t2Done, "t2 to finish")
	require.Equal(t, []string{"t1", "t2"}, log.snapshot())
}

// Scenario B: readers of the same resource run at the same time.
func TestScheduler_ReadersRunConcurrently(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var finished sync.WaitGroup
	for i := 0; i < 2; i++ {
		id := admit(t, s, "db1", transaction.ReadOnly, "X")
		finished.Add(1)
		require.NoError(t, s.Dispatch(ctx, id, "db1", func() {
			entered <- struct{}{}
			<-release
		}))
		require.NoError(t, s.Finish(ctx, id, "db1", transaction.FinishFunc(finished.Done)))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("both readers should be running together")
		}
	}
	close(release)
	finished.Wait()
}

// Scenario C: once a writer has finished, a later reader of the same resource
// is not held back by it.
func TestScheduler_FinishedWriterDoesNotBlockLaterReaders(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	// Keeps db1 alive across the writer's finish.
	keep := admit(t, s, "db1", transaction.ReadOnly, "Y")

	t1 := admit(t, s, "db1", transaction.ReadOnly, "X")
	t2 := admit(t, s, "db1", transaction.ReadWrite, "X")
	require.Equal(t, []transaction.ID{t1}, txnInfo(t, s, t2).BlockedOn)

	t1Done, cb1 := closedOnFinish()
	require.NoError(t, s.Finish(ctx, t1, "db1", cb1))
	waitClosed(t, t1Done, "t1 to finish")
	require.Empty(t, txnInfo(t, s, t2).BlockedOn)

	t2Done, cb2 := closedOnFinish()
	require.NoError(t, s.Finish(ctx, t2, "db1", cb2))
	waitClosed(t, t2Done, "t2 to finish")

	ran := make(chan struct{})
	t3 := admit(t, s, "db1", transaction.ReadOnly, "X")
	info := txnInfo(t, s, t3)
	require.Empty(t, info.BlockedOn)
	require.NotEqual(t, transaction.Blocked, info.State)
	require.NoError(t, s.Dispatch(ctx, t3, "db1", func() { close(ran) }))
	waitClosed(t, ran, "t3 to run")

	require.NoError(t, s.Finish(ctx, t3, "db1", nil))
	require.NoError(t, s.Finish(ctx, keep, "db1", nil))
}

// Scenario D: a completion waiter fires once, after the last transaction of
// its database has finished.
func TestScheduler_WaiterFiresWhenDatabaseDrains(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	t1 := admit(t, s, "db1", transaction.ReadWrite, "X")

	var calls atomic.Int32
	fired := make(chan struct{})
	require.NoError(t, s.WaitForDatabasesDrained(ctx, []string{"db1"}, func() {
		calls.Add(1)
		close(fired)
	}))
	require.Zero(t, calls.Load())

	has, err := s.HasTransactionsForDatabase(ctx, "db1")
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, s.Finish(ctx, t1, "db1", nil))
	waitClosed(t, fired, "the waiter")

	has, err = s.HasTransactionsForDatabase(ctx, "db1")
	require.NoError(t, err)
	require.False(t, has)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, snap.Waiters)
	require.Equal(t, int32(1), calls.Load())
}

func TestScheduler_WaiterOnIdleDatabasesFiresImmediately(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, s.WaitForDatabasesDrained(ctx, []string{"idle", "other"}, func() { calls.Add(1) }))
	require.Equal(t, int32(1), calls.Load(), "callback runs before the call returns")
}

func TestScheduler_WaiterNeedsEveryDatabaseDrained(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	a := admit(t, s, "db1", transaction.ReadWrite, "X")
	b := admit(t, s, "db2", transaction.ReadWrite, "X")

	fired := make(chan struct{})
	var calls, again atomic.Int32
	require.NoError(t, s.WaitForDatabasesDrained(ctx, []string{"db1", "db2"}, func() {
		if calls.Add(1) == 1 {
			close(fired)
		}
		// Waiters may register further waiters from their callback.
		assert.NoError(t, s.WaitForDatabasesDrained(ctx, []string{"db1"}, func() { again.Add(1) }))
	}))

	aDone, cb := closedOnFinish()
	require.NoError(t, s.Finish(ctx, a, "db1", cb))
	waitClosed(t, aDone, "db1 to drain")

	select {
	case <-fired:
		t.Fatal("db2 is still busy")
	default:
	}

	require.NoError(t, s.Finish(ctx, b, "db2", nil))
	waitClosed(t, fired, "the waiter")
	require.Eventually(t, func() bool { return again.Load() == 1 }, time.Second, time.Millisecond)

	// Draining db1 again does not re-fire a waiter that already ran.
	c := admit(t, s, "db1", transaction.ReadOnly, "X")
	cDone, cbC := closedOnFinish()
	require.NoError(t, s.Finish(ctx, c, "db1", cbC))
	waitClosed(t, cDone, "db1 to drain again")
	_, err := s.Snapshot(ctx) // orders after the finish notification
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(1), again.Load())
}

func TestScheduler_ItemsRunInDispatchOrder(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	id := admit(t, s, "db1", transaction.ReadWrite, "X")
	var order []int // Items of one transaction never overlap
	for i := 0; i < 200; i++ {
		i := i
		require.NoError(t, s.Dispatch(ctx, id, "db1", func() { order = append(order, i) }))
	}
	done, cb := closedOnFinish()
	require.NoError(t, s.Finish(ctx, id, "db1", cb))
	waitClosed(t, done, "the transaction")

	require.Len(t, order, 200)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestScheduler_WritersAreExclusive(t *testing.T) {
	s := newTestScheduler(t, 8)
	ctx := context.Background()

	var (
		readers, writers, violations atomic.Int32
		finished                     sync.WaitGroup
	)
	for i := 0; i < 60; i++ {
		mode := transaction.ReadOnly
		if i%3 == 0 {
			mode = transaction.ReadWrite
		}
		id := admit(t, s, "db1", mode, "X")

		item := func() {
			readers.Add(1)
			if writers.Load() != 0 {
				violations.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
			readers.Add(-1)
		}
		if mode == transaction.ReadWrite {
			item = func() {
				if writers.Add(1) != 1 || readers.Load() != 0 {
					violations.Add(1)
				}
				time.Sleep(100 * time.Microsecond)
				writers.Add(-1)
			}
		}
		finished.Add(1)
		require.NoError(t, s.Dispatch(ctx, id, "db1", item))
		require.NoError(t, s.Dispatch(ctx, id, "db1", item))
		require.NoError(t, s.Finish(ctx, id, "db1", transaction.FinishFunc(finished.Done)))
	}

	var invariantErr error
	require.NoError(t, s.Do(ctx, func(r *Registry) { invariantErr = r.CheckInvariants() }))
	require.NoError(t, invariantErr)

	finished.Wait()
	require.Zero(t, violations.Load())
}

func TestScheduler_BoundsRunningTransactions(t *testing.T) {
	const limit = 2
	s := newTestScheduler(t, limit)
	ctx := context.Background()

	var (
		running, peak atomic.Int32
		release       = make(chan struct{})
		finished      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		// Disjoint resources, so only the thread limit holds them back.
		id := admit(t, s, "db1", transaction.ReadWrite, string(rune('A'+i)))
		finished.Add(1)
		require.NoError(t, s.Dispatch(ctx, id, "db1", func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
		require.NoError(t, s.Finish(ctx, id, "db1", transaction.FinishFunc(finished.Done)))
	}

	require.Eventually(t, func() bool { return running.Load() == limit }, 5*time.Second, time.Millisecond)
	require.Never(t, func() bool { return running.Load() > limit }, 50*time.Millisecond, time.Millisecond)
	close(release)
	finished.Wait()
	require.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestScheduler_FinishCallbackPhases(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	t1 := admit(t, s, "db1", transaction.ReadWrite, "X")
	t2 := admit(t, s, "db1", transaction.ReadWrite, "X")

	var beforeSnap, afterSnap Snapshot
	var beforeErr, afterErr error
	done := make(chan struct{})
	cb := phaseCallback{
		// Both phases run on the coordination goroutine, so Snapshot runs inline.
		before: func() { beforeSnap, beforeErr = s.Snapshot(ctx) },
		after: func() {
			afterSnap, afterErr = s.Snapshot(ctx)
			close(done)
		},
	}
	require.NoError(t, s.Finish(ctx, t1, "db1", cb))
	waitClosed(t, done, "the finish callback")
	require.NoError(t, beforeErr)
	require.NoError(t, afterErr)

	_, t1Live := afterSnap.Transaction(t1)
	assert.False(t, t1Live)
	before, ok := beforeSnap.Transaction(t2)
	require.True(t, ok)
	after, ok := afterSnap.Transaction(t2)
	require.True(t, ok)
	assert.Equal(t, transaction.Blocked, before.State)
	assert.Equal(t, []transaction.ID{t1}, before.BlockedOn)
	assert.NotEqual(t, transaction.Blocked, after.State)
	assert.Empty(t, after.BlockedOn)

	require.NoError(t, s.Finish(ctx, t2, "db1", nil))
}

func TestScheduler_AdmitAndDispatch(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	ran := make(chan struct{})
	done := make(chan struct{})
	var stillActive bool
	var admitErr error
	require.NoError(t, s.Do(ctx, func(r *Registry) {
		_, admitErr = r.AdmitAndDispatch("db1", []string{"X"}, transaction.ReadWrite,
			func() { close(ran) }, true,
			transaction.FinishFunc(func() {
				stillActive = r.HasTransactionsForDatabase("db1")
				close(done)
			}))
	}))
	require.NoError(t, admitErr)

	waitClosed(t, ran, "the dispatched item")
	waitClosed(t, done, "the finish callback")
	require.False(t, stillActive)
}

func TestScheduler_DispatchAndFinish(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()
	log := &eventLog{}

	id := admit(t, s, "db1", transaction.ReadOnly, "X")
	require.NoError(t, s.Dispatch(ctx, id, "db1", func() { log.add("first") }))
	done, cb := closedOnFinish()
	require.NoError(t, s.DispatchAndFinish(ctx, id, "db1", func() { log.add("last") }, cb))
	waitClosed(t, done, "the transaction")
	require.Equal(t, []string{"first", "last"}, log.snapshot())

	err := panicErr(t, func() { _ = s.DispatchAndFinish(ctx, id, "db1", func() {}, nil) })
	require.ErrorIs(t, err, transaction.ErrTransactionNotFound)
}

func TestScheduler_ContractViolationsPanicInCaller(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	gate := make(chan struct{})
	t1 := admit(t, s, "db1", transaction.ReadWrite, "X")
	require.NoError(t, s.Dispatch(ctx, t1, "db1", func() { <-gate }))
	t2 := admit(t, s, "db1", transaction.ReadWrite, "X")
	require.NoError(t, s.Finish(ctx, t2, "db1", nil))

	err := panicErr(t, func() { _ = s.Dispatch(ctx, t2, "db1", func() {}) })
	require.ErrorIs(t, err, transaction.ErrDispatchAfterFinish)

	err = panicErr(t, func() { _ = s.Finish(ctx, t2, "db1", nil) })
	require.ErrorIs(t, err, transaction.ErrFinishTwice)

	err = panicErr(t, func() { _ = s.Dispatch(ctx, 999, "db1", func() {}) })
	require.ErrorIs(t, err, transaction.ErrTransactionNotFound)

	err = panicErr(t, func() { _, _ = s.Admit(ctx, "db1", nil, transaction.ReadOnly) })
	require.ErrorIs(t, err, transaction.ErrEmptyResourceSet)

	err = panicErr(t, func() { _ = s.WaitForDatabasesDrained(ctx, nil, func() {}) })
	require.ErrorIs(t, err, ErrNoDatabases)

	err = panicErr(t, func() { _ = s.WaitForDatabasesDrained(ctx, []string{"db1"}, nil) })
	require.ErrorIs(t, err, ErrNilCallback)

	// The coordination goroutine survives and keeps serving requests.
	close(gate)
	done, cb := closedOnFinish()
	require.NoError(t, s.Finish(ctx, t1, "db1", cb))
	waitClosed(t, done, "t1 to finish")
}

func TestRegistry_PanicsOffCoordinator(t *testing.T) {
	s := newTestScheduler(t, 1)

	err := panicErr(t, func() { _, _ = s.registry.Admit("db1", []string{"X"}, transaction.ReadOnly) })
	require.ErrorIs(t, err, ErrNotOnCoordinator)

	err = panicErr(t, func() { s.registry.NextTransactionID() })
	require.ErrorIs(t, err, ErrNotOnCoordinator)
}

func TestScheduler_IDsIncreaseAcrossDatabases(t *testing.T) {
	s := newTestScheduler(t, 4)
	ctx := context.Background()

	var last transaction.ID
	var all []transaction.ID
	for i, db := range []string{"db1", "db2", "db1", "db3", "db2"} {
		id := admit(t, s, db, transaction.ReadOnly, "X")
		if i == 0 {
			require.Equal(t, transaction.ID(1), id)
		}
		require.Greater(t, id, last)
		last = id
		all = append(all, id)
	}

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, last, snap.LastID)
	require.Len(t, snap.Databases, 3)
	require.Len(t, snap.Databases["db1"], 2)

	for i, db := range []string{"db1", "db2", "db1", "db3", "db2"} {
		require.NoError(t, s.Finish(ctx, all[i], db, nil))
	}
}

func TestScheduler_InstancesAreIndependent(t *testing.T) {
	s1 := newTestScheduler(t, 2)
	s2 := newTestScheduler(t, 2)
	require.NotEqual(t, s1.ID(), s2.ID())

	a := admit(t, s1, "db1", transaction.ReadWrite, "X")
	b := admit(t, s2, "db1", transaction.ReadWrite, "X")
	require.Empty(t, txnInfo(t, s2, b).BlockedOn)

	require.NoError(t, s1.Finish(context.Background(), a, "db1", nil))
	require.NoError(t, s1.Shutdown(context.Background()))

	_, err := s1.Admit(context.Background(), "db1", []string{"X"}, transaction.ReadOnly)
	require.ErrorIs(t, err, ErrSchedulerClosed)

	c := admit(t, s2, "db1", transaction.ReadOnly, "X")
	require.Equal(t, []transaction.ID{b}, txnInfo(t, s2, c).BlockedOn)
	require.NoError(t, s2.Finish(context.Background(), b, "db1", nil))
	require.NoError(t, s2.Finish(context.Background(), c, "db1", nil))
}

func TestScheduler_ShutdownWaitsForTransactions(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	var ran atomic.Bool
	id := admit(t, s, "db1", transaction.ReadWrite, "X")
	require.NoError(t, s.Dispatch(ctx, id, "db1", func() {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
	}))
	require.NoError(t, s.Finish(ctx, id, "db1", nil))

	require.NoError(t, s.Shutdown(ctx))
	require.True(t, ran.Load())
	waitClosed(t, s.Done(), "the coordination goroutine to exit")

	// The coordination goroutine has exited, so its state can be read here.
	require.Zero(t, s.registry.lastID, "the id counter restarts")
	require.Zero(t, s.registry.tracker.Len())

	require.ErrorIs(t, s.Shutdown(ctx), ErrSchedulerClosed)
	require.ErrorIs(t, s.Do(ctx, func(*Registry) {}), ErrSchedulerClosed)
	require.ErrorIs(t, s.Post(func(*Registry) {}), ErrSchedulerClosed)
}

func TestScheduler_ShutdownFiresPendingWaiters(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	// Never finished, so the drain cannot complete.
	admit(t, s, "db1", transaction.ReadWrite, "X")

	var calls atomic.Int32
	require.NoError(t, s.WaitForDatabasesDrained(ctx, []string{"db1"}, func() { calls.Add(1) }))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Waiters)

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = s.Shutdown(shutdownCtx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, int32(1), calls.Load())
}

func TestScheduler_AdmitDuringShutdownIsRejected(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	id := admit(t, s, "db1", transaction.ReadWrite, "X")

	var rejected error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(ctx)
		return err == nil && snap.Closing
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Do(ctx, func(r *Registry) {
		_, rejected = r.Admit("db2", []string{"Y"}, transaction.ReadOnly)
	}))
	require.ErrorIs(t, rejected, ErrSchedulerClosed)

	require.NoError(t, s.Finish(ctx, id, "db1", nil))
	waitClosed(t, done, "shutdown")
}

func TestScheduler_CancelledAdmitLeavesNoTransaction(t *testing.T) {
	s := newTestScheduler(t, 2)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		_, err := s.Admit(cancelled, "db1", []string{"X"}, transaction.ReadWrite)
		require.ErrorIs(t, err, context.Canceled)
	}

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Databases)
	require.Zero(t, snap.LastID)

	w := admit(t, s, "db1", transaction.ReadWrite, "X")
	require.Equal(t, transaction.ID(1), w)
	require.Empty(t, txnInfo(t, s, w).BlockedOn)
	require.NoError(t, s.Finish(context.Background(), w, "db1", nil))
}

func TestScheduler_CallAbandonedWhileQueuedNeverRuns(t *testing.T) {
	s := newTestScheduler(t, 2)

	gate := make(chan struct{})
	require.NoError(t, s.Post(func(*Registry) { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Admit(ctx, "db1", []string{"X"}, transaction.ReadWrite)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(gate)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Databases)
	require.Zero(t, snap.LastID)
}

func TestScheduler_FinishRetriedAfterCancellation(t *testing.T) {
	s := newTestScheduler(t, 2)
	id := admit(t, s, "db1", transaction.ReadWrite, "X")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Finish(cancelled, id, "db1", nil), context.Canceled)

	done, cb := closedOnFinish()
	require.NoError(t, s.Finish(context.Background(), id, "db1", cb))
	waitClosed(t, done, "the retried finish")
}

func TestScheduler_ShutdownTimeoutStillFiresFinishCallback(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	id := admit(t, s, "db1", transaction.ReadWrite, "X")
	itemDone := make(chan struct{})
	require.NoError(t, s.Dispatch(ctx, id, "db1", func() {
		time.Sleep(150 * time.Millisecond)
		close(itemDone)
	}))
	var calls atomic.Int32
	require.NoError(t, s.Finish(ctx, id, "db1", transaction.FinishFunc(func() { calls.Add(1) })))

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), calls.Load(), "shutdown takes over the pending callback")

	waitClosed(t, itemDone, "the slow item")
	// Wait for the worker to hand back its queue.
	require.NoError(t, s.pool.Shutdown(ctx))
	require.Equal(t, int32(1), calls.Load(), "the callback fires exactly once")
}

func TestObserver_DrainAfterStopFiresCallback(t *testing.T) {
	s := newTestScheduler(t, 1)
	require.NoError(t, s.Shutdown(context.Background()))

	var phases []string
	cb := phaseCallback{
		before: func() { phases = append(phases, "before") },
		after:  func() { phases = append(phases, "after") },
	}
	obs := &txnObserver{s: s, span: trace.SpanFromContext(context.Background())}
	obs.QueueDrained(transaction.NewQueue(7, "db1", nil, nil), cb)
	require.Equal(t, []string{"before", "after"}, phases)
}

func TestScheduler_ShutdownFromCallbackIsRejected(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	id := admit(t, s, "db1", transaction.ReadWrite, "X")
	var shutdownErr error
	fired := make(chan struct{})
	require.NoError(t, s.WaitForDatabasesDrained(ctx, []string{"db1"}, func() {
		shutdownErr = s.Shutdown(ctx)
		close(fired)
	}))
	require.NoError(t, s.Finish(ctx, id, "db1", nil))
	waitClosed(t, fired, "the waiter")
	require.ErrorIs(t, shutdownErr, ErrShutdownOnCoordinator)

	// The rejected call did not consume the real shutdown.
	admit(t, s, "db1", transaction.ReadOnly, "X")
	require.NoError(t, s.Shutdown(ctx))
}
