package transaction

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojosched/pkg/workerpool"
)

// State is the execution state of a Queue. Transitions only move forward.
type State int

const (
	Blocked  State = iota // Waiting for the transactions it depends on
	Runnable              // Submitted to the worker pool
	Running               // Owned by a worker goroutine
	Draining              // All work done, finish notification being posted
	Finished              // Terminal
)

func (s State) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WorkItem is an opaque unit of work supplied by the storage layer.
type WorkItem func()

// FinishCallback is the terminal callback recorded by Finish. Both methods
// run on the coordination goroutine: the first before the transaction is
// removed from the dependency graph, the second after its dependents have
// been unblocked.
type FinishCallback interface {
	TransactionFinishedBeforeUnblock()
	TransactionFinishedAfterUnblock()
}

// FinishFunc adapts a function to a FinishCallback that fires after unblock.
type FinishFunc func()

func (f FinishFunc) TransactionFinishedBeforeUnblock() {}

func (f FinishFunc) TransactionFinishedAfterUnblock() {
	if f != nil {
		f()
	}
}

// Submitter accepts runnable queues. *workerpool.Pool implements it.
type Submitter interface {
	Submit(task workerpool.Task) error
}

// Observer is told about queue progress. QueueDrained is the finish
// notification and must hand the queue back to the coordination goroutine.
// All methods are called from worker goroutines.
type Observer interface {
	QueueRunning(q *Queue)
	ItemExecuted(q *Queue)
	QueueDrained(q *Queue, cb FinishCallback)
}

// Queue is the ordered command buffer of a single transaction. It is itself
// the task handed to the worker pool once the transaction is unblocked, and
// at most one worker runs it.
type Queue struct {
	id         ID
	databaseID string
	submitter  Submitter
	observer   Observer

	mu              sync.Mutex
	cond            *sync.Cond
	pending         []WorkItem
	finishRequested bool
	finishCallback  FinishCallback
	state           State
	executed        int
}

// NewQueue creates a blocked queue for transaction id of databaseID.
func NewQueue(id ID, databaseID string, submitter Submitter, observer Observer) *Queue {
	q := &Queue{
		id:         id,
		databaseID: databaseID,
		submitter:  submitter,
		observer:   observer,
		state:      Blocked,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) TransactionID() ID  { return q.id }
func (q *Queue) DatabaseID() string { return q.databaseID }

// State returns the current execution state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Executed returns how many work items have completed.
func (q *Queue) Executed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executed
}

// Dispatch appends item to the queue. A nil item, or calling it after Finish,
// panics.
func (q *Queue) Dispatch(item WorkItem) {
	if item == nil {
		panic(fmt.Errorf("%w: transaction %d", ErrNilWorkItem, q.id))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finishRequested {
		panic(fmt.Errorf("%w: transaction %d", ErrDispatchAfterFinish, q.id))
	}
	q.pending = append(q.pending, item)
	q.cond.Signal()
}

// Finish asks the queue to drain and then report completion with cb, which
// may be nil. It may be called before the queue is unblocked.
func (q *Queue) Finish(cb FinishCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finishRequested {
		panic(fmt.Errorf("%w: transaction %d", ErrFinishTwice, q.id))
	}
	q.finishRequested = true
	q.finishCallback = cb
	q.cond.Signal()
}

// TakeFinishCallback removes the callback recorded by Finish and returns it.
// The caller then owns firing it; the queue reports a nil callback when it
// drains. It returns nil when Finish has not been called or the queue has
// already claimed the callback.
func (q *Queue) TakeFinishCallback() FinishCallback {
	q.mu.Lock()
	defer q.mu.Unlock()
	cb := q.finishCallback
	q.finishCallback = nil
	return cb
}

// Unblock moves a blocked queue to Runnable and submits it to the pool.
func (q *Queue) Unblock() error {
	q.mu.Lock()
	if q.state != Blocked {
		state := q.state
		q.mu.Unlock()
		panic(fmt.Errorf("%w: transaction %d is %s", ErrUnblockTwice, q.id, state))
	}
	q.state = Runnable
	q.mu.Unlock()

	if err := q.submitter.Submit(q); err != nil {
		return fmt.Errorf("submit transaction %d: %w", q.id, err)
	}
	return nil
}

// Run drains the queue on a worker goroutine until Finish has been requested
// and nothing is left, then posts the finish notification.
func (q *Queue) Run() {
	q.mu.Lock()
	q.state = Running
	q.mu.Unlock()
	if q.observer != nil {
		q.observer.QueueRunning(q)
	}

	var batch []WorkItem
	for {
		q.mu.Lock()
		for !q.finishRequested && len(q.pending) == 0 {
			q.cond.Wait()
		}
		batch, q.pending = q.pending, batch[:0]
		shouldFinish := q.finishRequested
		q.mu.Unlock()

		for i, item := range batch {
			item()
			batch[i] = nil
			q.mu.Lock()
			q.executed++
			q.mu.Unlock()
			if q.observer != nil {
				q.observer.ItemExecuted(q)
			}
		}

		if shouldFinish {
			break
		}
	}

	// The callback is claimed only once every item has run, so a shutdown
	// that gives up on this queue can still take it over.
	q.mu.Lock()
	cb := q.finishCallback
	q.finishCallback = nil
	q.state = Draining
	q.mu.Unlock()
	if q.observer != nil {
		q.observer.QueueDrained(q, cb)
	}

	q.mu.Lock()
	q.state = Finished
	q.mu.Unlock()
}
