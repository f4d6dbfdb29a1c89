package transaction

import "errors"

// Contract violations. These are raised with panic (wrapped with context) and
// never returned; callers are not expected to recover from them.
var (
	ErrEmptyResourceSet    = errors.New("transaction declared no resources")
	ErrNilWorkItem         = errors.New("dispatch called with a nil work item")
	ErrDispatchAfterFinish = errors.New("dispatch called after finish")
	ErrFinishTwice         = errors.New("finish called more than once")
	ErrUnblockTwice        = errors.New("unblock called on a queue that is not blocked")
	ErrTransactionExists   = errors.New("transaction already admitted")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDatabaseNotFound    = errors.New("database has no transactions in progress")
	ErrInvariantViolation  = errors.New("dependency graph invariant violated")
)

// ErrUnknownMode is returned by ParseMode.
var ErrUnknownMode = errors.New("unknown transaction mode")
