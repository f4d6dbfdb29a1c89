package scheduler

import "errors"

var (
	ErrSchedulerClosed       = errors.New("transaction scheduler is shut down")
	ErrShutdownOnCoordinator = errors.New("shutdown called from the coordination goroutine")
	ErrNotOnCoordinator      = errors.New("registry used off the coordination goroutine")
	ErrNoDatabases           = errors.New("completion waiter names no databases")
	ErrNilCallback           = errors.New("completion waiter has no callback")
)
