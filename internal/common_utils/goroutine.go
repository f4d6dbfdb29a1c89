package commonutils

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
)

// GoID returns the id of the calling goroutine, or -1 if it cannot be parsed.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// OwnerCheck pins a structure to the goroutine that first binds it.
type OwnerCheck struct {
	owner atomic.Int64
}

// Bind records the calling goroutine as the owner.
func (o *OwnerCheck) Bind() {
	o.owner.Store(GoID())
}

// Release clears the owner so any goroutine may bind again.
func (o *OwnerCheck) Release() {
	o.owner.Store(0)
}

// Owned reports whether the calling goroutine is the bound owner.
func (o *OwnerCheck) Owned() bool {
	owner := o.owner.Load()
	return owner != 0 && owner == GoID()
}

// Assert panics with err when called off the owning goroutine.
func (o *OwnerCheck) Assert(err error, what string) {
	if !o.Owned() {
		panic(fmt.Errorf("%w: %s called on goroutine %d", err, what, GoID()))
	}
}
