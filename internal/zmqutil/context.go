// Package zmqutil owns the process-wide ZeroMQ context lifecycle and the
// wire-framing conventions shared by the broker and every P2C socket:
// `identity | 'C' | type | body`, per spec.md §6. Built on
// github.com/pebbe/zmq4, the one real Go ZMQ binding — no example repo in
// the retrieval pack touches ZeroMQ, so this dependency is named, not
// grounded (see DESIGN.md).
package zmqutil

import (
	"sync"

	zmq4 "github.com/pebbe/zmq4"
)

// ControlFrame is the universal second frame on every ctrl/broker message,
// per spec.md §4.4/§4.2: "identity | 'C' | type | body".
const ControlFrame = "C"

var (
	mu       sync.Mutex
	refs     int
	ctx      *zmq4.Context
	startErr error
)

// Acquire starts the process-wide ZMQ context on first call and increments
// its reference count on every call thereafter, per spec.md §5's "single
// process-wide instance with reference-counted startup/shutdown". Callers
// must pair every Acquire with a Release.
func Acquire() (*zmq4.Context, error) {
	mu.Lock()
	defer mu.Unlock()
	if refs == 0 {
		ctx, startErr = zmq4.NewContext()
	}
	if startErr != nil {
		return nil, startErr
	}
	refs++
	return ctx, nil
}

// Release decrements the reference count, terminating the context once
// the last holder releases it.
func Release() {
	mu.Lock()
	defer mu.Unlock()
	if refs == 0 {
		return
	}
	refs--
	if refs == 0 && ctx != nil {
		ctx.Term()
		ctx = nil
	}
}
