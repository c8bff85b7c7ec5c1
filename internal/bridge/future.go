package bridge

import (
	"context"
	"encoding/json"
	"sync"
)

// Future is the pending outcome of one call. It settles exactly once.
type Future struct {
	callID string
	done   chan struct{}
	once   sync.Once

	result json.RawMessage
	err    error
}

func newFuture(callID string) *Future {
	return &Future{callID: callID, done: make(chan struct{})}
}

func rejected(err error) *Future {
	f := newFuture("")
	f.settle(nil, err)
	return f
}

// CallID returns the id the call was sent with, or "" if it never left the
// client.
func (f *Future) CallID() string {
	return f.callID
}

// Done is closed when the Future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future settles or ctx is done. Giving up on ctx
// does not abandon the call: the Future still settles when its Result
// arrives or its Client closes.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle reports whether this call won the race to settle.
func (f *Future) settle(result json.RawMessage, err error) bool {
	won := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		won = true
	})
	return won
}
