// Package transport provides the raw duplex frame channel that the bridge
// runs on. A frame is one encoded message; transports preserve frame order
// and may drop frames once either side has closed.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("transport closed")

	// ErrFrameTooLarge is returned by Send for a frame the peer would drop.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Transport is an ordered, bidirectional frame channel.
type Transport interface {
	// Send writes one frame. Frames are delivered in send order.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives, ctx is done, or the
	// transport is closed (ErrClosed).
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the transport. Undelivered frames are dropped.
	Close() error
}
