package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"devbridge/internal/logging"
)

// pollInterval bounds how long Receive waits before re-checking ctx.
const pollInterval = 50 * time.Millisecond

// pipeEnd is one side of an in-memory Pipe.
type pipeEnd struct {
	in   *queue.Queue
	out  *queue.Queue
	once *sync.Once
}

// Pipe returns two connected in-memory transports. Frames sent on one end
// are received on the other in order. Closing either end disposes both
// directions, dropping anything still queued.
func Pipe() (Transport, Transport) {
	a2b := queue.New(64)
	b2a := queue.New(64)
	once := &sync.Once{}
	return &pipeEnd{in: b2a, out: a2b, once: once},
		&pipeEnd{in: a2b, out: b2a, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Copy so the caller may reuse its buffer.
	buf := make([]byte, len(frame))
	copy(buf, frame)
	if err := p.out.Put(buf); err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := p.in.Poll(1, pollInterval)
		switch {
		case err == nil && len(items) > 0:
			return items[0].([]byte), nil
		case errors.Is(err, queue.ErrDisposed):
			return nil, ErrClosed
		case err == nil, errors.Is(err, queue.ErrTimeout):
			continue
		default:
			return nil, err
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() {
		dropped := len(p.in.Dispose()) + len(p.out.Dispose())
		if dropped > 0 {
			logDropped(dropped)
		}
	})
	return nil
}

func logDropped(n int) {
	logging.TransportDebug("pipe closed with %d undelivered frames", n)
}
