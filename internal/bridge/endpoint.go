package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"devbridge/internal/logging"
	"devbridge/internal/transport"
)

// Listener handles one inbound message. Listeners run on the endpoint's
// reader goroutine, one message at a time, and must not block on further
// bridge traffic.
type Listener func(msg *Message)

// Endpoint owns a Transport, decodes inbound frames, and routes each
// message to the listeners attached for its command. Messages that fail to
// decode or have no listener are dropped.
type Endpoint struct {
	t transport.Transport

	mu        sync.Mutex
	listeners map[Command]map[uint64]Listener
	nextID    uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewEndpoint starts reading from t.
func NewEndpoint(t transport.Transport) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		t:         t,
		listeners: make(map[Command]map[uint64]Listener),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Listen attaches fn for cmd and returns a function that detaches it.
// Detaching more than once is a no-op.
func (e *Endpoint) Listen(cmd Command, fn Listener) (detach func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	if e.listeners[cmd] == nil {
		e.listeners[cmd] = make(map[uint64]Listener)
	}
	e.listeners[cmd][id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[cmd], id)
		if len(e.listeners[cmd]) == 0 {
			delete(e.listeners, cmd)
		}
	}
}

// listenerCount reports the listeners attached for cmd.
func (e *Endpoint) listenerCount(cmd Command) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[cmd])
}

// Send encodes msg and writes it to the transport.
func (e *Endpoint) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Command, err)
	}
	if err := e.t.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Command, err)
	}
	return nil
}

// Done is closed once the reader has stopped.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Close stops the reader and closes the transport.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		err = e.t.Close()
		<-e.done
	})
	return err
}

func (e *Endpoint) readLoop() {
	defer close(e.done)
	for {
		frame, err := e.t.Receive(e.ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
				logging.Get(logging.CategoryBridge).Warn("endpoint reader stopped: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			logging.BridgeDebug("dropping malformed frame: %v", err)
			continue
		}
		e.dispatch(&msg)
	}
}

func (e *Endpoint) dispatch(msg *Message) {
	e.mu.Lock()
	fns := make([]Listener, 0, len(e.listeners[msg.Command]))
	for _, fn := range e.listeners[msg.Command] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	if len(fns) == 0 {
		logging.BridgeDebug("no listener for %s message, dropped", msg.Command)
		return
	}
	for _, fn := range fns {
		fn(msg)
	}
}
