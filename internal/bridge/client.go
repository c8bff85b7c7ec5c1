package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"devbridge/internal/logging"
)

// Callback wraps a function so it can be passed as a call argument. The
// handle's identity is what the Client caches: passing the same *Callback
// to any number of calls reuses one registration and one callback id.
type Callback struct {
	fn func(args Args)
}

// NewCallback returns a handle for fn.
func NewCallback(fn func(args Args)) *Callback {
	return &Callback{fn: fn}
}

// Client is the presentation side of the bridge. It turns method calls on
// named remote objects into Call messages and settles the returned Futures
// from Result messages matched by call id.
type Client struct {
	ep    *Endpoint
	token string

	mu            sync.Mutex
	nextCall      uint64
	pending       map[string]*Future
	detachResults func()

	nextCallback     uint64
	callbacks        map[string]*Callback
	callbackIDs      map[*Callback]string
	detachCallbacks  func()
	detachCleanups   func()
	callbacksEnabled bool

	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithInstanceToken overrides the random per-client token that prefixes
// every call and callback id.
func WithInstanceToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a Client on ep. Several Clients may share one Endpoint;
// their ids never collide because each carries its own instance token.
func NewClient(ep *Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		ep:          ep,
		token:       uuid.NewString(),
		pending:     make(map[string]*Future),
		callbacks:   make(map[string]*Callback),
		callbackIDs: make(map[*Callback]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the client's instance token.
func (c *Client) Token() string {
	return c.token
}

// Object returns a proxy for the named host object.
func (c *Client) Object(name string) *Proxy {
	return &Proxy{client: c, object: name}
}

// Pending returns the number of calls awaiting a Result.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Registered returns the number of live callback registrations.
func (c *Client) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// Forget drops the local registration of cb, if any. Use it when the Host
// will never send a cleanup for it.
func (c *Client) Forget(cb *Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.callbackIDs[cb]
	if !ok {
		return
	}
	delete(c.callbackIDs, cb)
	delete(c.callbacks, id)
}

// Close rejects every pending call with ErrClientClosed and drops all
// callback registrations. The Endpoint is left open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	pending := c.pending
	c.pending = make(map[string]*Future)
	if c.detachResults != nil {
		c.detachResults()
		c.detachResults = nil
	}
	if c.callbacksEnabled {
		c.detachCallbacks()
		c.detachCleanups()
		c.callbacksEnabled = false
	}
	c.callbacks = make(map[string]*Callback)
	c.callbackIDs = make(map[*Callback]string)
	c.mu.Unlock()

	for _, f := range pending {
		f.settle(nil, ErrClientClosed)
	}
	if len(pending) > 0 {
		logging.Bridge("client %s closed with %d pending calls", c.token, len(pending))
	}
	return nil
}

// call issues one Call message and returns its Future.
func (c *Client) call(ctx context.Context, object, method string, args []any) *Future {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rejected(ErrClientClosed)
	}

	wire, err := c.encodeArgsLocked(args)
	if err != nil {
		c.mu.Unlock()
		return rejected(err)
	}

	c.nextCall++
	callID := fmt.Sprintf("%s:%d", c.token, c.nextCall)
	f := newFuture(callID)

	// Register before sending so a fast Result always finds its entry.
	if len(c.pending) == 0 && c.detachResults == nil {
		c.detachResults = c.ep.Listen(CommandResult, c.onResult)
	}
	c.pending[callID] = f
	c.mu.Unlock()

	msg := &Message{
		Command: CommandCall,
		CallID:  callID,
		Object:  object,
		Method:  method,
		Args:    wire,
	}
	if err := c.ep.Send(ctx, msg); err != nil {
		c.mu.Lock()
		c.removePendingLocked(callID)
		c.mu.Unlock()
		f.settle(nil, err)
		return f
	}

	logging.BridgeDebug("call %s -> %s.%s", callID, object, method)
	return f
}

// encodeArgsLocked marshals args, replacing each *Callback with a
// callback reference.
func (c *Client) encodeArgsLocked(args []any) ([]json.RawMessage, error) {
	prepared := make([]any, len(args))
	for i, arg := range args {
		if cb, ok := arg.(*Callback); ok && cb != nil {
			prepared[i] = callbackRef{CallbackID: c.registerCallbackLocked(cb)}
			continue
		}
		prepared[i] = arg
	}
	return encodeArgs(prepared)
}

func (c *Client) registerCallbackLocked(cb *Callback) string {
	if id, ok := c.callbackIDs[cb]; ok {
		return id
	}
	if !c.callbacksEnabled {
		c.detachCallbacks = c.ep.Listen(CommandCallback, c.onCallback)
		c.detachCleanups = c.ep.Listen(CommandCleanup, c.onCleanup)
		c.callbacksEnabled = true
	}
	c.nextCallback++
	id := fmt.Sprintf("%s:cb:%d", c.token, c.nextCallback)
	c.callbacks[id] = cb
	c.callbackIDs[cb] = id
	return id
}

func (c *Client) removePendingLocked(callID string) {
	delete(c.pending, callID)
	if len(c.pending) == 0 && c.detachResults != nil {
		c.detachResults()
		c.detachResults = nil
	}
}

func (c *Client) onResult(msg *Message) {
	c.mu.Lock()
	f, ok := c.pending[msg.CallID]
	if !ok {
		c.mu.Unlock()
		logging.BridgeDebug("ignoring result for unknown call %s", msg.CallID)
		return
	}
	c.removePendingLocked(msg.CallID)
	c.mu.Unlock()

	if msg.Error != nil {
		f.settle(nil, &RemoteError{Name: msg.Error.Name, Message: msg.Error.Message})
		return
	}
	f.settle(msg.Result, nil)
}

func (c *Client) onCallback(msg *Message) {
	c.mu.Lock()
	cb, ok := c.callbacks[msg.CallbackID]
	c.mu.Unlock()
	if !ok {
		logging.BridgeDebug("ignoring callback for unknown id %s", msg.CallbackID)
		return
	}
	cb.fn(Args(msg.Args))
}

func (c *Client) onCleanup(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.callbacks[msg.CallbackID]
	if !ok {
		return
	}
	delete(c.callbacks, msg.CallbackID)
	delete(c.callbackIDs, cb)
	logging.BridgeDebug("callback %s cleaned up", msg.CallbackID)
}

// Proxy is a handle on one named host object.
type Proxy struct {
	client *Client
	object string
}

// Name returns the remote object name.
func (p *Proxy) Name() string {
	return p.object
}

// Go invokes method asynchronously and returns its Future.
func (p *Proxy) Go(ctx context.Context, method string, args ...any) *Future {
	return p.client.call(ctx, p.object, method, args)
}

// Call invokes method, waits for its Result and decodes it into out
// (which may be nil to discard the value).
func (p *Proxy) Call(ctx context.Context, method string, out any, args ...any) error {
	raw, err := p.Go(ctx, method, args...).Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", p.object, method, err)
	}
	return nil
}
