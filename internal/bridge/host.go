package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"devbridge/internal/logging"
)

// MethodFunc implements one remote method.
type MethodFunc func(ctx context.Context, in *Invocation) (any, error)

// Method binds a MethodFunc. Blocking methods (those that wait on devices
// or other slow collaborators) run on the host's worker pool; all others
// run inline on the reader, in arrival order.
type Method struct {
	Run      MethodFunc
	Blocking bool
}

// Methods is the method table of one remote object.
type Methods map[string]Method

// Host is the logic side of the bridge. It dispatches Call messages to
// registered objects and answers each with exactly one Result.
type Host struct {
	ep   *Endpoint
	pool *ants.Pool

	mu      sync.RWMutex
	objects map[string]Methods

	cbMu    sync.Mutex
	remotes map[string]*RemoteCallback

	ctx    context.Context
	cancel context.CancelFunc
	detach func()
	once   sync.Once
}

// HostOption configures a Host.
type HostOption func(*hostOptions)

type hostOptions struct {
	workers int
}

// WithWorkers sets the size of the pool that runs blocking methods.
func WithWorkers(n int) HostOption {
	return func(o *hostOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// NewHost creates a Host on ep and starts accepting calls.
func NewHost(ep *Endpoint, opts ...HostOption) (*Host, error) {
	o := hostOptions{workers: 16}
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := ants.NewPool(o.workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		ep:      ep,
		pool:    pool,
		objects: make(map[string]Methods),
		remotes: make(map[string]*RemoteCallback),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.detach = ep.Listen(CommandCall, h.onCall)
	return h, nil
}

// Register binds methods under object, replacing any previous binding.
func (h *Host) Register(object string, methods Methods) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[object] = methods
	logging.Bridge("registered object %q (%d methods)", object, len(methods))
}

// LiveCallbacks returns the number of callback references still retained.
func (h *Host) LiveCallbacks() int {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	return len(h.remotes)
}

// Close stops accepting calls and waits briefly for running methods.
func (h *Host) Close() error {
	var err error
	h.once.Do(func() {
		h.detach()
		h.cancel()
		err = h.pool.ReleaseTimeout(5 * time.Second)
	})
	return err
}

func (h *Host) onCall(msg *Message) {
	h.mu.RLock()
	method, ok := h.objects[msg.Object][msg.Method]
	h.mu.RUnlock()

	if !ok {
		h.reply(msg.CallID, nil, &RemoteError{
			Name:    ErrorNameNotFound,
			Message: fmt.Sprintf("no method %s.%s", msg.Object, msg.Method),
		})
		return
	}

	in := &Invocation{Object: msg.Object, Method: msg.Method, Args: Args(msg.Args), host: h}
	if !method.Blocking {
		h.invoke(msg.CallID, method.Run, in)
		return
	}

	callID := msg.CallID
	if err := h.pool.Submit(func() { h.invoke(callID, method.Run, in) }); err != nil {
		h.reply(callID, nil, &RemoteError{Name: ErrorNameUnavailable, Message: err.Error()})
	}
}

func (h *Host) invoke(callID string, fn MethodFunc, in *Invocation) {
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &RemoteError{Name: ErrorNamePanic, Message: fmt.Sprint(r)}
				logging.Get(logging.CategoryBridge).Error("panic in %s.%s: %v", in.Object, in.Method, r)
			}
		}()
		result, err = fn(h.ctx, in)
	}()
	h.reply(callID, result, err)
}

func (h *Host) reply(callID string, result any, err error) {
	msg := &Message{Command: CommandResult, CallID: callID}
	if err != nil {
		msg.Error = &WireError{Name: ErrorName(err), Message: err.Error()}
		if re, ok := err.(*RemoteError); ok {
			msg.Error.Message = re.Message
		}
	} else if result != nil {
		data, encErr := json.Marshal(result)
		if encErr != nil {
			msg.Error = &WireError{Name: ErrorNameEncode, Message: encErr.Error()}
		} else {
			msg.Result = data
		}
	}

	if sendErr := h.ep.Send(h.ctx, msg); sendErr != nil {
		logging.BridgeDebug("result for %s not delivered: %v", callID, sendErr)
	}
}

// retain returns the shared RemoteCallback for id with one more reference.
func (h *Host) retain(id string) *RemoteCallback {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	if r, ok := h.remotes[id]; ok {
		r.refs++
		return r
	}
	r := &RemoteCallback{id: id, host: h, refs: 1}
	h.remotes[id] = r
	return r
}

// Invocation carries the arguments of one incoming call.
type Invocation struct {
	Object string
	Method string
	Args   Args

	host *Host
}

// Arg decodes argument i into v.
func (in *Invocation) Arg(i int, v any) error {
	return in.Args.Decode(i, v)
}

// CallbackID returns the id of the callback passed as argument i without
// retaining it.
func (in *Invocation) CallbackID(i int) (string, error) {
	if i < 0 || i >= len(in.Args) {
		return "", fmt.Errorf("%w: %d of %d", ErrArgIndex, i, len(in.Args))
	}
	var ref callbackRef
	if err := json.Unmarshal(in.Args[i], &ref); err != nil || ref.CallbackID == "" {
		return "", fmt.Errorf("%w: argument %d", ErrNotCallback, i)
	}
	return ref.CallbackID, nil
}

// Callback returns the callback passed as argument i, retaining one
// reference to it. The caller must Release it when done.
func (in *Invocation) Callback(i int) (*RemoteCallback, error) {
	id, err := in.CallbackID(i)
	if err != nil {
		return nil, err
	}
	return in.host.retain(id), nil
}

// RemoteCallback invokes a client-side function through Callback messages.
// It is reference counted: when the last reference is released the Host
// sends one cleanup message and the client drops its registration.
type RemoteCallback struct {
	id   string
	host *Host

	// guarded by host.cbMu
	refs     int
	released bool
}

// ID returns the callback id.
func (r *RemoteCallback) ID() string {
	return r.id
}

// Invoke sends a Callback message with args.
func (r *RemoteCallback) Invoke(ctx context.Context, args ...any) error {
	r.host.cbMu.Lock()
	released := r.released
	r.host.cbMu.Unlock()
	if released {
		return ErrCallbackReleased
	}

	wire, err := encodeArgs(args)
	if err != nil {
		return err
	}
	return r.host.ep.Send(ctx, &Message{Command: CommandCallback, CallbackID: r.id, Args: wire})
}

// Retain adds a reference.
func (r *RemoteCallback) Retain() {
	r.host.cbMu.Lock()
	defer r.host.cbMu.Unlock()
	if !r.released {
		r.refs++
	}
}

// Release drops a reference. The last release sends the cleanup message;
// extra releases are ignored.
func (r *RemoteCallback) Release() {
	h := r.host
	h.cbMu.Lock()
	if r.released {
		h.cbMu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		h.cbMu.Unlock()
		return
	}
	r.released = true
	delete(h.remotes, r.id)
	h.cbMu.Unlock()

	err := h.ep.Send(context.Background(), &Message{Command: CommandCleanup, CallbackID: r.id})
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.BridgeDebug("cleanup for %s not delivered: %v", r.id, err)
	}
}
