// Package hostapi binds the session Manager, the reload Runner and the
// tools Registry onto a bridge Host as the remote objects "session" and
// "tools", and provides the matching typed client proxies.
package hostapi

import (
	"context"
	"fmt"
	"sync"

	"devbridge/internal/bridge"
	"devbridge/internal/logging"
	"devbridge/internal/reload"
	"devbridge/internal/session"
)

// Remote object names.
const (
	ObjectSession = "session"
	ObjectTools   = "tools"
)

type subKey struct {
	deviceID   string
	callbackID string
}

// subscription is one live snapshot subscription. removeHook is guarded by
// SessionsAPI.mu.
type subscription struct {
	once        sync.Once
	unsubscribe func()
	cb          *bridge.RemoteCallback
	removeHook  func()
}

func (sub *subscription) release(removeHook func()) {
	sub.once.Do(func() {
		if removeHook != nil {
			removeHook()
		}
		sub.unsubscribe()
		sub.cb.Release()
	})
}

// SessionsAPI serves the "session" object.
type SessionsAPI struct {
	manager *session.Manager
	runner  *reload.Runner

	mu   sync.Mutex
	subs map[subKey]*subscription
}

// BindSessions registers the "session" object on h.
func BindSessions(h *bridge.Host, m *session.Manager, r *reload.Runner) *SessionsAPI {
	api := &SessionsAPI{manager: m, runner: r, subs: make(map[subKey]*subscription)}
	h.Register(ObjectSession, bridge.Methods{
		"select":       {Run: api.selectDevice, Blocking: true},
		"get":          {Run: api.get},
		"list":         {Run: api.list},
		"start":        {Run: api.start, Blocking: true},
		"reload":       {Run: api.reload, Blocking: true},
		"terminate":    {Run: api.terminate, Blocking: true},
		"lastSelected": {Run: api.lastSelected, Blocking: true},
		"subscribe":    {Run: api.subscribe},
		"unsubscribe":  {Run: api.unsubscribe},
	})
	return api
}

// Subscriptions returns the number of live snapshot subscriptions.
func (a *SessionsAPI) Subscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Close releases every subscription.
func (a *SessionsAPI) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = make(map[subKey]*subscription)
	hooks := make(map[subKey]func(), len(subs))
	for key, sub := range subs {
		hooks[key] = sub.removeHook
	}
	a.mu.Unlock()
	for key, sub := range subs {
		sub.release(hooks[key])
	}
}

func deviceArg(in *bridge.Invocation) (string, error) {
	var id string
	if err := in.Arg(0, &id); err != nil {
		return "", invalidArg(err)
	}
	if id == "" {
		return "", invalidArg(fmt.Errorf("device id is empty"))
	}
	return id, nil
}

func (a *SessionsAPI) lookup(in *bridge.Invocation) (*session.DeviceSession, error) {
	id, err := deviceArg(in)
	if err != nil {
		return nil, err
	}
	s, ok := a.manager.Get(id)
	if !ok {
		return nil, named(fmt.Errorf("%w: %s", session.ErrSessionNotFound, id))
	}
	return s, nil
}

func (a *SessionsAPI) selectDevice(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, err := deviceArg(in)
	if err != nil {
		return nil, err
	}
	s, err := a.manager.Select(ctx, id)
	if err != nil {
		return nil, named(err)
	}
	return s.Snapshot(), nil
}

func (a *SessionsAPI) get(ctx context.Context, in *bridge.Invocation) (any, error) {
	s, err := a.lookup(in)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (a *SessionsAPI) list(ctx context.Context, in *bridge.Invocation) (any, error) {
	return a.manager.List(), nil
}

func (a *SessionsAPI) start(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, err := deviceArg(in)
	if err != nil {
		return nil, err
	}
	return a.runner.Start(ctx, a.manager.Session(id)), nil
}

func (a *SessionsAPI) reload(ctx context.Context, in *bridge.Invocation) (any, error) {
	s, err := a.lookup(in)
	if err != nil {
		return nil, err
	}
	var name string
	if err := in.Arg(1, &name); err != nil {
		return nil, invalidArg(err)
	}
	action, err := reload.ParseAction(name)
	if err != nil {
		return nil, named(err)
	}
	return a.runner.Run(ctx, s, action), nil
}

func (a *SessionsAPI) terminate(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, err := deviceArg(in)
	if err != nil {
		return nil, err
	}
	return nil, named(a.manager.Terminate(ctx, id))
}

func (a *SessionsAPI) lastSelected(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, _, err := a.manager.LastSelected(ctx)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// subscribe(deviceID, callback) pushes every snapshot of the session to
// callback until unsubscribe or until the session is disposed, at which
// point the callback is released.
func (a *SessionsAPI) subscribe(ctx context.Context, in *bridge.Invocation) (any, error) {
	s, err := a.lookup(in)
	if err != nil {
		return nil, err
	}
	cb, err := in.Callback(1)
	if err != nil {
		return nil, invalidArg(err)
	}

	key := subKey{deviceID: s.DeviceID(), callbackID: cb.ID()}
	a.mu.Lock()
	if _, exists := a.subs[key]; exists {
		a.mu.Unlock()
		cb.Release()
		return s.Snapshot(), nil
	}

	sub := &subscription{cb: cb}
	sub.unsubscribe = s.Subscribe(func(snap session.Snapshot) {
		if err := cb.Invoke(ctx, snap); err != nil {
			logging.BridgeDebug("snapshot for %s not delivered: %v", key.deviceID, err)
		}
	})
	a.subs[key] = sub
	a.mu.Unlock()

	// The hook is registered after the entry so a dispose in between still
	// finds it; an entry dropped meanwhile removes the hook here.
	removeHook := s.OnDispose(func() { a.drop(key) })
	a.mu.Lock()
	if a.subs[key] == sub {
		sub.removeHook = removeHook
		removeHook = nil
	}
	a.mu.Unlock()
	if removeHook != nil {
		removeHook()
	}
	logging.Bridge("subscribed %s to session %s", cb.ID(), key.deviceID)
	return s.Snapshot(), nil
}

func (a *SessionsAPI) unsubscribe(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, err := deviceArg(in)
	if err != nil {
		return nil, err
	}
	cbID, err := in.CallbackID(1)
	if err != nil {
		return nil, invalidArg(err)
	}
	return a.drop(subKey{deviceID: id, callbackID: cbID}), nil
}

// drop releases one subscription and reports whether it existed.
func (a *SessionsAPI) drop(key subKey) bool {
	a.mu.Lock()
	sub, ok := a.subs[key]
	var removeHook func()
	if ok {
		removeHook = sub.removeHook
		delete(a.subs, key)
	}
	a.mu.Unlock()
	if ok {
		sub.release(removeHook)
	}
	return ok
}
