package hostapi

import (
	"context"

	"devbridge/internal/bridge"
	"devbridge/internal/reload"
	"devbridge/internal/session"
	"devbridge/internal/tools"
)

// SessionClient is the typed client of the "session" object.
type SessionClient struct {
	client *bridge.Client
	proxy  *bridge.Proxy
}

// NewSessionClient returns a SessionClient on c.
func NewSessionClient(c *bridge.Client) *SessionClient {
	return &SessionClient{client: c, proxy: c.Object(ObjectSession)}
}

func (c *SessionClient) Select(ctx context.Context, deviceID string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := c.proxy.Call(ctx, "select", &snap, deviceID)
	return snap, err
}

func (c *SessionClient) Get(ctx context.Context, deviceID string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := c.proxy.Call(ctx, "get", &snap, deviceID)
	return snap, err
}

func (c *SessionClient) List(ctx context.Context) ([]session.Snapshot, error) {
	var snaps []session.Snapshot
	err := c.proxy.Call(ctx, "list", &snaps)
	return snaps, err
}

// Start runs the first-start pipeline and reports whether the app is running.
func (c *SessionClient) Start(ctx context.Context, deviceID string) (bool, error) {
	var ok bool
	err := c.proxy.Call(ctx, "start", &ok, deviceID)
	return ok, err
}

// Reload runs action and reports whether the session came back to running.
func (c *SessionClient) Reload(ctx context.Context, deviceID string, action reload.Action) (bool, error) {
	var ok bool
	err := c.proxy.Call(ctx, "reload", &ok, deviceID, action)
	return ok, err
}

func (c *SessionClient) Terminate(ctx context.Context, deviceID string) error {
	return c.proxy.Call(ctx, "terminate", nil, deviceID)
}

// LastSelected returns "" when no device was ever selected.
func (c *SessionClient) LastSelected(ctx context.Context) (string, error) {
	var id string
	err := c.proxy.Call(ctx, "lastSelected", &id)
	return id, err
}

// Subscription is one live snapshot or tools subscription.
type Subscription struct {
	cb     *bridge.Callback
	client *bridge.Client
	proxy  *bridge.Proxy
	args   []any
}

// Unsubscribe stops deliveries. It reports whether the subscription was
// still live on the host; if not, no cleanup will arrive and the local
// registration is dropped here.
func (s *Subscription) Unsubscribe(ctx context.Context) (bool, error) {
	var ok bool
	args := append(append([]any(nil), s.args...), s.cb)
	if err := s.proxy.Call(ctx, "unsubscribe", &ok, args...); err != nil {
		return false, err
	}
	if !ok {
		s.client.Forget(s.cb)
	}
	return ok, nil
}

// Subscribe delivers every snapshot of deviceID to fn and returns the
// current one. fn runs on the bridge reader and must not block on bridge
// calls.
func (c *SessionClient) Subscribe(ctx context.Context, deviceID string, fn func(session.Snapshot)) (*Subscription, session.Snapshot, error) {
	cb := bridge.NewCallback(func(args bridge.Args) {
		var snap session.Snapshot
		if err := args.Decode(0, &snap); err == nil {
			fn(snap)
		}
	})
	var current session.Snapshot
	if err := c.proxy.Call(ctx, "subscribe", &current, deviceID, cb); err != nil {
		c.client.Forget(cb)
		return nil, session.Snapshot{}, err
	}
	return &Subscription{cb: cb, client: c.client, proxy: c.proxy, args: []any{deviceID}}, current, nil
}

// ToolsClient is the typed client of the "tools" object.
type ToolsClient struct {
	client *bridge.Client
	proxy  *bridge.Proxy
}

// NewToolsClient returns a ToolsClient on c.
func NewToolsClient(c *bridge.Client) *ToolsClient {
	return &ToolsClient{client: c, proxy: c.Object(ObjectTools)}
}

func (c *ToolsClient) GetState(ctx context.Context) (tools.State, error) {
	var state tools.State
	err := c.proxy.Call(ctx, "getState", &state)
	return state, err
}

func (c *ToolsClient) Plugins(ctx context.Context) ([]tools.Info, error) {
	var infos []tools.Info
	err := c.proxy.Call(ctx, "plugins", &infos)
	return infos, err
}

func (c *ToolsClient) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return c.proxy.Call(ctx, "setEnabled", nil, id, enabled)
}

func (c *ToolsClient) SetAvailability(ctx context.Context, id string, available bool) error {
	return c.proxy.Call(ctx, "setAvailability", nil, id, available)
}

func (c *ToolsClient) Open(ctx context.Context, id string) error {
	return c.proxy.Call(ctx, "open", nil, id)
}

// Subscribe delivers every visible tools state change to fn.
func (c *ToolsClient) Subscribe(ctx context.Context, fn func(tools.State)) (*Subscription, tools.State, error) {
	cb := bridge.NewCallback(func(args bridge.Args) {
		var state tools.State
		if err := args.Decode(0, &state); err == nil {
			fn(state)
		}
	})
	var current tools.State
	if err := c.proxy.Call(ctx, "subscribe", &current, cb); err != nil {
		c.client.Forget(cb)
		return nil, nil, err
	}
	return &Subscription{cb: cb, client: c.client, proxy: c.proxy}, current, nil
}
