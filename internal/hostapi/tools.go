package hostapi

import (
	"context"
	"fmt"
	"sync"

	"devbridge/internal/bridge"
	"devbridge/internal/logging"
	"devbridge/internal/tools"
)

// ToolsAPI serves the "tools" object.
type ToolsAPI struct {
	registry *tools.Registry

	mu   sync.Mutex
	subs map[string]func()
}

// BindTools registers the "tools" object on h.
func BindTools(h *bridge.Host, reg *tools.Registry) *ToolsAPI {
	api := &ToolsAPI{registry: reg, subs: make(map[string]func())}
	h.Register(ObjectTools, bridge.Methods{
		"getState":        {Run: api.getState},
		"plugins":         {Run: api.plugins},
		"setEnabled":      {Run: api.setEnabled, Blocking: true},
		"setAvailability": {Run: api.setAvailability},
		"open":            {Run: api.open},
		"subscribe":       {Run: api.subscribe},
		"unsubscribe":     {Run: api.unsubscribe},
	})
	return api
}

// Subscriptions returns the number of live state subscriptions.
func (a *ToolsAPI) Subscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Close releases every subscription.
func (a *ToolsAPI) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = make(map[string]func())
	a.mu.Unlock()
	for _, release := range subs {
		release()
	}
}

func toolArgs(in *bridge.Invocation) (string, bool, error) {
	var (
		id   string
		flag bool
	)
	if err := in.Arg(0, &id); err != nil {
		return "", false, invalidArg(err)
	}
	if err := in.Arg(1, &flag); err != nil {
		return "", false, invalidArg(err)
	}
	return id, flag, nil
}

func (a *ToolsAPI) getState(ctx context.Context, in *bridge.Invocation) (any, error) {
	return a.registry.GetState(), nil
}

func (a *ToolsAPI) plugins(ctx context.Context, in *bridge.Invocation) (any, error) {
	return a.registry.Plugins(), nil
}

func (a *ToolsAPI) setEnabled(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, enabled, err := toolArgs(in)
	if err != nil {
		return nil, err
	}
	return nil, named(a.registry.SetUserEnabled(ctx, id, enabled))
}

func (a *ToolsAPI) setAvailability(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, available, err := toolArgs(in)
	if err != nil {
		return nil, err
	}
	return nil, named(a.registry.SetToolAvailability(id, available))
}

func (a *ToolsAPI) open(ctx context.Context, in *bridge.Invocation) (any, error) {
	var id string
	if err := in.Arg(0, &id); err != nil {
		return nil, invalidArg(err)
	}
	a.registry.OpenTool(id)
	return nil, nil
}

func (a *ToolsAPI) subscribe(ctx context.Context, in *bridge.Invocation) (any, error) {
	cb, err := in.Callback(0)
	if err != nil {
		return nil, invalidArg(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.subs[cb.ID()]; exists {
		cb.Release()
		return a.registry.GetState(), nil
	}

	unsubscribe := a.registry.Subscribe(func(state tools.State) {
		if err := cb.Invoke(ctx, state); err != nil {
			logging.ToolsDebug("tools state not delivered to %s: %v", cb.ID(), err)
		}
	})
	a.subs[cb.ID()] = func() {
		unsubscribe()
		cb.Release()
	}
	return a.registry.GetState(), nil
}

func (a *ToolsAPI) unsubscribe(ctx context.Context, in *bridge.Invocation) (any, error) {
	id, err := in.CallbackID(0)
	if err != nil {
		return nil, invalidArg(fmt.Errorf("unsubscribe: %w", err))
	}
	a.mu.Lock()
	release, ok := a.subs[id]
	delete(a.subs, id)
	a.mu.Unlock()
	if ok {
		release()
	}
	return ok, nil
}
