package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"devbridge/internal/logging"
	"devbridge/internal/store"
)

type entry struct {
	plugin    Plugin
	available bool
	enabled   bool
	active    bool
}

// Registry holds the declared plugins of one session group. It is safe for
// concurrent use; hooks run under the registry lock, so they must not call
// back into the Registry.
type Registry struct {
	// persistMu orders user-flag writes so the stored value and the applied
	// value agree. Taken before mu.
	persistMu sync.Mutex

	mu      sync.Mutex
	store   store.Store
	plugins map[string]*entry

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[uint64]func(State)
	nextSub  uint64
}

// NewRegistry creates an empty registry persisting user flags in st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:   st,
		plugins: make(map[string]*entry),
		subs:    make(map[uint64]func(State)),
	}
}

// Register declares a plugin. Its user-enabled flag is restored from the
// store; it starts unavailable until the running app reports otherwise.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p.ID() == "" {
		return ErrToolIDEmpty
	}

	enabled := false
	if v, ok, err := r.store.Get(ctx, store.ToolEnabledKey(p.ID())); err != nil {
		return fmt.Errorf("load %s enabled flag: %w", p.ID(), err)
	} else if ok {
		enabled, _ = strconv.ParseBool(v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, p.ID())
	}
	r.plugins[p.ID()] = &entry{plugin: p, enabled: enabled}

	logging.ToolsDebug("Registered tool: %s (enabled=%v)", p.ID(), enabled)
	return nil
}

// SetToolAvailability records whether the running app supports the plugin.
func (r *Registry) SetToolAvailability(id string, available bool) error {
	r.mu.Lock()
	e, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	changed := e.available != available
	e.available = available
	r.recomputeLocked(e)
	r.unlockAndNotify(changed)
	return nil
}

// SetUserEnabled persists and applies the user's choice for a plugin.
func (r *Registry) SetUserEnabled(ctx context.Context, id string, enabled bool) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	_, ok := r.plugins[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}

	if err := r.store.Update(ctx, store.ToolEnabledKey(id), strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("persist %s enabled flag: %w", id, err)
	}

	r.mu.Lock()
	e := r.plugins[id]
	changed := e.enabled != enabled
	e.enabled = enabled
	r.recomputeLocked(e)
	r.unlockAndNotify(changed)
	return nil
}

// recomputeLocked derives the active flag and fires a hook on an edge only.
func (r *Registry) recomputeLocked(e *entry) {
	next := isActive(e.available, e.enabled)
	if next == e.active {
		return
	}
	e.active = next
	if next {
		logging.Tools("Activating tool %s", e.plugin.ID())
		e.plugin.Activate()
	} else {
		logging.Tools("Deactivating tool %s", e.plugin.ID())
		e.plugin.Deactivate()
	}
}

// GetState returns the visible state: available plugins only.
func (r *Registry) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Registry) stateLocked() State {
	state := make(State)
	for id, e := range r.plugins {
		if !e.available {
			continue
		}
		state[id] = ToolState{Label: e.plugin.Label(), Enabled: e.enabled}
	}
	return state
}

// OpenTool opens the plugin's panel if it is enabled and active. Any other
// request is ignored: the plugin may have just become unavailable.
func (r *Registry) OpenTool(id string) {
	r.mu.Lock()
	e, ok := r.plugins[id]
	if !ok || !e.enabled || !e.active {
		r.mu.Unlock()
		logging.ToolsDebug("Ignoring open for inactive tool %s", id)
		return
	}
	opener, canOpen := e.plugin.(Opener)
	r.mu.Unlock()

	if canOpen {
		opener.Open()
	}
}

// IsActive reports whether a plugin is currently active.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[id]
	return ok && e.active
}

// Plugins returns every registered plugin sorted by id.
func (r *Registry) Plugins() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.plugins))
	for id, e := range r.plugins {
		infos = append(infos, Info{
			ID:        id,
			Label:     e.plugin.Label(),
			Available: e.available,
			Enabled:   e.enabled,
			Active:    e.active,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Subscribe registers fn for state-changed notifications.
func (r *Registry) Subscribe(fn func(State)) (unsubscribe func()) {
	r.subsMu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

// unlockAndNotify releases r.mu and, if the visible state changed, delivers
// it to subscribers. notifyMu is taken before r.mu is released so
// notifications arrive in mutation order.
func (r *Registry) unlockAndNotify(changed bool) {
	if !changed {
		r.mu.Unlock()
		return
	}
	state := r.stateLocked()
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.mu.Unlock()

	r.subsMu.Lock()
	fns := make([]func(State), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
