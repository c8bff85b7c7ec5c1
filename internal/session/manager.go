package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"devbridge/internal/logging"
	"devbridge/internal/store"
	"devbridge/internal/tools"
)

// Manager owns exactly one DeviceSession per device id.
type Manager struct {
	ctrl     DeviceController
	store    store.Store
	registry *tools.Registry

	sessions cmap.ConcurrentMap[string, *DeviceSession]

	selectMu    sync.Mutex
	unsubscribe func()
}

// NewManager creates a Manager. registry may be nil when no tool plugins
// are configured; otherwise its state changes are pushed to running
// sessions.
func NewManager(ctrl DeviceController, st store.Store, registry *tools.Registry) *Manager {
	m := &Manager{
		ctrl:     ctrl,
		store:    st,
		registry: registry,
		sessions: cmap.New[*DeviceSession](),
	}
	if registry != nil {
		m.unsubscribe = registry.Subscribe(m.onToolsChanged)
	}
	return m
}

// Controller returns the device controller sessions run against.
func (m *Manager) Controller() DeviceController {
	return m.ctrl
}

func (m *Manager) onToolsChanged(state tools.State) {
	for _, s := range m.sessions.Items() {
		_ = s.Apply(ToolsEvent{State: state})
	}
}

func (m *Manager) toolsState() tools.State {
	if m.registry == nil {
		return nil
	}
	return m.registry.GetState()
}

// Session returns the session for deviceID, creating it if needed.
func (m *Manager) Session(deviceID string) *DeviceSession {
	if s, ok := m.sessions.Get(deviceID); ok {
		return s
	}
	s := NewDeviceSession(deviceID, m.toolsState)
	if m.sessions.SetIfAbsent(deviceID, s) {
		logging.Session("Created session for device %s", deviceID)
		return s
	}
	s, _ = m.sessions.Get(deviceID)
	return s
}

// Select makes deviceID the active session and remembers it as the last
// selected device.
func (m *Manager) Select(ctx context.Context, deviceID string) (*DeviceSession, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrSessionNotFound)
	}

	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	selected := m.Session(deviceID)
	for id, s := range m.sessions.Items() {
		s.SetActive(id == deviceID)
	}

	if err := m.store.Update(ctx, store.KeyLastSelectedDevice, deviceID); err != nil {
		return selected, fmt.Errorf("remember selected device: %w", err)
	}
	return selected, nil
}

// LastSelected returns the device id most recently passed to Select, across
// restarts.
func (m *Manager) LastSelected(ctx context.Context) (string, bool, error) {
	return m.store.Get(ctx, store.KeyLastSelectedDevice)
}

// Get returns the session for deviceID without creating one.
func (m *Manager) Get(deviceID string) (*DeviceSession, bool) {
	return m.sessions.Get(deviceID)
}

// List returns snapshots of every session, sorted by device id.
func (m *Manager) List() []Snapshot {
	items := m.sessions.Items()
	out := make([]Snapshot, 0, len(items))
	for _, s := range items {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Terminate stops the app on the device and disposes its session. The
// session is removed even if the controller fails.
func (m *Manager) Terminate(ctx context.Context, deviceID string) error {
	s, ok := m.sessions.Pop(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, deviceID)
	}
	s.Dispose()

	if err := m.ctrl.Terminate(ctx, deviceID); err != nil {
		return fmt.Errorf("terminate %s: %w", deviceID, err)
	}
	logging.Session("Terminated session for device %s", deviceID)
	return nil
}

// Dispose terminates every session concurrently and detaches from the
// tools registry.
func (m *Manager) Dispose(ctx context.Context) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	var g errgroup.Group
	for _, id := range m.sessions.Keys() {
		id := id
		g.Go(func() error {
			return m.Terminate(ctx, id)
		})
	}
	return g.Wait()
}
