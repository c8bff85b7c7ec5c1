package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"devbridge/internal/logging"
	"devbridge/internal/tools"
)

// Snapshot is the externally visible state of a DeviceSession.
type Snapshot struct {
	DeviceID       string   `json:"deviceId"`
	Status         Status   `json:"status"`
	StartupMessage string   `json:"startupMessage,omitempty"`
	StageProgress  *float64 `json:"stageProgress,omitempty"`
	Progress       float64  `json:"progress"`
	PreviewURL     string   `json:"previewURL,omitempty"`
	IsActive       bool     `json:"isActive"`
	IsProfilingCPU bool     `json:"isProfilingCPU"`
	IsRecording    bool     `json:"isRecording"`
	Attempt        int      `json:"attempt"`
	Revision       uint64   `json:"revision"`
}

// UnmarshalJSON decodes the tagged Status field.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var wire struct {
		plain
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = Snapshot(wire.plain)
	if len(wire.Status) == 0 || string(wire.Status) == "null" {
		s.Status = nil
		return nil
	}
	status, err := DecodeStatus(wire.Status)
	if err != nil {
		return err
	}
	s.Status = status
	return nil
}

// DeviceSession is the state machine of one device. All mutation goes
// through Apply; subscribers see every change in order.
type DeviceSession struct {
	deviceID string
	tools    func() tools.State

	mu       sync.Mutex
	status   Status
	active   bool
	attempt  int
	revision uint64
	disposed bool

	emitMu    sync.Mutex
	subs      map[uint64]func(Snapshot)
	nextSub   uint64
	onDispose map[uint64]func()
	nextHook  uint64
}

// NewDeviceSession creates a session in the initializing stage. toolsState
// may be nil.
func NewDeviceSession(deviceID string, toolsState func() tools.State) *DeviceSession {
	return &DeviceSession{
		deviceID:  deviceID,
		tools:     toolsState,
		status:    Starting{Stage: StageInitializing},
		subs:      make(map[uint64]func(Snapshot)),
		onDispose: make(map[uint64]func()),
	}
}

// DeviceID returns the device this session belongs to.
func (s *DeviceSession) DeviceID() string {
	return s.deviceID
}

// Status returns the current status.
func (s *DeviceSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the current externally visible state.
func (s *DeviceSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Apply runs ev through Transition. Subscribers are notified only when
// the state actually changed.
func (s *DeviceSession) Apply(ev Event) error {
	if loaded, ok := ev.(LoadedEvent); ok && loaded.Tools == nil && s.tools != nil {
		loaded.Tools = s.tools()
		ev = loaded
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}

	next, err := Transition(s.status, ev)
	if err != nil {
		s.mu.Unlock()
		logging.SessionDebug("[%s] rejected %T: %v", s.deviceID, ev, err)
		return err
	}

	if _, restart := ev.(RestartEvent); restart {
		s.attempt++
	} else if reflect.DeepEqual(next, s.status) {
		s.mu.Unlock()
		return nil
	}

	if next.Kind() != s.status.Kind() {
		logging.Session("[%s] %s -> %s", s.deviceID, s.status.Kind(), next.Kind())
	}
	s.status = next
	s.emitLocked()
	return nil
}

// SetActive marks the session as the selected one.
func (s *DeviceSession) SetActive(active bool) {
	s.mu.Lock()
	if s.disposed || s.active == active {
		s.mu.Unlock()
		return
	}
	s.active = active
	s.emitLocked()
}

// IsActive reports whether the session is the selected one.
func (s *DeviceSession) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Attempt returns the number of restarts applied so far.
func (s *DeviceSession) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Disposed reports whether Dispose was called.
func (s *DeviceSession) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Subscribe registers fn for snapshots. fn runs with the session's
// emission lock held and must not call Apply.
func (s *DeviceSession) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn

	return func() {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		delete(s.subs, id)
	}
}

// OnDispose registers fn to run once when the session is disposed and
// returns a function that removes it. If the session is already disposed
// fn runs immediately. Hooks run in registration order.
func (s *DeviceSession) OnDispose(fn func()) (remove func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	s.emitMu.Lock()
	s.nextHook++
	id := s.nextHook
	s.onDispose[id] = fn
	s.emitMu.Unlock()
	s.mu.Unlock()

	return func() {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		delete(s.onDispose, id)
	}
}

// DisposeHooks returns the number of registered dispose hooks.
func (s *DeviceSession) DisposeHooks() int {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return len(s.onDispose)
}

// Dispose terminates the session: later Apply calls fail, subscribers are
// dropped and dispose hooks run.
func (s *DeviceSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.emitMu.Lock()
	s.mu.Unlock()

	hooks := s.onDispose
	s.onDispose = make(map[uint64]func())
	s.subs = make(map[uint64]func(Snapshot))
	s.emitMu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(hooks)) {
		hooks[id]()
	}
	logging.Session("[%s] disposed", s.deviceID)
}

// emitLocked bumps the revision and delivers a snapshot. It releases s.mu
// after taking emitMu so deliveries keep mutation order.
func (s *DeviceSession) emitLocked() {
	s.revision++
	snap := s.snapshotLocked()
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	for _, fn := range s.subs {
		fn(snap)
	}
}

func (s *DeviceSession) snapshotLocked() Snapshot {
	snap := Snapshot{
		DeviceID: s.deviceID,
		Status:   s.status,
		IsActive: s.active,
		Attempt:  s.attempt,
		Revision: s.revision,
	}
	switch st := s.status.(type) {
	case Starting:
		snap.StartupMessage = st.Message
		snap.StageProgress = copyProgress(st.StageProgress)
		snap.Progress = Progress(st.Stage, st.StageProgress)
	case Running:
		snap.Progress = 100
		snap.PreviewURL = st.PreviewURL
		snap.IsProfilingCPU = st.ProfilingCPU
		snap.IsRecording = st.Recording
	}
	return snap
}

func (s *DeviceSession) String() string {
	return fmt.Sprintf("session(%s)", s.deviceID)
}
