// Package device provides session.DeviceController implementations: a
// Simulator that runs entirely in process and a ScriptController that
// shells out to user-configured commands.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"devbridge/internal/logging"
	"devbridge/internal/session"
)

// Operation names shared by both controllers.
const (
	OpStartPackager     = "startPackager"
	OpClearBundlerCache = "clearBundlerCache"
	OpBoot              = "boot"
	OpReboot            = "reboot"
	OpBuild             = "build"
	OpInstall           = "install"
	OpLaunch            = "launch"
	OpTerminate         = "terminate"
	OpReloadJS          = "reloadJs"
	OpAppLoaded         = "appLoaded"
	OpAttachDebugger    = "attachDebugger"
)

// Hook replaces the default behavior of one simulated operation.
type Hook func(ctx context.Context, deviceID string) error

// SimulatorConfig tunes the Simulator.
type SimulatorConfig struct {
	Platform string
	// Delay is slept before every operation.
	Delay time.Duration
	// BuildSteps is the number of progress reports a build emits.
	BuildSteps int
	// LoadAfter is how many AppLoaded polls report false after a launch.
	LoadAfter int
	// PreviewURL is formatted with the device id.
	PreviewURL string
}

// Simulator is an in-process DeviceController. Every call is recorded.
type Simulator struct {
	cfg SimulatorConfig

	mu       sync.Mutex
	hooks    map[string]Hook
	calls    []string
	launched map[string]int
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Platform == "" {
		cfg.Platform = "ios"
	}
	if cfg.BuildSteps <= 0 {
		cfg.BuildSteps = 4
	}
	if cfg.PreviewURL == "" {
		cfg.PreviewURL = "http://localhost:8081/%s"
	}
	return &Simulator{
		cfg:      cfg,
		hooks:    make(map[string]Hook),
		launched: make(map[string]int),
	}
}

// SetHook installs fn for op, replacing any previous hook. A nil fn
// restores the default.
func (s *Simulator) SetHook(op string, fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = fn
}

// Fail makes op return err until cleared with SetHook(op, nil).
func (s *Simulator) Fail(op string, err error) {
	s.SetHook(op, func(context.Context, string) error { return err })
}

// Calls returns the recorded "op:device" entries.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Simulator) do(ctx context.Context, op, deviceID string) error {
	s.mu.Lock()
	s.calls = append(s.calls, op+":"+deviceID)
	hook := s.hooks[op]
	s.mu.Unlock()

	logging.Get(logging.CategorySession).Debug("simulator %s %s", op, deviceID)

	if s.cfg.Delay > 0 {
		select {
		case <-time.After(s.cfg.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		return hook(ctx, deviceID)
	}
	return nil
}

func (s *Simulator) Platform() string { return s.cfg.Platform }

func (s *Simulator) StartPackager(ctx context.Context) error {
	return s.do(ctx, OpStartPackager, "")
}

func (s *Simulator) ClearBundlerCache(ctx context.Context) error {
	return s.do(ctx, OpClearBundlerCache, "")
}

func (s *Simulator) Boot(ctx context.Context, deviceID string) error {
	return s.do(ctx, OpBoot, deviceID)
}

func (s *Simulator) Reboot(ctx context.Context, deviceID string) error {
	return s.do(ctx, OpReboot, deviceID)
}

func (s *Simulator) Build(ctx context.Context, deviceID string, opts session.BuildOptions, progress session.ProgressFunc) error {
	if err := s.do(ctx, OpBuild, deviceID); err != nil {
		return err
	}
	for i := 1; i <= s.cfg.BuildSteps; i++ {
		if progress != nil {
			progress(float64(i) / float64(s.cfg.BuildSteps))
		}
	}
	return nil
}

func (s *Simulator) Install(ctx context.Context, deviceID string) error {
	return s.do(ctx, OpInstall, deviceID)
}

func (s *Simulator) Launch(ctx context.Context, deviceID string) error {
	if err := s.do(ctx, OpLaunch, deviceID); err != nil {
		return err
	}
	s.mu.Lock()
	s.launched[deviceID] = s.cfg.LoadAfter
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Terminate(ctx context.Context, deviceID string) error {
	return s.do(ctx, OpTerminate, deviceID)
}

func (s *Simulator) ReloadJS(ctx context.Context, deviceID string) error {
	if err := s.do(ctx, OpReloadJS, deviceID); err != nil {
		return err
	}
	s.mu.Lock()
	s.launched[deviceID] = s.cfg.LoadAfter
	s.mu.Unlock()
	return nil
}

// AppLoaded reports false for the first LoadAfter polls after a launch.
func (s *Simulator) AppLoaded(ctx context.Context, deviceID string) (bool, error) {
	if err := s.do(ctx, OpAppLoaded, deviceID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.launched[deviceID]; n > 0 {
		s.launched[deviceID] = n - 1
		return false, nil
	}
	return true, nil
}

func (s *Simulator) AttachDebugger(ctx context.Context, deviceID string) error {
	return s.do(ctx, OpAttachDebugger, deviceID)
}

func (s *Simulator) PreviewURL(deviceID string) string {
	return fmt.Sprintf(s.cfg.PreviewURL, deviceID)
}

var _ session.DeviceController = (*Simulator)(nil)
