package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"devbridge/internal/logging"
	"devbridge/internal/session"
)

// Config bounds how long the runner waits for a launched app.
type Config struct {
	AppLoadTimeout  time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		AppLoadTimeout:  60 * time.Second,
		PollInterval:    250 * time.Millisecond,
		MaxPollInterval: 2 * time.Second,
	}
}

// Runner executes plans against a DeviceController. At most one run per
// session is current: starting a new one makes every older run stale, and
// a stale run stops applying events and returns false.
type Runner struct {
	ctrl session.DeviceController
	cfg  Config

	mu    sync.Mutex
	lanes map[*session.DeviceSession]*lane
}

// lane serializes the runs of one session. Its entry is dropped when the
// session is disposed.
type lane struct {
	mu  sync.Mutex
	gen uint64
}

// NewRunner creates a Runner. Zero fields of cfg take their defaults.
func NewRunner(ctrl session.DeviceController, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.AppLoadTimeout <= 0 {
		cfg.AppLoadTimeout = def.AppLoadTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = def.MaxPollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	return &Runner{
		ctrl:  ctrl,
		cfg:   cfg,
		lanes: make(map[*session.DeviceSession]*lane),
	}
}

func (r *Runner) laneFor(s *session.DeviceSession) *lane {
	r.mu.Lock()
	l, ok := r.lanes[s]
	if !ok {
		l = &lane{}
		r.lanes[s] = l
	}
	r.mu.Unlock()

	if !ok {
		s.OnDispose(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.lanes[s] == l {
				delete(r.lanes, s)
			}
		})
	}
	return l
}

// Run resolves action for s and executes it. It reports whether s reached
// running; failures leave s in fatalError and are never returned.
func (r *Runner) Run(ctx context.Context, s *session.DeviceSession, action Action) bool {
	plan, err := Resolve(action, Context{Status: s.Status()})
	if err != nil {
		logging.Get(logging.CategoryReload).Warn("[%s] %v", s.DeviceID(), err)
		return false
	}
	logging.Reload("[%s] %s: %v", s.DeviceID(), action, plan)
	return r.execute(ctx, s, plan)
}

// Start runs the first-start plan for s.
func (r *Runner) Start(ctx context.Context, s *session.DeviceSession) bool {
	logging.Reload("[%s] start", s.DeviceID())
	return r.execute(ctx, s, StartPlan())
}

type run struct {
	lane     *lane
	s        *session.DeviceSession
	deviceID string
	gen      uint64
}

func (r *Runner) execute(ctx context.Context, s *session.DeviceSession, plan Plan) bool {
	id := s.DeviceID()
	l := r.laneFor(s)
	l.mu.Lock()
	l.gen++
	cur := &run{lane: l, s: s, deviceID: id, gen: l.gen}
	l.mu.Unlock()

	for _, op := range plan {
		if op == OpRestart {
			if !cur.apply(session.RestartEvent{Message: op.Message()}) {
				return false
			}
			continue
		}
		if !cur.apply(session.StageEvent{Stage: op.Stage(), Message: op.Message()}) {
			return false
		}

		err := r.perform(ctx, cur, op)
		if cur.stale() {
			logging.ReloadDebug("[%s] discarding %s result of superseded run", id, op)
			return false
		}
		if err != nil {
			desc := session.Describe(err, r.ctrl.Platform())
			logging.Get(logging.CategoryReload).Error("[%s] %s failed: %s", id, op, desc.Describe())
			cur.apply(session.FatalEvent{Error: desc})
			return false
		}
	}

	return cur.apply(session.LoadedEvent{PreviewURL: r.ctrl.PreviewURL(id)})
}

func (r *Runner) perform(ctx context.Context, cur *run, op Op) error {
	id := cur.deviceID
	switch op {
	case OpTerminate:
		return r.ctrl.Terminate(ctx, id)
	case OpClearBundlerCache:
		return r.ctrl.ClearBundlerCache(ctx)
	case OpStartPackager:
		return r.ctrl.StartPackager(ctx)
	case OpReboot:
		return r.ctrl.Reboot(ctx, id)
	case OpBoot:
		return r.ctrl.Boot(ctx, id)
	case OpBuild, OpCleanBuild:
		opts := session.BuildOptions{Clean: op == OpCleanBuild}
		return r.ctrl.Build(ctx, id, opts, func(p float64) {
			cur.apply(session.StageEvent{Stage: op.Stage(), Message: op.Message(), Progress: &p})
		})
	case OpInstall:
		return r.ctrl.Install(ctx, id)
	case OpLaunch:
		return r.ctrl.Launch(ctx, id)
	case OpReloadJS:
		return r.ctrl.ReloadJS(ctx, id)
	case OpWaitForApp:
		return r.waitForApp(ctx, cur)
	case OpAttachDebugger:
		return r.ctrl.AttachDebugger(ctx, id)
	}
	return fmt.Errorf("unsupported operation %q", op)
}

// waitForApp polls AppLoaded with exponential backoff until the app
// reports loaded or AppLoadTimeout elapses.
func (r *Runner) waitForApp(ctx context.Context, cur *run) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PollInterval
	b.MaxInterval = r.cfg.MaxPollInterval
	b.MaxElapsedTime = r.cfg.AppLoadTimeout
	b.Reset()

	started := time.Now()
	err := backoff.Retry(func() error {
		if cur.stale() {
			return backoff.Permanent(errSuperseded)
		}
		loaded, err := r.ctrl.AppLoaded(ctx, cur.deviceID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if loaded {
			return nil
		}
		p := float64(time.Since(started)) / float64(r.cfg.AppLoadTimeout)
		cur.apply(session.StageEvent{
			Stage:    OpWaitForApp.Stage(),
			Message:  OpWaitForApp.Message(),
			Progress: &p,
		})
		return errNotLoaded
	}, backoff.WithContext(b, ctx))

	if errors.Is(err, errNotLoaded) {
		return &session.BundleFailure{
			Message: fmt.Sprintf("app did not load within %s", r.cfg.AppLoadTimeout),
		}
	}
	return err
}

func (c *run) stale() bool {
	c.lane.mu.Lock()
	defer c.lane.mu.Unlock()
	return c.lane.gen != c.gen
}

// apply delivers ev if this run is still current. The generation check and
// the Apply happen under the lane lock so a newer run of the same session
// cannot interleave; other sessions are not blocked.
func (c *run) apply(ev session.Event) bool {
	c.lane.mu.Lock()
	defer c.lane.mu.Unlock()
	if c.lane.gen != c.gen {
		return false
	}
	if err := c.s.Apply(ev); err != nil {
		logging.ReloadDebug("[%s] %T not applied: %v", c.deviceID, ev, err)
		return false
	}
	return true
}
