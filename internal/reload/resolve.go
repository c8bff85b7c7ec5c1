package reload

import (
	"fmt"

	"devbridge/internal/session"
)

// Plan is an ordered list of operations. Every plan starts with OpRestart.
type Plan []Op

// Context is what resolution may depend on.
type Context struct {
	Status session.Status
}

func (c Context) running() bool {
	return c.Status != nil && c.Status.Kind() == session.KindRunning
}

var plans = map[Action]Plan{
	ActionReloadJS:       {OpRestart, OpReloadJS, OpWaitForApp},
	ActionRestartProcess: {OpRestart, OpTerminate, OpLaunch, OpWaitForApp, OpAttachDebugger},
	ActionReinstall:      {OpRestart, OpTerminate, OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger},
	ActionClearMetro: {OpRestart, OpTerminate, OpClearBundlerCache, OpStartPackager, OpBoot,
		OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger},
	ActionRebuild: {OpRestart, OpTerminate, OpStartPackager, OpBoot, OpCleanBuild,
		OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger},
	ActionReboot: {OpRestart, OpReboot, OpBoot, OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger},
}

// startPlan brings a fresh session from nothing to running.
var startPlan = Plan{OpRestart, OpStartPackager, OpBoot, OpBuild, OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger}

// Resolve maps action to its plan. autoReload refreshes JS only when the
// app is running; otherwise there is nothing to refresh and the process is
// restarted.
func Resolve(action Action, c Context) (Plan, error) {
	if action == ActionAutoReload {
		if c.running() {
			return clone(plans[ActionReloadJS]), nil
		}
		return clone(plans[ActionRestartProcess]), nil
	}
	p, ok := plans[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return clone(p), nil
}

// StartPlan returns the plan used for the first start of a session.
func StartPlan() Plan {
	return clone(startPlan)
}

func clone(p Plan) Plan {
	return append(Plan(nil), p...)
}
