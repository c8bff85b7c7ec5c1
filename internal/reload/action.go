// Package reload resolves reload actions into ordered operation plans and
// runs them against a device session.
package reload

import (
	"fmt"
	"strings"

	"devbridge/internal/session"
)

// Action is a user-requested recovery or refresh of a session.
type Action string

const (
	ActionAutoReload     Action = "autoReload"
	ActionReloadJS       Action = "reloadJs"
	ActionRestartProcess Action = "restartProcess"
	ActionReinstall      Action = "reinstall"
	ActionClearMetro     Action = "clearMetro"
	ActionRebuild        Action = "rebuild"
	ActionReboot         Action = "reboot"
)

// Actions returns every action in presentation order.
func Actions() []Action {
	return []Action{
		ActionAutoReload, ActionReloadJS, ActionRestartProcess, ActionReinstall,
		ActionClearMetro, ActionRebuild, ActionReboot,
	}
}

// ParseAction validates an action name.
func ParseAction(name string) (Action, error) {
	for _, a := range Actions() {
		if string(a) == name {
			return a, nil
		}
	}
	names := make([]string, 0, len(Actions()))
	for _, a := range Actions() {
		names = append(names, string(a))
	}
	return "", fmt.Errorf("%w: %q (want one of %s)", ErrUnknownAction, name, strings.Join(names, ", "))
}

// Op is one step of a plan.
type Op string

const (
	OpRestart           Op = "restart"
	OpTerminate         Op = "terminate"
	OpClearBundlerCache Op = "clearBundlerCache"
	OpStartPackager     Op = "startPackager"
	OpReboot            Op = "reboot"
	OpBoot              Op = "boot"
	OpBuild             Op = "build"
	OpCleanBuild        Op = "cleanBuild"
	OpInstall           Op = "install"
	OpLaunch            Op = "launch"
	OpReloadJS          Op = "reloadJs"
	OpWaitForApp        Op = "waitForApp"
	OpAttachDebugger    Op = "attachDebugger"
)

var opStages = map[Op]session.Stage{
	OpRestart:           session.StageInitializing,
	OpTerminate:         session.StageInitializing,
	OpClearBundlerCache: session.StageStartingPackager,
	OpStartPackager:     session.StageStartingPackager,
	OpReboot:            session.StageBootingDevice,
	OpBoot:              session.StageBootingDevice,
	OpBuild:             session.StageBuilding,
	OpCleanBuild:        session.StageBuilding,
	OpInstall:           session.StageInstalling,
	OpLaunch:            session.StageLaunching,
	OpReloadJS:          session.StageLaunching,
	OpWaitForApp:        session.StageWaitingForAppToLoad,
	OpAttachDebugger:    session.StageAttachingDebugger,
}

var opMessages = map[Op]string{
	OpRestart:           "Restarting",
	OpTerminate:         "Stopping app",
	OpClearBundlerCache: "Clearing bundler cache",
	OpStartPackager:     "Starting packager",
	OpReboot:            "Rebooting device",
	OpBoot:              "Booting device",
	OpBuild:             "Building",
	OpCleanBuild:        "Building (clean)",
	OpInstall:           "Installing",
	OpLaunch:            "Launching",
	OpReloadJS:          "Reloading JS",
	OpWaitForApp:        "Waiting for app to load",
	OpAttachDebugger:    "Attaching debugger",
}

// Stage returns the pipeline stage reported while op runs.
func (o Op) Stage() session.Stage {
	return opStages[o]
}

// Message returns the startup message shown while op runs.
func (o Op) Message() string {
	return opMessages[o]
}
