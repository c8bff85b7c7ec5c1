package reload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devbridge/internal/session"
)

func TestParseAction(t *testing.T) {
	for _, a := range Actions() {
		got, err := ParseAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("hardReset")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestResolve_Plans(t *testing.T) {
	running := Context{Status: session.Running{}}
	starting := Context{Status: session.Starting{Stage: session.StageBuilding}}
	fatal := Context{Status: session.FatalError{Error: session.DeviceError{Message: "x"}}}

	tests := []struct {
		action Action
		ctx    Context
		want   Plan
	}{
		{ActionAutoReload, running, Plan{OpRestart, OpReloadJS, OpWaitForApp}},
		{ActionAutoReload, fatal, Plan{OpRestart, OpTerminate, OpLaunch, OpWaitForApp, OpAttachDebugger}},
		{ActionAutoReload, starting, Plan{OpRestart, OpTerminate, OpLaunch, OpWaitForApp, OpAttachDebugger}},
		{ActionReloadJS, fatal, Plan{OpRestart, OpReloadJS, OpWaitForApp}},
		{ActionRestartProcess, running, Plan{OpRestart, OpTerminate, OpLaunch, OpWaitForApp, OpAttachDebugger}},
		{ActionReinstall, running, Plan{OpRestart, OpTerminate, OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger}},
		{ActionClearMetro, running, Plan{OpRestart, OpTerminate, OpClearBundlerCache, OpStartPackager, OpBoot,
			OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger}},
		{ActionRebuild, running, Plan{OpRestart, OpTerminate, OpStartPackager, OpBoot, OpCleanBuild,
			OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger}},
		{ActionReboot, running, Plan{OpRestart, OpReboot, OpBoot, OpInstall, OpLaunch, OpWaitForApp, OpAttachDebugger}},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			got, err := Resolve(tt.action, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	_, err := Resolve("nuke", Context{})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestResolve_PlansAreOrderedByStage(t *testing.T) {
	plans := []Plan{StartPlan()}
	for _, a := range Actions() {
		for _, c := range []Context{{Status: session.Running{}}, {}} {
			p, err := Resolve(a, c)
			require.NoError(t, err)
			plans = append(plans, p)
		}
	}

	for _, p := range plans {
		require.NotEmpty(t, p)
		assert.Equal(t, OpRestart, p[0], "plan %v must re-enter starting first", p)
		last := -1
		for _, op := range p {
			idx, ok := session.Index(op.Stage())
			require.True(t, ok, "op %s has no stage", op)
			assert.GreaterOrEqual(t, idx, last, "plan %v goes backwards at %s", p, op)
			last = idx
			assert.NotEmpty(t, op.Message())
		}
	}
}

func TestResolve_ReturnsCopies(t *testing.T) {
	p, err := Resolve(ActionRebuild, Context{})
	require.NoError(t, err)
	p[1] = OpReboot

	again, err := Resolve(ActionRebuild, Context{})
	require.NoError(t, err)
	assert.Equal(t, OpTerminate, again[1])
}
