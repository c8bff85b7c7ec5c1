package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devbridge/internal/session"
)

func TestSimulator_RecordsCallsAndProgress(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{BuildSteps: 2, LoadAfter: 2})
	ctx := context.Background()

	var reported []float64
	require.NoError(t, sim.Boot(ctx, "sim-1"))
	require.NoError(t, sim.Build(ctx, "sim-1", session.BuildOptions{Clean: true}, func(p float64) {
		reported = append(reported, p)
	}))
	require.NoError(t, sim.Launch(ctx, "sim-1"))

	for i := 0; i < 2; i++ {
		loaded, err := sim.AppLoaded(ctx, "sim-1")
		require.NoError(t, err)
		assert.False(t, loaded)
	}
	loaded, err := sim.AppLoaded(ctx, "sim-1")
	require.NoError(t, err)
	assert.True(t, loaded)

	assert.Equal(t, []float64{0.5, 1}, reported)
	assert.Equal(t, []string{
		"boot:sim-1", "build:sim-1", "launch:sim-1",
		"appLoaded:sim-1", "appLoaded:sim-1", "appLoaded:sim-1",
	}, sim.Calls())
	assert.Equal(t, "http://localhost:8081/sim-1", sim.PreviewURL("sim-1"))
}

func TestSimulator_FailAndHook(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	ctx := context.Background()

	boom := &session.BuildFailure{Message: "boom"}
	sim.Fail(OpBuild, boom)
	assert.ErrorIs(t, sim.Build(ctx, "d", session.BuildOptions{}, nil), boom)

	sim.SetHook(OpBuild, nil)
	assert.NoError(t, sim.Build(ctx, "d", session.BuildOptions{}, nil))
}

func TestSimulator_DelayHonorsContext(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sim.Boot(ctx, "d"), context.Canceled)
}

func newScript(t *testing.T, commands map[string]string) *ScriptController {
	t.Helper()
	return NewScriptController(ScriptConfig{
		Platform:   "android",
		WorkDir:    t.TempDir(),
		Timeout:    5 * time.Second,
		PreviewURL: "http://localhost:8081/{device}",
		Commands:   commands,
	})
}

func TestScript_MissingCommandSucceeds(t *testing.T) {
	c := newScript(t, nil)
	assert.NoError(t, c.Boot(context.Background(), "emu"))
	loaded, err := c.AppLoaded(context.Background(), "emu")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "http://localhost:8081/emu", c.PreviewURL("emu"))
}

func TestScript_DeviceSubstitutionAndFailure(t *testing.T) {
	c := newScript(t, map[string]string{
		OpInstall: `test "{device}" = "$DEVBRIDGE_DEVICE"`,
		OpLaunch:  `echo "cannot launch {device}" >&2; exit 3`,
	})
	ctx := context.Background()

	require.NoError(t, c.Install(ctx, "emu-1"))

	err := c.Launch(ctx, "emu-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot launch emu-1")
	assert.Equal(t, session.DeviceError{Message: err.Error()}, session.Describe(err, c.Platform()))
}

func TestScript_BuildProgressAndFailure(t *testing.T) {
	c := newScript(t, map[string]string{
		OpBuild:            `echo "progress: 0.25"; echo "progress: 1"`,
		OpBuild + ".clean": `echo "compiling"; echo "error: linker failed"; exit 65`,
	})
	ctx := context.Background()

	var reported []float64
	require.NoError(t, c.Build(ctx, "emu", session.BuildOptions{}, func(p float64) {
		reported = append(reported, p)
	}))
	assert.Equal(t, []float64{0.25, 1}, reported)

	err := c.Build(ctx, "emu", session.BuildOptions{Clean: true}, nil)
	var bf *session.BuildFailure
	require.True(t, errors.As(err, &bf))
	assert.Equal(t, "clean", bf.BuildType)
	assert.Contains(t, bf.Message, "linker failed")
}

func TestScript_AppLoadedExitCodes(t *testing.T) {
	ctx := context.Background()

	notYet := newScript(t, map[string]string{OpAppLoaded: "exit 1"})
	loaded, err := notYet.AppLoaded(ctx, "emu")
	require.NoError(t, err)
	assert.False(t, loaded)

	broken := newScript(t, map[string]string{OpAppLoaded: "echo 'red box'; exit 2"})
	_, err = broken.AppLoaded(ctx, "emu")
	var bundle *session.BundleFailure
	require.True(t, errors.As(err, &bundle))
	assert.Equal(t, "red box", bundle.Message)
}

func TestScript_ReloadJSFailureIsBundleError(t *testing.T) {
	c := newScript(t, map[string]string{OpReloadJS: "echo 'SyntaxError: App.js'; exit 1"})
	err := c.ReloadJS(context.Background(), "emu")
	assert.Equal(t, session.BundleError{Message: "SyntaxError: App.js"}, session.Describe(err, "android"))
}

func TestScript_Timeout(t *testing.T) {
	c := NewScriptController(ScriptConfig{
		Timeout:  100 * time.Millisecond,
		Commands: map[string]string{OpBoot: "sleep 2"},
	})
	err := c.Boot(context.Background(), "emu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestScript_LongOutputLinesDoNotStall(t *testing.T) {
	c := NewScriptController(ScriptConfig{
		Timeout: 5 * time.Second,
		Commands: map[string]string{
			OpInstall: `head -c 70000 /dev/zero | tr '\0' x; echo; head -c 200000 /dev/zero | tr '\0' y; echo; echo "install failed"; exit 4`,
		},
	})

	done := make(chan error, 1)
	go func() { done <- c.Install(context.Background(), "emu") }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited with 4")
		assert.Contains(t, err.Error(), "install failed")
		assert.Equal(t, session.DeviceError{Message: err.Error()}, session.Describe(err, c.Platform()))
	case <-time.After(10 * time.Second):
		t.Fatal("install did not return")
	}
}

func TestScript_LongLineKeepsProgress(t *testing.T) {
	c := newScript(t, map[string]string{
		OpBuild: `head -c 100000 /dev/zero | tr '\0' x; echo; echo "progress: 0.5"; printf "progress: 1"`,
	})

	var reported []float64
	require.NoError(t, c.Build(context.Background(), "emu", session.BuildOptions{}, func(p float64) {
		reported = append(reported, p)
	}))
	assert.Equal(t, []float64{0.5, 1}, reported)
}

func TestScript_TimeoutWithOrphanHoldingOutput(t *testing.T) {
	c := NewScriptController(ScriptConfig{
		Timeout:  200 * time.Millisecond,
		Commands: map[string]string{OpLaunch: "(sleep 5; echo late) & wait"},
	})

	start := time.Now()
	err := c.Launch(context.Background(), "emu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestTailWriter(t *testing.T) {
	c := NewScriptController(ScriptConfig{
		MaxOutput: 8,
		Commands:  map[string]string{OpBoot: "echo 0123456789abcdef; exit 1"},
	})
	err := c.Boot(context.Background(), "emu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "9abcdef")
	assert.NotContains(t, err.Error(), "0123")
}

func TestParseProgress(t *testing.T) {
	p, ok := parseProgress("  progress: 0.5 ")
	assert.True(t, ok)
	assert.Equal(t, 0.5, p)

	_, ok = parseProgress("progress: half")
	assert.False(t, ok)
	_, ok = parseProgress("building 50%")
	assert.False(t, ok)
}
