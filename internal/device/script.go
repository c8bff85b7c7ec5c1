package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"devbridge/internal/logging"
	"devbridge/internal/session"
)

// waitDelay is how long Wait keeps copying output after the command has
// exited or been killed.
const waitDelay = 2 * time.Second

// ScriptConfig maps each controller operation to a shell command.
type ScriptConfig struct {
	Platform   string
	Shell      string
	WorkDir    string
	Timeout    time.Duration
	MaxOutput  int
	PreviewURL string
	// Commands is keyed by operation name (OpBoot, OpBuild, ...). The
	// placeholder {device} is replaced with the device id. Operations
	// without a command succeed immediately.
	Commands map[string]string
}

// ScriptController runs one configured command per operation.
//
// Exit status conventions:
//   - build: non-zero is a build failure carrying the output tail.
//   - reloadJs: non-zero is a bundle failure.
//   - appLoaded: 0 means loaded, 1 means not yet, anything else is an error.
//
// A stdout line "progress: <0..1>" during a build reports build progress.
type ScriptController struct {
	cfg ScriptConfig
}

// NewScriptController creates a ScriptController.
func NewScriptController(cfg ScriptConfig) *ScriptController {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 * 1024
	}
	return &ScriptController{cfg: cfg}
}

type scriptResult struct {
	exitCode int
	output   string
}

// run executes the command for op. A missing command yields exit code 0.
func (c *ScriptController) run(ctx context.Context, op, deviceID string, progress session.ProgressFunc) (scriptResult, error) {
	tmpl, ok := c.cfg.Commands[op]
	if !ok || strings.TrimSpace(tmpl) == "" {
		return scriptResult{}, nil
	}
	command := strings.ReplaceAll(tmpl, "{device}", deviceID)

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, c.cfg.Shell, "-c", command)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"DEVBRIDGE_DEVICE="+deviceID,
		"DEVBRIDGE_OP="+op,
		"DEVBRIDGE_PLATFORM="+c.cfg.Platform,
	)

	// Orphaned children may hold the output pipes; Wait gives up on them
	// after WaitDelay.
	cmd.WaitDelay = waitDelay

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	tail := &tailWriter{buf: buf, max: c.cfg.MaxOutput}
	defer tail.Close()
	stdout := &progressWriter{tail: tail, progress: progress}
	cmd.Stdout = stdout
	cmd.Stderr = tail

	logging.Get(logging.CategorySession).Debug("exec %s: %s", op, command)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return scriptResult{}, fmt.Errorf("%s: start %q: %w", op, command, err)
	}

	err := cmd.Wait()
	stdout.finish()
	res := scriptResult{output: strings.TrimSpace(tail.String())}
	logging.Get(logging.CategorySession).Debug("exec %s finished in %s", op, time.Since(start))

	if err == nil {
		return res, nil
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s: timed out after %s", op, c.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// Exited cleanly; a background child kept the output open.
		logging.Get(logging.CategorySession).Debug("exec %s: output abandoned after exit", op)
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("%s: %w", op, err)
}

// simple runs op and treats any non-zero exit as a device failure.
func (c *ScriptController) simple(ctx context.Context, op, deviceID string) error {
	res, err := c.run(ctx, op, deviceID, nil)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fmt.Errorf("%s exited with %d: %s", op, res.exitCode, res.output)
	}
	return nil
}

func (c *ScriptController) Platform() string { return c.cfg.Platform }

func (c *ScriptController) StartPackager(ctx context.Context) error {
	return c.simple(ctx, OpStartPackager, "")
}

func (c *ScriptController) ClearBundlerCache(ctx context.Context) error {
	return c.simple(ctx, OpClearBundlerCache, "")
}

func (c *ScriptController) Boot(ctx context.Context, deviceID string) error {
	return c.simple(ctx, OpBoot, deviceID)
}

func (c *ScriptController) Reboot(ctx context.Context, deviceID string) error {
	return c.simple(ctx, OpReboot, deviceID)
}

func (c *ScriptController) Build(ctx context.Context, deviceID string, opts session.BuildOptions, progress session.ProgressFunc) error {
	op := OpBuild
	buildType := "incremental"
	if opts.Clean {
		buildType = "clean"
		if _, ok := c.cfg.Commands[OpBuild+".clean"]; ok {
			op = OpBuild + ".clean"
		}
	}
	res, err := c.run(ctx, op, deviceID, progress)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return &session.BuildFailure{Message: res.output, BuildType: buildType}
	}
	return nil
}

func (c *ScriptController) Install(ctx context.Context, deviceID string) error {
	return c.simple(ctx, OpInstall, deviceID)
}

func (c *ScriptController) Launch(ctx context.Context, deviceID string) error {
	return c.simple(ctx, OpLaunch, deviceID)
}

func (c *ScriptController) Terminate(ctx context.Context, deviceID string) error {
	return c.simple(ctx, OpTerminate, deviceID)
}

func (c *ScriptController) ReloadJS(ctx context.Context, deviceID string) error {
	res, err := c.run(ctx, OpReloadJS, deviceID, nil)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return &session.BundleFailure{Message: res.output}
	}
	return nil
}

func (c *ScriptController) AppLoaded(ctx context.Context, deviceID string) (bool, error) {
	res, err := c.run(ctx, OpAppLoaded, deviceID, nil)
	if err != nil {
		return false, err
	}
	switch res.exitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &session.BundleFailure{Message: res.output}
	}
}

func (c *ScriptController) AttachDebugger(ctx context.Context, deviceID string) error {
	return c.simple(ctx, OpAttachDebugger, deviceID)
}

func (c *ScriptController) PreviewURL(deviceID string) string {
	return strings.ReplaceAll(c.cfg.PreviewURL, "{device}", deviceID)
}

func parseProgress(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "progress:")
	if !ok {
		return 0, false
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0, false
	}
	return p, true
}

// maxProgressLine bounds how much of one stdout line is held for progress
// parsing. Longer lines go straight to the tail.
const maxProgressLine = 4 * 1024

// progressWriter splits stdout into lines, reporting "progress:" lines and
// passing everything else to tail.
type progressWriter struct {
	mu       sync.Mutex
	tail     io.Writer
	progress session.ProgressFunc
	line     []byte
	overlong bool
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.add(p)
			break
		}
		w.add(p[:i+1])
		w.endLine()
		p = p[i+1:]
	}
	return n, nil
}

func (w *progressWriter) add(p []byte) {
	if w.overlong {
		_, _ = w.tail.Write(p)
		return
	}
	if len(w.line)+len(p) > maxProgressLine {
		_, _ = w.tail.Write(w.line)
		_, _ = w.tail.Write(p)
		w.line = w.line[:0]
		w.overlong = true
		return
	}
	w.line = append(w.line, p...)
}

func (w *progressWriter) endLine() {
	if !w.overlong && len(w.line) > 0 {
		if p, ok := parseProgress(string(w.line)); ok {
			if w.progress != nil {
				w.progress(p)
			}
		} else {
			_, _ = w.tail.Write(w.line)
		}
	}
	w.line = w.line[:0]
	w.overlong = false
}

// finish handles a last line that had no newline.
func (w *progressWriter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.endLine()
}

// tailWriter keeps the last max bytes written to it. Writes after Close
// are discarded so the pooled buffer can be returned.
type tailWriter struct {
	mu     sync.Mutex
	buf    *bytebufferpool.ByteBuffer
	max    int
	closed bool
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	_, _ = w.buf.Write(p)
	if over := w.buf.Len() - w.max; over > 0 {
		w.buf.B = append(w.buf.B[:0], w.buf.B[over:]...)
	}
	return len(p), nil
}

func (w *tailWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

var _ session.DeviceController = (*ScriptController)(nil)
