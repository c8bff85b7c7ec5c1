package session

import (
	"context"
	"sync"
)

// stubController records Terminate calls; every other operation succeeds.
type stubController struct {
	mu           sync.Mutex
	terminated   []string
	terminateErr error
}

func (c *stubController) Platform() string                                          { return "ios" }
func (c *stubController) StartPackager(ctx context.Context) error                   { return nil }
func (c *stubController) ClearBundlerCache(ctx context.Context) error               { return nil }
func (c *stubController) Boot(ctx context.Context, deviceID string) error           { return nil }
func (c *stubController) Reboot(ctx context.Context, deviceID string) error         { return nil }
func (c *stubController) Install(ctx context.Context, deviceID string) error        { return nil }
func (c *stubController) Launch(ctx context.Context, deviceID string) error         { return nil }
func (c *stubController) ReloadJS(ctx context.Context, deviceID string) error       { return nil }
func (c *stubController) AttachDebugger(ctx context.Context, deviceID string) error { return nil }
func (c *stubController) PreviewURL(deviceID string) string {
	return "http://localhost:8081/" + deviceID
}

func (c *stubController) Build(ctx context.Context, deviceID string, opts BuildOptions, progress ProgressFunc) error {
	return nil
}

func (c *stubController) AppLoaded(ctx context.Context, deviceID string) (bool, error) {
	return true, nil
}

func (c *stubController) Terminate(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, deviceID)
	return c.terminateErr
}

func (c *stubController) terminatedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.terminated...)
}
