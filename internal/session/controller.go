package session

import (
	"context"
	"errors"
)

// ProgressFunc receives within-stage progress in [0,1].
type ProgressFunc func(p float64)

// BuildOptions configures a native build.
type BuildOptions struct {
	Clean bool
}

// DeviceController performs the device-side work of the startup pipeline.
// Every method may block; implementations must honor ctx.
type DeviceController interface {
	Platform() string
	StartPackager(ctx context.Context) error
	ClearBundlerCache(ctx context.Context) error
	Boot(ctx context.Context, deviceID string) error
	Reboot(ctx context.Context, deviceID string) error
	Build(ctx context.Context, deviceID string, opts BuildOptions, progress ProgressFunc) error
	Install(ctx context.Context, deviceID string) error
	Launch(ctx context.Context, deviceID string) error
	Terminate(ctx context.Context, deviceID string) error
	ReloadJS(ctx context.Context, deviceID string) error
	AppLoaded(ctx context.Context, deviceID string) (bool, error)
	AttachDebugger(ctx context.Context, deviceID string) error
	PreviewURL(deviceID string) string
}

// BuildFailure is returned by DeviceController.Build when the native build
// fails.
type BuildFailure struct {
	Message   string
	BuildType string
}

func (e *BuildFailure) Error() string {
	return "build failed: " + e.Message
}

// BundleFailure is returned when the JS bundle cannot be produced or loaded.
type BundleFailure struct {
	Message string
}

func (e *BundleFailure) Error() string {
	return "bundle failed: " + e.Message
}

// Describe maps a controller failure to the descriptor a FatalError carries.
func Describe(err error, platform string) ErrorDescriptor {
	var build *BuildFailure
	if errors.As(err, &build) {
		return BuildError{Message: build.Message, Platform: platform, BuildType: build.BuildType}
	}
	var bundle *BundleFailure
	if errors.As(err, &bundle) {
		return BundleError{Message: bundle.Message}
	}
	return DeviceError{Message: err.Error()}
}
