package session

import (
	"encoding/json"
	"fmt"

	"devbridge/internal/tools"
)

// StatusKind tags a Status variant on the wire.
type StatusKind string

const (
	KindStarting   StatusKind = "starting"
	KindRunning    StatusKind = "running"
	KindFatalError StatusKind = "fatalError"
)

// Status is one of Starting, Running or FatalError.
type Status interface {
	Kind() StatusKind
	isStatus()
}

// Starting is reported while the startup pipeline runs.
type Starting struct {
	Stage         Stage    `json:"stage"`
	Message       string   `json:"startupMessage,omitempty"`
	StageProgress *float64 `json:"stageProgress,omitempty"`
}

// Running is reported once the app has loaded.
type Running struct {
	PreviewURL     string      `json:"previewURL,omitempty"`
	Tools          tools.State `json:"toolsState,omitempty"`
	DebuggerPaused bool        `json:"isDebuggerPaused"`
	ProfilingCPU   bool        `json:"isProfilingCPU"`
	ProfilingReact bool        `json:"isProfilingReact"`
	Recording      bool        `json:"isRecording"`
}

// FatalError ends the current attempt. Only a reload leaves it.
type FatalError struct {
	Error ErrorDescriptor `json:"error"`
}

func (Starting) Kind() StatusKind   { return KindStarting }
func (Running) Kind() StatusKind    { return KindRunning }
func (FatalError) Kind() StatusKind { return KindFatalError }

func (Starting) isStatus()   {}
func (Running) isStatus()    {}
func (FatalError) isStatus() {}

func (s Starting) MarshalJSON() ([]byte, error) {
	type plain Starting
	return json.Marshal(struct {
		Status StatusKind `json:"status"`
		plain
	}{KindStarting, plain(s)})
}

func (s Running) MarshalJSON() ([]byte, error) {
	type plain Running
	return json.Marshal(struct {
		Status StatusKind `json:"status"`
		plain
	}{KindRunning, plain(s)})
}

func (s FatalError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status StatusKind      `json:"status"`
		Error  ErrorDescriptor `json:"error"`
	}{KindFatalError, s.Error})
}

// DecodeStatus parses a tagged Status.
func DecodeStatus(data []byte) (Status, error) {
	var head struct {
		Status StatusKind      `json:"status"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}

	switch head.Status {
	case KindStarting:
		var s Starting
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode starting status: %w", err)
		}
		return s, nil
	case KindRunning:
		var s Running
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode running status: %w", err)
		}
		return s, nil
	case KindFatalError:
		desc, err := DecodeErrorDescriptor(head.Error)
		if err != nil {
			return nil, err
		}
		return FatalError{Error: desc}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, head.Status)
	}
}

// ErrorKind tags an ErrorDescriptor variant on the wire.
type ErrorKind string

const (
	ErrorKindBuild  ErrorKind = "build"
	ErrorKindBundle ErrorKind = "bundle"
	ErrorKindDevice ErrorKind = "device"
)

// ErrorDescriptor is one of BuildError, BundleError or DeviceError.
type ErrorDescriptor interface {
	Kind() ErrorKind
	Describe() string
}

type BuildError struct {
	Message   string `json:"message"`
	Platform  string `json:"platform"`
	BuildType string `json:"buildType,omitempty"`
}

type BundleError struct {
	Message string `json:"message"`
}

type DeviceError struct {
	Message string `json:"message"`
}

func (BuildError) Kind() ErrorKind  { return ErrorKindBuild }
func (BundleError) Kind() ErrorKind { return ErrorKindBundle }
func (DeviceError) Kind() ErrorKind { return ErrorKindDevice }

func (e BuildError) Describe() string {
	if e.BuildType != "" {
		return fmt.Sprintf("%s %s build failed: %s", e.Platform, e.BuildType, e.Message)
	}
	return fmt.Sprintf("%s build failed: %s", e.Platform, e.Message)
}

func (e BundleError) Describe() string { return "bundle error: " + e.Message }
func (e DeviceError) Describe() string { return "device error: " + e.Message }

func (e BuildError) MarshalJSON() ([]byte, error) {
	type plain BuildError
	return json.Marshal(struct {
		Kind ErrorKind `json:"kind"`
		plain
	}{ErrorKindBuild, plain(e)})
}

func (e BundleError) MarshalJSON() ([]byte, error) {
	type plain BundleError
	return json.Marshal(struct {
		Kind ErrorKind `json:"kind"`
		plain
	}{ErrorKindBundle, plain(e)})
}

func (e DeviceError) MarshalJSON() ([]byte, error) {
	type plain DeviceError
	return json.Marshal(struct {
		Kind ErrorKind `json:"kind"`
		plain
	}{ErrorKindDevice, plain(e)})
}

// DecodeErrorDescriptor parses a tagged ErrorDescriptor.
func DecodeErrorDescriptor(data []byte) (ErrorDescriptor, error) {
	var wire struct {
		Kind      ErrorKind `json:"kind"`
		Message   string    `json:"message"`
		Platform  string    `json:"platform"`
		BuildType string    `json:"buildType"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode error descriptor: %w", err)
	}
	switch wire.Kind {
	case ErrorKindBuild:
		return BuildError{Message: wire.Message, Platform: wire.Platform, BuildType: wire.BuildType}, nil
	case ErrorKindBundle:
		return BundleError{Message: wire.Message}, nil
	case ErrorKindDevice:
		return DeviceError{Message: wire.Message}, nil
	default:
		return nil, fmt.Errorf("%w: error kind %q", ErrUnknownStatus, wire.Kind)
	}
}
