package session

import (
	"fmt"

	"devbridge/internal/tools"
)

// Event drives a status transition.
type Event interface {
	eventName() string
}

// StageEvent reports startup pipeline progress.
type StageEvent struct {
	Stage    Stage
	Message  string
	Progress *float64
}

// LoadedEvent reports that the app finished loading. A nil Tools is filled
// from the session's tools registry.
type LoadedEvent struct {
	PreviewURL string
	Tools      tools.State
}

// FatalEvent ends the current attempt with Error.
type FatalEvent struct {
	Error ErrorDescriptor
}

// RestartEvent starts a new startup attempt.
type RestartEvent struct {
	Message string
}

// DebuggerEvent, ProfilingEvent, RecordingEvent and ToolsEvent update
// flags of a running session.
type DebuggerEvent struct{ Paused bool }

type ProfilingEvent struct {
	CPU   *bool
	React *bool
}

type RecordingEvent struct{ Recording bool }

type ToolsEvent struct{ State tools.State }

func (StageEvent) eventName() string     { return "stage" }
func (LoadedEvent) eventName() string    { return "loaded" }
func (FatalEvent) eventName() string     { return "fatal" }
func (RestartEvent) eventName() string   { return "restart" }
func (DebuggerEvent) eventName() string  { return "debugger" }
func (ProfilingEvent) eventName() string { return "profiling" }
func (RecordingEvent) eventName() string { return "recording" }
func (ToolsEvent) eventName() string     { return "tools" }

// Transition returns the status that follows cur on ev. It never mutates
// its inputs. A disallowed event returns cur and ErrInvalidTransition.
//
// Allowed:
//
//	starting -> starting     stage reports, restart
//	starting -> running      loaded
//	starting|running -> fatalError
//	running|fatalError -> starting   restart
//	running -> running       flag events
//
// Stage reports that would move progress backwards within one attempt
// return cur unchanged with a nil error.
func Transition(cur Status, ev Event) (Status, error) {
	switch ev := ev.(type) {
	case RestartEvent:
		return Starting{Stage: StageInitializing, Message: ev.Message}, nil

	case StageEvent:
		st, ok := cur.(Starting)
		if !ok {
			return cur, invalid(cur, ev)
		}
		if !ev.Stage.Valid() {
			return cur, fmt.Errorf("%w: %q", ErrUnknownStage, ev.Stage)
		}
		return advance(st, ev), nil

	case LoadedEvent:
		if _, ok := cur.(Starting); !ok {
			return cur, invalid(cur, ev)
		}
		return Running{PreviewURL: ev.PreviewURL, Tools: ev.Tools}, nil

	case FatalEvent:
		if cur.Kind() == KindFatalError || ev.Error == nil {
			return cur, invalid(cur, ev)
		}
		return FatalError{Error: ev.Error}, nil

	case ToolsEvent:
		r, ok := cur.(Running)
		if !ok {
			return cur, nil
		}
		r.Tools = ev.State
		return r, nil

	case DebuggerEvent:
		r, ok := cur.(Running)
		if !ok {
			return cur, invalid(cur, ev)
		}
		r.DebuggerPaused = ev.Paused
		return r, nil

	case ProfilingEvent:
		r, ok := cur.(Running)
		if !ok {
			return cur, invalid(cur, ev)
		}
		if ev.CPU != nil {
			r.ProfilingCPU = *ev.CPU
		}
		if ev.React != nil {
			r.ProfilingReact = *ev.React
		}
		return r, nil

	case RecordingEvent:
		r, ok := cur.(Running)
		if !ok {
			return cur, invalid(cur, ev)
		}
		r.Recording = ev.Recording
		return r, nil
	}
	return cur, fmt.Errorf("%w: unsupported event %T", ErrInvalidTransition, ev)
}

// advance applies a stage report, keeping progress monotonic within the
// attempt. StageRestarting is always accepted and any stage may follow it.
func advance(cur Starting, ev StageEvent) Starting {
	next := Starting{Stage: ev.Stage, Message: ev.Message, StageProgress: copyProgress(ev.Progress)}
	if ev.Stage == StageRestarting || cur.Stage == StageRestarting {
		return next
	}

	ci, _ := Index(cur.Stage)
	ni, _ := Index(ev.Stage)
	switch {
	case ni < ci:
		return cur
	case ni == ci:
		if ev.Progress == nil {
			next.StageProgress = copyProgress(cur.StageProgress)
		} else if cur.StageProgress != nil && clamp01(*ev.Progress) < clamp01(*cur.StageProgress) {
			return cur
		}
		if next.Message == "" {
			next.Message = cur.Message
		}
	}
	return next
}

func copyProgress(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := clamp01(*p)
	return &v
}

func invalid(cur Status, ev Event) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.eventName(), cur.Kind())
}
