package hostapi

import (
	"errors"

	"devbridge/internal/reload"
	"devbridge/internal/session"
	"devbridge/internal/tools"
)

// Error names sent across the bridge.
const (
	NameSessionNotFound = "SessionNotFound"
	NameUnknownAction   = "UnknownAction"
	NameToolNotFound    = "ToolNotFound"
	NameInvalidArgument = "InvalidArgument"
)

type apiError struct {
	name string
	err  error
}

func (e *apiError) Error() string     { return e.err.Error() }
func (e *apiError) Unwrap() error     { return e.err }
func (e *apiError) ErrorName() string { return e.name }

// named attaches the wire name matching err's sentinel.
func named(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return &apiError{name: NameSessionNotFound, err: err}
	case errors.Is(err, reload.ErrUnknownAction):
		return &apiError{name: NameUnknownAction, err: err}
	case errors.Is(err, tools.ErrToolNotFound):
		return &apiError{name: NameToolNotFound, err: err}
	}
	return err
}

func invalidArg(err error) error {
	return &apiError{name: NameInvalidArgument, err: err}
}
