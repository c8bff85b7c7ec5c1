package session

import "errors"

var (
	// ErrInvalidTransition is returned when an event is not allowed in the
	// current status. The status is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrSessionDisposed   = errors.New("session disposed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUnknownStatus     = errors.New("unknown status kind")
)
