package tools

import "errors"

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a plugin is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolIDEmpty is returned when a plugin has no id.
	ErrToolIDEmpty = errors.New("tool id cannot be empty")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)
