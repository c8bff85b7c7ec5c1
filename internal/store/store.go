// Package store persists the handful of settings devbridge keeps across
// restarts: each tool plugin's user-enabled flag and the last selected
// device. Nothing else is stored.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Keys used by the rest of devbridge.
const (
	KeyLastSelectedDevice = "session.last_selected_device"
)

// ErrEmptyKey is returned for an empty key.
var ErrEmptyKey = errors.New("store key cannot be empty")

// ToolEnabledKey returns the key holding a plugin's user-enabled flag.
func ToolEnabledKey(toolID string) string {
	return fmt.Sprintf("tools.%s.enabled", toolID)
}

// Store is the persistence collaborator.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Update sets key to value.
	Update(ctx context.Context, key, value string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Update(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
