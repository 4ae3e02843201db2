// Package kv provides the string key-value backends used to persist fixture settings.
package kv

import (
	"context"
	"sync"
)

// Store reads and writes string values by key. A missing key reads as "" with no error.
type Store interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
}

// Memory is an in-process Store. It backs tests and the "memory" store driver.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string

	// SetError, if set, is returned by SetString.
	SetError error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// GetString returns the stored value or "".
func (m *Memory) GetString(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

// SetString stores value under key.
func (m *Memory) SetString(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetError != nil {
		return m.SetError
	}
	m.data[key] = value
	return nil
}

// Keys returns the number of stored keys.
func (m *Memory) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
