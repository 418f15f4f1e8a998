// Package memorystore implements the context store port in process memory.
// It carries no durability across restarts; a deployment that needs durable
// context plugs in its own implementation of the port.
package memorystore

import (
	"context"
	"maps"
	"sync"
)

// Store is a concurrency-safe in-memory key/value context store.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]any)}
}

// Get returns the stored value for key, or nil when absent.
func (s *Store) Get(_ context.Context, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key], nil
}

// Set stores a value under key.
func (s *Store) Set(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// ProjectContext returns a copy of the full stored context.
func (s *Store) ProjectContext(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	maps.Copy(out, s.data)
	return out, nil
}
