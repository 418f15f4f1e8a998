// Package contextstore defines the port for durable shared-context storage.
// The core only consumes this interface; persistence across process restarts
// is provided by an external collaborator.
package contextstore

import "context"

// Store holds shared key/value context for a project or workflow run.
type Store interface {
	// Get returns the stored value for key, or nil when absent.
	Get(ctx context.Context, key string) (any, error)

	// Set stores a value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value any) error

	// ProjectContext returns a snapshot of the full stored context.
	ProjectContext(ctx context.Context) (map[string]any, error)
}
