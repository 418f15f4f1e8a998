// Package ristretto caches terminal workflow execution snapshots in process
// so status queries for finished runs skip the engine. Snapshots are stored
// as JSON with size-based admission.
package ristretto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/foremanhq/foreman/internal/domain/workflow"
)

// ExecutionCache holds JSON snapshots of terminal executions keyed by
// execution id.
type ExecutionCache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

// New creates an execution cache. maxCostBytes bounds the total size of
// cached snapshots; numCounters sizes the admission frequency sketch, use
// roughly 10x the expected item count.
func New(maxCostBytes, numCounters int64, ttl time.Duration) (*ExecutionCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: numCounters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto init: %w", err)
	}
	return &ExecutionCache{c: c, ttl: ttl}, nil
}

// Put stores a snapshot of the execution. Only terminal executions belong
// here; callers must not cache runs that can still change.
func (ec *ExecutionCache) Put(exec *workflow.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}
	ec.c.SetWithTTL(exec.ID, data, int64(len(data)), ec.ttl)
	return nil
}

// Get returns the cached snapshot for an execution id, or ok=false on miss.
func (ec *ExecutionCache) Get(executionID string) (*workflow.Execution, bool) {
	data, found := ec.c.Get(executionID)
	if !found {
		return nil, false
	}
	var exec workflow.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		ec.c.Del(executionID)
		return nil, false
	}
	return &exec, true
}

// Delete evicts a snapshot.
func (ec *ExecutionCache) Delete(executionID string) {
	ec.c.Del(executionID)
}

// Wait blocks until pending writes are visible. Intended for tests.
func (ec *ExecutionCache) Wait() {
	ec.c.Wait()
}

// Close shuts down the cache and releases resources.
func (ec *ExecutionCache) Close() {
	ec.c.Close()
}
