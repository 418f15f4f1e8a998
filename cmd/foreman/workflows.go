package main

import (
	"fmt"
	"log/slog"

	"github.com/foremanhq/foreman/internal/domain/workflow"
	"github.com/foremanhq/foreman/internal/engine"
)

// registerWorkflows loads the built-in workflows plus any YAML definitions
// found in dir. File definitions win on id collisions.
func registerWorkflows(eng *engine.Engine, dir string) error {
	for _, wf := range workflow.BuiltinWorkflows() {
		if err := eng.RegisterWorkflow(wf); err != nil {
			return fmt.Errorf("builtin workflow: %w", err)
		}
	}

	loaded, err := workflow.LoadFromDirectory(dir)
	if err != nil {
		return fmt.Errorf("workflow dir %s: %w", dir, err)
	}
	for i := range loaded {
		if err := eng.RegisterWorkflow(&loaded[i]); err != nil {
			return fmt.Errorf("workflow %s: %w", loaded[i].ID, err)
		}
	}
	if len(loaded) > 0 {
		slog.Info("workflow definitions loaded", "dir", dir, "count", len(loaded))
	}
	return nil
}
