// Package logsink implements the event sink port on structured logging.
// It is the default sink when no external integration is configured.
package logsink

import (
	"context"
	"log/slog"

	"github.com/foremanhq/foreman/internal/port/eventsink"
)

func init() {
	eventsink.Register("log", func(_ map[string]string) (eventsink.Sink, error) {
		return &Sink{}, nil
	})
}

// Sink logs every workflow event at info level.
type Sink struct{}

// Name returns the sink identifier.
func (s *Sink) Name() string { return "log" }

// Notify logs the event.
func (s *Sink) Notify(_ context.Context, event eventsink.Event) error {
	slog.Info("workflow event",
		"event", event.Name,
		"execution_id", event.ExecutionID,
		"workflow_id", event.WorkflowID,
		"step", event.StepName,
	)
	return nil
}
