package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cronflow/cronflow/internal/models"
)

// Simulated is a StepExecutor used by tests and local development: it
// runs the handler registered under the step's name (Context.StepName),
// defaulting to an always-succeeds no-op for unregistered names. It mirrors the role a
// stub dynamic-dispatch executor plays while a real one is wired in.
type Simulated struct {
	Handlers map[string]func(ctx context.Context, ec *Context) ([]byte, error)
}

// NewSimulated constructs a Simulated executor with an empty handler set.
func NewSimulated() *Simulated {
	return &Simulated{Handlers: make(map[string]func(context.Context, *Context) ([]byte, error))}
}

// Execute implements StepExecutor.
func (s *Simulated) Execute(ctx context.Context, ec *Context) (*models.StepResult, error) {
	handler, ok := s.Handlers[ec.StepName]
	started := time.Now().UTC()

	if !ok {
		completed := time.Now().UTC()
		duration := completed.Sub(started).Milliseconds()
		return &models.StepResult{
			RunID:       ec.RunID,
			StepID:      ec.StepName,
			Status:      models.StepCompleted,
			Output:      []byte(`{}`),
			StartedAt:   started,
			CompletedAt: &completed,
			DurationMs:  &duration,
		}, nil
	}

	output, err := handler(ctx, ec)
	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()

	if err != nil {
		msg := err.Error()
		return &models.StepResult{
			RunID:       ec.RunID,
			StepID:      ec.StepName,
			Status:      models.StepFailed,
			Error:       &msg,
			StartedAt:   started,
			CompletedAt: &completed,
			DurationMs:  &duration,
		}, fmt.Errorf("step %q: %w", ec.StepName, err)
	}

	return &models.StepResult{
		RunID:       ec.RunID,
		StepID:      ec.StepName,
		Status:      models.StepCompleted,
		Output:      output,
		StartedAt:   started,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}, nil
}
