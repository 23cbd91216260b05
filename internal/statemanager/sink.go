package statemanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/models"
	"github.com/cronflow/cronflow/internal/workflow"
)

// HandleStepStarted marks a dequeued job's step Running in its run's
// state machine. A job for a run no longer active (already terminal and
// cleaned up) is silently ignored — its result is moot.
func (m *Manager) HandleStepStarted(ctx context.Context, job *models.Job) {
	ar, ok := m.lookupActive(job.RunID)
	if !ok {
		return
	}
	if err := ar.sm.MarkStepRunning(job.StepID); err != nil {
		m.logger.Warn("failed to mark step running",
			zap.String("run_id", job.RunID), zap.String("step_id", job.StepID), zap.Error(err))
	}
}

// HandleStepResult persists every attempt and drives the run's state
// machine. terminal distinguishes "failed this attempt, retrying" from
// "this step is truly done" (Completed, or Failed with no retries left).
func (m *Manager) HandleStepResult(ctx context.Context, job *models.Job, result *models.StepResult, terminal bool) {
	if result.RunID == "" {
		result.RunID = job.RunID
	}
	if result.StepID == "" {
		result.StepID = job.StepID
	}
	if err := m.store.AppendStepResult(ctx, result); err != nil {
		m.logger.Error("failed to persist step result",
			zap.String("run_id", job.RunID), zap.String("step_id", job.StepID), zap.Error(err))
	}

	ar, ok := m.lookupActive(job.RunID)
	if !ok {
		return
	}

	switch {
	case result.Status == models.StepCompleted:
		if err := ar.sm.MarkStepCompleted(job.StepID, result); err != nil {
			m.logger.Warn("failed to mark step completed", zap.Error(err))
		}
		m.events.Publish(ctx, stepEvent("step.completed", job, result))

	case terminal:
		errMsg := ""
		if result.Error != nil {
			errMsg = *result.Error
		}
		if err := ar.sm.MarkStepFailed(job.StepID, errMsg, result); err != nil {
			m.logger.Warn("failed to mark step failed", zap.Error(err))
		}
		m.events.Publish(ctx, stepEvent("step.failed", job, result))

	default:
		// Attempt failed but retries remain: HandleStepStarted moved the
		// step to Running, so ResetForRetry returns it to Pending, ready
		// for MarkStepRunning when the retried job is dequeued.
		if err := ar.sm.ResetForRetry(job.StepID); err != nil {
			m.logger.Warn("failed to reset step for retry", zap.Error(err))
		}
		m.events.Publish(ctx, stepEvent("step.retrying", job, result))
	}

	if state, settled := ar.sm.CheckCompletion(); settled {
		m.finalizeRun(ctx, job.RunID, state)
	}
}

func (m *Manager) lookupActive(runID string) (*activeRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.active[runID]
	return ar, ok
}

func (m *Manager) finalizeRun(ctx context.Context, runID string, state workflow.ExecutionState) {
	status := models.RunCompleted
	var runErr *string
	if state == workflow.ExecutionFailed {
		status = models.RunFailed
		msg := "one or more steps failed"
		runErr = &msg
	}
	if err := m.UpdateRunStatus(ctx, runID, status, runErr); err != nil {
		m.logger.Error("failed to persist terminal run status",
			zap.String("run_id", runID), zap.String("status", string(status)), zap.Error(err))
	}
}

func stepEvent(eventType string, job *models.Job, result *models.StepResult) eventbus.Event {
	return eventbus.Event{
		Type:       eventType,
		WorkflowID: job.WorkflowID,
		RunID:      job.RunID,
		StepID:     job.StepID,
		Status:     string(result.Status),
		OccurredAt: time.Now().UTC(),
	}
}
