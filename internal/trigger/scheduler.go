package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// manualExecutor is the narrow capability the Scheduler needs: fire a
// run for a workflow given a raw JSON payload.
type manualExecutor interface {
	Execute(ctx context.Context, workflowID string, payload []byte) (string, error)
}

// Scheduler is a cooperative periodic task: on each tick it asks the
// Trigger Manager which schedules are due and hands each one to the
// Trigger Executor with a synthetic payload. It intentionally does not
// use cron.Cron's own goroutine-per-job scheduling — the ±60s
// should_run window and last_run bookkeeping live in the Trigger
// Manager, not in a third-party scheduler loop.
type Scheduler struct {
	manager  *Manager
	executor manualExecutor
	tick     time.Duration
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewScheduler constructs a Scheduler. tick defaults to 30s if zero.
func NewScheduler(manager *Manager, executor manualExecutor, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		manager:  manager,
		executor: executor,
		tick:     tick,
		logger:   logger.With(zap.String("component", "scheduler")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the tick loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.runTick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	due := s.manager.CollectDue(now)
	for _, d := range due {
		payload, err := buildSchedulePayload(d)
		if err != nil {
			s.logger.Error("failed to build schedule payload", zap.String("trigger_id", d.TriggerID), zap.Error(err))
			continue
		}

		runID, err := s.executor.Execute(ctx, d.WorkflowID, payload)
		if err != nil {
			s.logger.Error("failed to execute scheduled trigger",
				zap.String("trigger_id", d.TriggerID), zap.String("workflow_id", d.WorkflowID), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled trigger fired",
			zap.String("trigger_id", d.TriggerID), zap.String("workflow_id", d.WorkflowID), zap.String("run_id", runID))
	}
}

// buildSchedulePayload constructs the synthetic trigger payload passed
// to a scheduled run, built up field-by-field with sjson rather than a
// struct literal so it composes the same way a webhook payload
// augmented with trigger metadata would.
func buildSchedulePayload(d DueSchedule) ([]byte, error) {
	payload, err := sjson.SetBytes(nil, "trigger_type", "schedule")
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "trigger_id", d.TriggerID)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "scheduled_at", d.ScheduledAt.Format(time.RFC3339))
}
