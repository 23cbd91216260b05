// Package statemanager implements the single mutation point over the
// Store: workflow registration, run lifecycle, and step result
// persistence, all serialized behind short-held exclusive guards so the
// worker pool can call in from many goroutines safely.
package statemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/cache"
	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/models"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/workflow"
)

// JobCanceller is the narrow dispatcher capability the Manager needs to
// cancel in-flight work when a run is cancelled.
type JobCanceller interface {
	CancelByRun(runID string) int
}

// activeRun bundles a run's state machine with the workflow definition
// it was built from, so step results can be interpreted without a Store
// round-trip on every callback.
type activeRun struct {
	def *models.WorkflowDefinition
	sm  *workflow.StateMachine
}

// Manager is the State Manager: the single mutation point over the
// Store, fronted by an optional Redis read cache and an in-memory
// registry of active (non-terminal) runs.
type Manager struct {
	mu sync.Mutex

	store     *store.Store
	runCache  cache.RunCache
	events    eventbus.Publisher
	canceller JobCanceller
	validator *validator.Validate
	logger    *zap.Logger

	active map[string]*activeRun
}

// New constructs a Manager. SetCanceller must be called once the
// dispatcher exists, since the Manager and Dispatcher are constructed
// in opposite dependency order during startup.
func New(st *store.Store, runCache cache.RunCache, events eventbus.Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		store:     st,
		runCache:  runCache,
		events:    events,
		validator: validator.New(),
		logger:    logger.With(zap.String("component", "state_manager")),
		active:    make(map[string]*activeRun),
	}
}

// SetCanceller wires the dispatcher capability used by CancelRun.
func (m *Manager) SetCanceller(c JobCanceller) {
	m.canceller = c
}

// RegisterWorkflow validates a workflow's shape and dependency graph,
// then persists it. No partial writes: validation runs entirely before
// the Store is touched.
func (m *Manager) RegisterWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := m.validator.Struct(def); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}
	if err := workflow.ValidateDAG(def); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}
	if err := m.store.UpsertWorkflow(ctx, def); err != nil {
		return err
	}
	return nil
}

// GetWorkflow loads a registered workflow definition by id.
func (m *Manager) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return m.store.GetWorkflow(ctx, id)
}

// CreateRun inserts a new run in Pending state, initializes a state
// machine for it, moves the run to Running and registers it as active;
// the returned run is Running. It fails with a wrapped store.ErrNotFound
// if the workflow is unknown.
func (m *Manager) CreateRun(ctx context.Context, workflowID string, payload []byte) (*models.WorkflowRun, *workflow.StateMachine, error) {
	def, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow %q not found: %w", workflowID, err)
	}

	run := &models.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     models.RunPending,
		Payload:    payload,
		StartedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertRun(ctx, run); err != nil {
		return nil, nil, err
	}

	sm := workflow.NewStateMachine(run.ID, def)
	if err := sm.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize run: %w", err)
	}
	run.Status = models.RunRunning
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.active[run.ID] = &activeRun{def: def, sm: sm}
	m.mu.Unlock()

	m.events.Publish(ctx, eventbus.Event{
		Type: "run.started", WorkflowID: workflowID, RunID: run.ID,
		Status: string(models.RunRunning), OccurredAt: time.Now().UTC(),
	})

	return run, sm, nil
}

// GetRun serves a run from the Redis cache first, then the Store,
// populating the cache on a Store hit.
func (m *Manager) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	if run, ok := m.runCache.GetRun(ctx, runID); ok {
		return run, nil
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	m.runCache.SetRun(ctx, run)
	return run, nil
}

// GetStateMachine returns the active state machine for a run, if it is
// still in memory (non-terminal or not yet cleaned up).
func (m *Manager) GetStateMachine(runID string) (*workflow.StateMachine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.active[runID]
	if !ok {
		return nil, false
	}
	return ar.sm, true
}

// UpdateRunStatus persists a status transition, setting completed_at
// when the new status is terminal, and invalidates the run cache entry.
func (m *Manager) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, runErr *string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = status
	run.Error = runErr
	if status.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	m.runCache.InvalidateRun(ctx, runID)

	m.events.Publish(ctx, eventbus.Event{
		Type: "run." + string(status), WorkflowID: run.WorkflowID, RunID: runID,
		Status: string(status), OccurredAt: time.Now().UTC(),
	})
	return nil
}

// GetCompletedSteps returns the chronological step result history for a run.
func (m *Manager) GetCompletedSteps(ctx context.Context, runID string) ([]*models.StepResult, error) {
	return m.store.GetStepResultsByRun(ctx, runID)
}

// PauseRun pauses the active run's state machine.
func (m *Manager) PauseRun(runID string) error {
	sm, ok := m.GetStateMachine(runID)
	if !ok {
		return fmt.Errorf("run %q is not active", runID)
	}
	return sm.Pause()
}

// ResumeRun resumes a paused run's state machine.
func (m *Manager) ResumeRun(runID string) error {
	sm, ok := m.GetStateMachine(runID)
	if !ok {
		return fmt.Errorf("run %q is not active", runID)
	}
	return sm.Resume()
}

// CancelRun cancels the run's state machine and every non-terminal job
// belonging to it. In-flight jobs still complete and their results are
// persisted, but they do not change the run's outcome: a cancelled state
// machine never settles again in CheckCompletion.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	sm, ok := m.GetStateMachine(runID)
	if !ok {
		return fmt.Errorf("run %q is not active", runID)
	}
	if err := sm.Cancel(); err != nil {
		return err
	}
	if m.canceller != nil {
		m.canceller.CancelByRun(runID)
	}
	return m.UpdateRunStatus(ctx, runID, models.RunCancelled, nil)
}

// CleanupCompletedRuns evicts terminal runs from the in-memory active
// registry; persisted history in the Store is untouched.
func (m *Manager) CleanupCompletedRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ar := range m.active {
		if isTerminal(ar.sm) {
			delete(m.active, id)
			removed++
		}
	}
	return removed
}

func isTerminal(sm *workflow.StateMachine) bool {
	switch sm.State() {
	case workflow.ExecutionCompleted, workflow.ExecutionFailed, workflow.ExecutionCancelled:
		return true
	default:
		return false
	}
}
