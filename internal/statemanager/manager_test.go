package statemanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/cache"
	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/models"
	"github.com/cronflow/cronflow/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir()+"/cronflow.db", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, cache.NoopRunCache{}, eventbus.NoopPublisher{}, zap.NewNop())
}

func sampleWorkflow(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   id,
		Name: "sample",
		Steps: []models.StepDefinition{
			{ID: "a", Name: "step a", Action: "noop"},
			{ID: "b", Name: "step b", Action: "noop", DependsOn: []string{"a"}},
		},
	}
}

func TestRegisterAndGetWorkflow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	def := sampleWorkflow("wf-1")
	require.NoError(t, m.RegisterWorkflow(ctx, def))

	got, err := m.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "sample", got.Name)
	require.Len(t, got.Steps, 2)
}

func TestRegisterWorkflowRejectsCycle(t *testing.T) {
	m := newTestManager(t)
	def := &models.WorkflowDefinition{
		ID:   "wf-cycle",
		Name: "cyclic",
		Steps: []models.StepDefinition{
			{ID: "a", Name: "a", Action: "noop", DependsOn: []string{"b"}},
			{ID: "b", Name: "b", Action: "noop", DependsOn: []string{"a"}},
		},
	}
	err := m.RegisterWorkflow(context.Background(), def)
	require.Error(t, err)
}

func TestCreateRunBuildsActiveStateMachine(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterWorkflow(ctx, sampleWorkflow("wf-2")))

	run, sm, err := m.CreateRun(ctx, "wf-2", []byte(`{"x":1}`))
	require.NoError(t, err)
	require.Equal(t, models.RunRunning, run.Status)

	got, ok := m.GetStateMachine(run.ID)
	require.True(t, ok)
	require.Same(t, sm, got)

	ready := sm.GetReadySteps()
	require.Equal(t, []string{"a"}, ready)
}

func TestCreateRunUnknownWorkflowFails(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.CreateRun(context.Background(), "does-not-exist", nil)
	require.Error(t, err)
}

func TestHandleStepResultDrivesRunToCompletion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterWorkflow(ctx, sampleWorkflow("wf-3")))
	run, sm, err := m.CreateRun(ctx, "wf-3", nil)
	require.NoError(t, err)

	jobA := &models.Job{RunID: run.ID, WorkflowID: "wf-3", StepID: "a", Action: "noop"}
	m.HandleStepStarted(ctx, jobA)
	m.HandleStepResult(ctx, jobA, &models.StepResult{RunID: run.ID, StepID: "a", Status: models.StepCompleted}, true)

	require.Contains(t, sm.GetReadySteps(), "b")

	jobB := &models.Job{RunID: run.ID, WorkflowID: "wf-3", StepID: "b", Action: "noop"}
	m.HandleStepStarted(ctx, jobB)
	m.HandleStepResult(ctx, jobB, &models.StepResult{RunID: run.ID, StepID: "b", Status: models.StepCompleted}, true)

	require.Equal(t, models.RunCompleted, fetchRunStatus(t, m, run.ID))
}

// fetchRunStatus loads the run through GetRun; the test manager's run
// cache is a no-op, so the assertion exercises the Store write path.
func fetchRunStatus(t *testing.T, m *Manager, runID string) models.RunStatus {
	t.Helper()
	run, err := m.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run.Status
}

func TestHandleStepResultFailureCascadesToRunFailed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterWorkflow(ctx, sampleWorkflow("wf-4")))
	run, _, err := m.CreateRun(ctx, "wf-4", nil)
	require.NoError(t, err)

	jobA := &models.Job{RunID: run.ID, WorkflowID: "wf-4", StepID: "a", Action: "noop"}
	m.HandleStepStarted(ctx, jobA)
	errMsg := "boom"
	m.HandleStepResult(ctx, jobA, &models.StepResult{RunID: run.ID, StepID: "a", Status: models.StepFailed, Error: &errMsg}, true)

	got := fetchRunStatus(t, m, run.ID)
	require.Equal(t, models.RunFailed, got)
}

func TestPauseResumeAndCancelRun(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterWorkflow(ctx, sampleWorkflow("wf-5")))
	run, _, err := m.CreateRun(ctx, "wf-5", nil)
	require.NoError(t, err)

	require.NoError(t, m.PauseRun(run.ID))
	require.NoError(t, m.ResumeRun(run.ID))
	require.NoError(t, m.CancelRun(ctx, run.ID))

	got := fetchRunStatus(t, m, run.ID)
	require.Equal(t, models.RunCancelled, got)
}

func TestCleanupCompletedRunsEvictsTerminalRuns(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterWorkflow(ctx, sampleWorkflow("wf-6")))
	run, _, err := m.CreateRun(ctx, "wf-6", nil)
	require.NoError(t, err)
	require.NoError(t, m.CancelRun(ctx, run.ID))

	removed := m.CleanupCompletedRuns()
	require.Equal(t, 1, removed)

	_, ok := m.GetStateMachine(run.ID)
	require.False(t, ok)
}
