package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/models"
	"github.com/cronflow/cronflow/internal/workflow"
)

type fakeRunCreator struct {
	def     *models.WorkflowDefinition
	created []string
}

func (f *fakeRunCreator) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	if f.def == nil || f.def.ID != id {
		return nil, errNotFound
	}
	return f.def, nil
}

func (f *fakeRunCreator) CreateRun(ctx context.Context, workflowID string, payload []byte) (*models.WorkflowRun, *workflow.StateMachine, error) {
	run := &models.WorkflowRun{ID: "run-" + workflowID, WorkflowID: workflowID, Status: models.RunRunning}
	sm := workflow.NewStateMachine(run.ID, f.def)
	if err := sm.Initialize(); err != nil {
		return nil, nil, err
	}
	f.created = append(f.created, run.ID)
	return run, sm, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errNotFound = errString("not found")

type fakeJobSubmitter struct {
	submitted [][]*models.Job
}

func (f *fakeJobSubmitter) SubmitBatch(jobs []*models.Job) error {
	f.submitted = append(f.submitted, jobs)
	return nil
}

func TestExecutorBuildsRunAndSubmitsInitialJobs(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:   "wf-1",
		Name: "sample",
		Steps: []models.StepDefinition{
			{ID: "a", Name: "a", Action: "noop"},
			{ID: "b", Name: "b", Action: "noop", DependsOn: []string{"a"}},
		},
	}
	runs := &fakeRunCreator{def: def}
	jobs := &fakeJobSubmitter{}
	exec := NewExecutor(NewManager(), runs, jobs, eventbus.NoopPublisher{}, zap.NewNop())

	runID, err := exec.Execute(context.Background(), "wf-1", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "run-wf-1", runID)

	require.Len(t, jobs.submitted, 1)
	batch := jobs.submitted[0]
	require.Len(t, batch, 2)

	var jobA, jobB *models.Job
	for _, j := range batch {
		if j.StepID == "a" {
			jobA = j
		}
		if j.StepID == "b" {
			jobB = j
		}
	}
	require.NotNil(t, jobA)
	require.NotNil(t, jobB)
	require.Empty(t, jobA.Dependencies)
	require.Equal(t, []string{runID + ":a"}, jobB.Dependencies)
}

func TestExecutorRejectsUnknownWorkflow(t *testing.T) {
	runs := &fakeRunCreator{}
	jobs := &fakeJobSubmitter{}
	exec := NewExecutor(NewManager(), runs, jobs, eventbus.NoopPublisher{}, zap.NewNop())

	_, err := exec.Execute(context.Background(), "does-not-exist", nil)
	require.Error(t, err)
}
