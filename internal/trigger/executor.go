package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/models"
	"github.com/cronflow/cronflow/internal/workflow"
)

// runCreator is the narrow State Manager capability the Trigger
// Executor depends on.
type runCreator interface {
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	CreateRun(ctx context.Context, workflowID string, payload []byte) (*models.WorkflowRun, *workflow.StateMachine, error)
}

// jobSubmitter is the narrow Dispatcher capability the executor depends on.
type jobSubmitter interface {
	SubmitBatch(jobs []*models.Job) error
}

// Executor is the Trigger Executor: it turns a (workflow_id, payload)
// pair into a durable run with its initial jobs submitted to the
// Dispatcher.
type Executor struct {
	manager *Manager
	runs    runCreator
	jobs    jobSubmitter
	events  eventbus.Publisher
	logger  *zap.Logger
}

// NewExecutor constructs a Trigger Executor.
func NewExecutor(manager *Manager, runs runCreator, jobs jobSubmitter, events eventbus.Publisher, logger *zap.Logger) *Executor {
	return &Executor{
		manager: manager,
		runs:    runs,
		jobs:    jobs,
		events:  events,
		logger:  logger.With(zap.String("component", "trigger_executor")),
	}
}

// Execute loads and validates the workflow, creates a run, builds the
// initial job batch from the workflow's step graph, and submits it to
// the Dispatcher in one call.
func (e *Executor) Execute(ctx context.Context, workflowID string, payload []byte) (string, error) {
	def, err := e.runs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("trigger executor: unknown workflow %q: %w", workflowID, err)
	}

	run, _, err := e.runs.CreateRun(ctx, workflowID, payload)
	if err != nil {
		return "", fmt.Errorf("trigger executor: failed to create run: %w", err)
	}

	jobs := BuildInitialJobs(def, run.ID)
	if err := e.jobs.SubmitBatch(jobs); err != nil {
		return "", fmt.Errorf("trigger executor: failed to submit initial jobs: %w", err)
	}

	e.events.Publish(ctx, eventbus.Event{
		Type: "run.started", WorkflowID: workflowID, RunID: run.ID, OccurredAt: time.Now().UTC(),
	})

	return run.ID, nil
}

// BuildInitialJobs constructs one Job per workflow step, translating
// each step's depends_on step ids into the corresponding job ids for
// this run (job ids are deterministic: "<run_id>:<step_id>").
func BuildInitialJobs(def *models.WorkflowDefinition, runID string) []*models.Job {
	jobs := make([]*models.Job, 0, len(def.Steps))
	for _, step := range def.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, d := range step.DependsOn {
			deps = append(deps, jobID(runID, d))
		}
		jobs = append(jobs, &models.Job{
			ID:           jobID(runID, step.ID),
			WorkflowID:   def.ID,
			RunID:        runID,
			StepID:       step.ID,
			Action:       step.Action,
			State:        models.JobPending,
			Priority:     models.PriorityNormal,
			Retry:        step.Retry,
			Dependencies: deps,
			TimeoutMs:    step.TimeoutMs,
			CreatedAt:    time.Now().UTC(),
		})
	}
	return jobs
}

func jobID(runID, stepID string) string {
	return runID + ":" + stepID
}

// RegisterWorkflowTriggers is a thin pass-through kept on Executor so
// callers that only hold an *Executor (e.g. an admin API) can still
// (un)bind a workflow's triggers without reaching into the Manager.
func (e *Executor) RegisterWorkflowTriggers(def *models.WorkflowDefinition) error {
	return e.manager.RegisterWorkflowTriggers(def)
}

// UnregisterWorkflowTriggers removes every trigger bound to workflowID.
func (e *Executor) UnregisterWorkflowTriggers(workflowID string) {
	e.manager.UnregisterWorkflowTriggers(workflowID)
}

// NewRunID is exposed for callers (e.g. manual-trigger HTTP handlers)
// that need to pre-allocate an id before CreateRun is invoked.
func NewRunID() string { return uuid.NewString() }
