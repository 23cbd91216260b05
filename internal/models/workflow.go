// Package models holds the data types shared across the engine: workflow
// definitions, runs, step results and the transient job representation the
// dispatcher works with.
package models

import "time"

// RetryPolicy configures per-step retry behavior.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts" validate:"required,min=1"`
	BackoffMs   int64 `json:"backoff_ms" validate:"required,min=1"`
}

// StepDefinition is one node in a workflow's dependency graph.
type StepDefinition struct {
	ID         string       `json:"id" validate:"required"`
	Name       string       `json:"name" validate:"required"`
	Action     string       `json:"action" validate:"required"`
	TimeoutMs  int64        `json:"timeout_ms,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
	DependsOn  []string     `json:"depends_on,omitempty"`
	PauseAfter bool         `json:"pause_after,omitempty"`
}

// TriggerKind identifies the tagged variant of a TriggerDefinition.
type TriggerKind string

const (
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// ValidationConfig configures HMAC verification for a webhook trigger.
type ValidationConfig struct {
	Secret            string   `json:"secret,omitempty"`
	SignatureHeader   string   `json:"signature_header,omitempty"`
	SignatureAlgorithm string  `json:"signature_algorithm,omitempty" validate:"omitempty,oneof=sha1 sha256"`
	RequiredFields    []string `json:"required_fields,omitempty"`
}

// TriggerDefinition is a tagged union over the three trigger kinds the
// engine supports. Only the fields relevant to Kind are populated.
type TriggerDefinition struct {
	Kind TriggerKind `json:"kind" validate:"required,oneof=webhook schedule manual"`

	// Webhook fields.
	Path       string            `json:"path,omitempty"`
	Method     string            `json:"method,omitempty"`
	Validation *ValidationConfig `json:"validation,omitempty"`

	// Schedule fields.
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// WorkflowDefinition is immutable once registered.
type WorkflowDefinition struct {
	ID          string               `json:"id" db:"id" validate:"required"`
	Name        string               `json:"name" db:"name" validate:"required"`
	Description string               `json:"description,omitempty" db:"description"`
	Steps       []StepDefinition     `json:"steps" validate:"required,min=1,dive"`
	Triggers    []TriggerDefinition  `json:"triggers,omitempty" validate:"dive"`
	CreatedAt   time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at" db:"updated_at"`
}

// StepByID returns the step definition with the given id, if present.
func (w *WorkflowDefinition) StepByID(id string) (*StepDefinition, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// RunStatus is the lifecycle status of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRun is one execution of a WorkflowDefinition with a specific payload.
type WorkflowRun struct {
	ID          string     `json:"id" db:"id"`
	WorkflowID  string     `json:"workflow_id" db:"workflow_id"`
	Status      RunStatus  `json:"status" db:"status"`
	Payload     []byte     `json:"payload" db:"payload"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Error       *string    `json:"error,omitempty" db:"error"`
}

// StepStatus is the lifecycle status of a StepResult or a Job.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is one append-only record of a step attempt.
type StepResult struct {
	ID          int64      `json:"id,omitempty" db:"id"`
	RunID       string     `json:"run_id" db:"run_id"`
	StepID      string     `json:"step_id" db:"step_id"`
	Status      StepStatus `json:"status" db:"status"`
	Output      []byte     `json:"output,omitempty" db:"output"`
	Error       *string    `json:"error,omitempty" db:"error"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
}

// JobState is the lifecycle status of a Job as seen by the dispatcher.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobRetrying  JobState = "retrying"
)

// Priority ranks jobs for dequeue ordering; higher values win.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Job is one attempt to execute a step, transient and owned by the
// JobQueue until dequeued, then by the worker until its result is recorded.
type Job struct {
	ID           string
	WorkflowID   string
	RunID        string
	StepID       string
	Action       string
	State        JobState
	Priority     Priority
	Payload      []byte
	Retry        *RetryPolicy
	Dependencies []string // job ids that must be Completed before this job is ready
	TimeoutMs    int64

	AttemptCount int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastError    string
}
