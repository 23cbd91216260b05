// Package executor defines the step-executor callback boundary: the
// plug-in capability a worker invokes to actually run a step's action.
// The core engine never interprets action strings itself; it is opaque
// dynamic dispatch delegated entirely to whatever StepExecutor the
// engine was constructed with.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cronflow/cronflow/internal/models"
)

// Metadata carries step-position and retry bookkeeping, plus a content
// checksum of the workflow definition so an external executor can
// detect it is holding a stale cached copy of the workflow.
type Metadata struct {
	StepIndex  int    `json:"step_index"`
	TotalSteps int    `json:"total_steps"`
	TimeoutMs  *int64 `json:"timeout,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Version    string `json:"version"`
	Checksum   string `json:"checksum"`
}

// Context is the JSON-shaped object handed to the step executor
// callback: everything it needs to run one step and nothing more.
type Context struct {
	RunID      string                     `json:"run_id"`
	WorkflowID string                     `json:"workflow_id"`
	StepName   string                     `json:"step_name"`
	Payload    json.RawMessage            `json:"payload"`
	Steps      map[string]*models.StepResult `json:"steps"`
	Services   map[string]interface{}     `json:"services"`
	Run        *models.WorkflowRun        `json:"run"`
	Metadata   Metadata                   `json:"metadata"`
}

// StepExecutor is the plug-in boundary: a single capability supplied at
// engine construction. It is a synchronous, blocking call — timeouts and
// cancellation are enforced by the dispatcher's timeout monitor, not
// cooperatively by the callback itself.
type StepExecutor interface {
	Execute(ctx context.Context, ec *Context) (*models.StepResult, error)
}

// StepExecutorFunc adapts a plain function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, ec *Context) (*models.StepResult, error)

// Execute implements StepExecutor.
func (f StepExecutorFunc) Execute(ctx context.Context, ec *Context) (*models.StepResult, error) {
	return f(ctx, ec)
}

// Checksum returns a SHA-256 hex digest of the canonical JSON encoding of
// a workflow's steps, used as Metadata.Checksum so a running executor
// can detect it is working against a stale cached workflow definition.
func Checksum(def *models.WorkflowDefinition) (string, error) {
	body, err := json.Marshal(def.Steps)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
