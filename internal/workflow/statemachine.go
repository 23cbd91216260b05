package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/cronflow/cronflow/internal/models"
)

// ExecutionState is the lifecycle status of a StateMachine.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

func (s ExecutionState) terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// stepState tracks one step's progress through a run.
type stepState struct {
	definition  *models.StepDefinition
	status      models.StepStatus
	pendingDeps map[string]struct{}
	retryCount  int
	lastError   string
}

func (s *stepState) ready() bool {
	return s.status == models.StepPending && len(s.pendingDeps) == 0
}

// StateMachine tracks one active run's progress: which steps are ready,
// running, or terminal, and when the run itself has completed. One
// instance exists per active run, owned by the State Manager.
type StateMachine struct {
	mu sync.Mutex

	runID      string
	definition *models.WorkflowDefinition

	state ExecutionState

	steps           map[string]*stepState
	dependents      map[string][]string // step id -> steps that depend on it
	completedSteps  []*models.StepResult
	completedAt     *time.Time
	pausedForStepID string
}

// NewStateMachine constructs a machine in the Pending state; call
// Initialize to load step state and transition to Running.
func NewStateMachine(runID string, def *models.WorkflowDefinition) *StateMachine {
	return &StateMachine{
		runID:      runID,
		definition: def,
		state:      ExecutionPending,
		steps:      make(map[string]*stepState, len(def.Steps)),
	}
}

// Initialize constructs per-step state from the workflow definition and
// transitions Pending to Running. It is an error to call it twice.
func (sm *StateMachine) Initialize() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state != ExecutionPending {
		return fmt.Errorf("cannot initialize state machine in state %s", sm.state)
	}

	sm.dependents = make(map[string][]string, len(sm.definition.Steps))

	for i := range sm.definition.Steps {
		step := &sm.definition.Steps[i]
		deps := make(map[string]struct{}, len(step.DependsOn))
		for _, d := range step.DependsOn {
			deps[d] = struct{}{}
			sm.dependents[d] = append(sm.dependents[d], step.ID)
		}
		sm.steps[step.ID] = &stepState{
			definition:  step,
			status:      models.StepPending,
			pendingDeps: deps,
		}
	}

	sm.state = ExecutionRunning
	return nil
}

// State returns the current execution state.
func (sm *StateMachine) State() ExecutionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// GetReadySteps returns the ids of all steps whose dependencies are
// satisfied and that have not yet been dispatched. While the machine is
// Paused, no steps are surfaced as ready, even if they qualify.
func (sm *StateMachine) GetReadySteps() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state != ExecutionRunning {
		return nil
	}

	var ready []string
	for id, st := range sm.steps {
		if st.ready() {
			ready = append(ready, id)
		}
	}
	return ready
}

// ParallelGroups buckets the current ready steps by shared dependency
// set; groups of size >= 2 may be dispatched as one aggregate unit.
func (sm *StateMachine) ParallelGroups() map[string][]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	groups := make(map[string][]string)
	for id, st := range sm.steps {
		if !st.ready() {
			continue
		}
		deps := make([]string, 0, len(st.definition.DependsOn))
		deps = append(deps, st.definition.DependsOn...)
		key := depKey(deps)
		groups[key] = append(groups[key], id)
	}
	for key, ids := range groups {
		if len(ids) < 2 {
			delete(groups, key)
		}
	}
	return groups
}

// MarkStepRunning transitions a Pending step to Running.
func (sm *StateMachine) MarkStepRunning(stepID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.steps[stepID]
	if !ok {
		return fmt.Errorf("unknown step %q", stepID)
	}
	if st.status != models.StepPending {
		return fmt.Errorf("step %q is not pending (status=%s)", stepID, st.status)
	}
	st.status = models.StepRunning
	return nil
}

// MarkStepCompleted records a successful step result and releases any
// steps depending on it.
func (sm *StateMachine) MarkStepCompleted(stepID string, result *models.StepResult) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.steps[stepID]
	if !ok {
		return fmt.Errorf("unknown step %q", stepID)
	}
	st.status = models.StepCompleted
	sm.completedSteps = append(sm.completedSteps, result)
	sm.releaseDependents(stepID)

	if st.definition.PauseAfter && sm.state == ExecutionRunning {
		sm.state = ExecutionPaused
		sm.pausedForStepID = stepID
	}
	return nil
}

// MarkStepFailed records a terminal failure (retries exhausted) for a
// step. Every transitive dependent of the step is marked Skipped, since
// it can never become ready — without this, a run with a permanently
// failed dependency would never reach a terminal state.
func (sm *StateMachine) MarkStepFailed(stepID string, errMsg string, result *models.StepResult) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.steps[stepID]
	if !ok {
		return fmt.Errorf("unknown step %q", stepID)
	}
	st.status = models.StepFailed
	st.lastError = errMsg
	if result != nil {
		sm.completedSteps = append(sm.completedSteps, result)
	}

	sm.skipDependents(stepID)
	return nil
}

// skipDependents marks every step reachable from stepID via dependency
// edges as Skipped, so their pending_deps no longer block completion.
func (sm *StateMachine) skipDependents(stepID string) {
	queue := append([]string(nil), sm.dependents[stepID]...)
	seen := make(map[string]bool)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		st := sm.steps[id]
		if st == nil || st.status != models.StepPending {
			continue
		}
		st.status = models.StepSkipped
		queue = append(queue, sm.dependents[id]...)
	}
}

// IncrementRetry bumps a step's retry counter and returns the new count.
// The dispatcher's retry decision does not consult it; it counts
// attempts on the Job itself.
func (sm *StateMachine) IncrementRetry(stepID string) (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.steps[stepID]
	if !ok {
		return 0, fmt.Errorf("unknown step %q", stepID)
	}
	st.retryCount++
	return st.retryCount, nil
}

// ResetForRetry moves a failed step back to Pending so it becomes ready
// again (its dependencies are already satisfied since it previously ran).
func (sm *StateMachine) ResetForRetry(stepID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.steps[stepID]
	if !ok {
		return fmt.Errorf("unknown step %q", stepID)
	}
	st.status = models.StepPending
	st.lastError = ""
	return nil
}

func (sm *StateMachine) releaseDependents(completedID string) {
	for _, st := range sm.steps {
		delete(st.pendingDeps, completedID)
	}
}

// Pause transitions Running to Paused. Steps already in flight continue,
// but no new ready steps are surfaced until Resume is called.
func (sm *StateMachine) Pause() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state != ExecutionRunning {
		return fmt.Errorf("cannot pause from state %s", sm.state)
	}
	sm.state = ExecutionPaused
	return nil
}

// Resume transitions Paused back to Running.
func (sm *StateMachine) Resume() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state != ExecutionPaused {
		return fmt.Errorf("cannot resume from state %s", sm.state)
	}
	sm.state = ExecutionRunning
	sm.pausedForStepID = ""
	return nil
}

// Cancel transitions any non-terminal state to Cancelled. The caller is
// responsible for cancelling in-flight jobs via the Dispatcher; this
// method only updates the state machine's bookkeeping.
func (sm *StateMachine) Cancel() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.terminal() {
		return fmt.Errorf("cannot cancel terminal state %s", sm.state)
	}
	sm.state = ExecutionCancelled
	now := time.Now().UTC()
	sm.completedAt = &now
	return nil
}

// CheckCompletion transitions Running to Completed or Failed once every
// step has reached a terminal status. It is a no-op if steps remain in
// flight or the run is already terminal.
func (sm *StateMachine) CheckCompletion() (ExecutionState, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.terminal() || sm.state == ExecutionPaused {
		return sm.state, false
	}

	anyFailed := false
	for _, st := range sm.steps {
		switch st.status {
		case models.StepCompleted, models.StepSkipped:
			continue
		case models.StepFailed:
			anyFailed = true
			continue
		default:
			return sm.state, false
		}
	}

	if anyFailed {
		sm.state = ExecutionFailed
	} else {
		sm.state = ExecutionCompleted
	}
	now := time.Now().UTC()
	sm.completedAt = &now
	return sm.state, true
}

// CompletedSteps returns the chronological list of recorded step results.
func (sm *StateMachine) CompletedSteps() []*models.StepResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]*models.StepResult(nil), sm.completedSteps...)
}

// CompletedAt returns the timestamp the run reached a terminal state, if any.
func (sm *StateMachine) CompletedAt() *time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.completedAt
}

// StepStatus returns the current status of a single step.
func (sm *StateMachine) StepStatus(stepID string) (models.StepStatus, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st, ok := sm.steps[stepID]
	if !ok {
		return "", fmt.Errorf("unknown step %q", stepID)
	}
	return st.status, nil
}
