package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/executor"
	"github.com/cronflow/cronflow/internal/jobqueue"
	"github.com/cronflow/cronflow/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	results []recordedResult
}

type recordedResult struct {
	job      *models.Job
	result   *models.StepResult
	terminal bool
}

func (r *recordingSink) HandleStepStarted(ctx context.Context, job *models.Job) {}

func (r *recordingSink) HandleStepResult(ctx context.Context, job *models.Job, result *models.StepResult, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recordedResult{job: job, result: result, terminal: terminal})
}

func (r *recordingSink) snapshot() []recordedResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedResult(nil), r.results...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestDispatcherRunsJobToSuccess(t *testing.T) {
	q := jobqueue.New()
	sim := executor.NewSimulated()
	sink := &recordingSink{}
	d := New(Config{MinWorkers: 1, MaxWorkers: 1, WorkerTimeoutMs: 1000, RetryAttempts: 3, RetryBackoffMs: 10, MaxBackoffMs: 100}, q, sim, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Submit(&models.Job{ID: "job-1", RunID: "run-1", StepID: "a", Action: "noop", CreatedAt: time.Now()}))

	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
	results := sink.snapshot()
	require.True(t, results[0].terminal)
	require.Equal(t, models.StepCompleted, results[0].result.Status)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	q := jobqueue.New()
	sim := executor.NewSimulated()
	attempts := 0
	var mu sync.Mutex
	sim.Handlers["flaky"] = func(ctx context.Context, ec *executor.Context) ([]byte, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient failure")
		}
		return []byte(`{"ok":true}`), nil
	}

	sink := &recordingSink{}
	d := New(Config{MinWorkers: 1, MaxWorkers: 1, WorkerTimeoutMs: 1000, RetryAttempts: 3, RetryBackoffMs: 5, MaxBackoffMs: 50}, q, sim, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Submit(&models.Job{ID: "job-2", RunID: "run-2", StepID: "flaky", Action: "flaky", CreatedAt: time.Now()}))

	waitFor(t, 2*time.Second, func() bool {
		results := sink.snapshot()
		return len(results) == 3 && results[2].terminal
	})

	results := sink.snapshot()
	require.Equal(t, models.StepFailed, results[0].result.Status)
	require.Equal(t, models.StepFailed, results[1].result.Status)
	require.Equal(t, models.StepCompleted, results[2].result.Status)
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	q := jobqueue.New()
	sim := executor.NewSimulated()
	sim.Handlers["always-fails"] = func(ctx context.Context, ec *executor.Context) ([]byte, error) {
		return nil, errors.New("permanent failure")
	}

	sink := &recordingSink{}
	d := New(Config{MinWorkers: 1, MaxWorkers: 1, WorkerTimeoutMs: 1000, RetryAttempts: 2, RetryBackoffMs: 5, MaxBackoffMs: 20}, q, sim, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Submit(&models.Job{ID: "job-3", RunID: "run-3", StepID: "always-fails", Action: "always-fails", CreatedAt: time.Now()}))

	waitFor(t, 2*time.Second, func() bool {
		results := sink.snapshot()
		return len(results) == 2 && results[1].terminal
	})

	results := sink.snapshot()
	require.Equal(t, models.StepFailed, results[0].result.Status)
	require.Equal(t, models.StepFailed, results[1].result.Status)
	require.True(t, results[1].terminal)
}

func TestDispatcherTimesOutLongRunningStep(t *testing.T) {
	q := jobqueue.New()
	sim := executor.NewSimulated()
	sim.Handlers["slow"] = func(ctx context.Context, ec *executor.Context) ([]byte, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return []byte(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sink := &recordingSink{}
	d := New(Config{MinWorkers: 1, MaxWorkers: 1, WorkerTimeoutMs: 5000, RetryAttempts: 1, TimeoutScanEvery: 20 * time.Millisecond}, q, sim, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Submit(&models.Job{ID: "job-4", RunID: "run-4", StepID: "slow", Action: "slow", TimeoutMs: 50, CreatedAt: time.Now()}))

	waitFor(t, 2*time.Second, func() bool {
		results := sink.snapshot()
		return len(results) >= 1 && results[len(results)-1].terminal
	})

	// Give the slow handler's own goroutine time to unblock (ctx.Done
	// fires well before its 500ms sleep) and attempt its own finalization
	// so a regression that double-invokes handleFailure would show up
	// here as a second recorded result for the same job.
	time.Sleep(200 * time.Millisecond)

	results := sink.snapshot()
	require.Len(t, results, 1, "timed-out job must be finalized exactly once")
	last := results[len(results)-1]
	require.Equal(t, models.StepFailed, last.result.Status)
	require.True(t, last.terminal)
}
