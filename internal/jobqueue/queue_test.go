package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronflow/cronflow/internal/models"
)

func newJob(id string, priority models.Priority, deps ...string) *models.Job {
	return &models.Job{
		ID:           id,
		Priority:     priority,
		Dependencies: deps,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestDequeuePrefersHigherPriority(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(newJob("low", models.PriorityLow)))
	require.NoError(t, q.Enqueue(newJob("high", models.PriorityHigh)))

	job, ok := q.Dequeue(nil)
	require.True(t, ok)
	require.Equal(t, "high", job.ID)
}

func TestDequeueRespectsDependencies(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(newJob("child", models.PriorityNormal, "parent")))

	_, ok := q.Dequeue(nil)
	require.False(t, ok, "child should not be ready until parent completes")

	completed := map[string]struct{}{"parent": {}}
	job, ok := q.Dequeue(completed)
	require.True(t, ok)
	require.Equal(t, "child", job.ID)
}

func TestDequeueBreaksTiesByAge(t *testing.T) {
	q := New()
	older := newJob("older", models.PriorityNormal)
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newJob("newer", models.PriorityNormal)

	require.NoError(t, q.Enqueue(newer))
	require.NoError(t, q.Enqueue(older))

	job, ok := q.Dequeue(nil)
	require.True(t, ok)
	require.Equal(t, "older", job.ID)
}

func TestCancelRemovesFromReadySet(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(newJob("a", models.PriorityNormal)))
	require.NoError(t, q.Cancel("a"))
	require.Equal(t, 0, q.Depth())

	_, ok := q.Dequeue(nil)
	require.False(t, ok)

	err := q.Cancel("a")
	require.Error(t, err, "cancelling an already-cancelled job should fail")
}

func TestCleanupRemovesTerminalJobs(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(newJob("a", models.PriorityNormal)))
	job, ok := q.Dequeue(nil)
	require.True(t, ok)
	q.Complete(job.ID)

	removed := q.Cleanup()
	require.Equal(t, 1, removed)

	_, ok = q.Get("a")
	require.False(t, ok)
}

func TestRequeueAfterFailure(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(newJob("a", models.PriorityNormal)))
	job, ok := q.Dequeue(nil)
	require.True(t, ok)

	require.NoError(t, q.Requeue(job))
	require.Equal(t, 1, q.Depth())

	again, ok := q.Dequeue(nil)
	require.True(t, ok)
	require.Equal(t, "a", again.ID)
}
