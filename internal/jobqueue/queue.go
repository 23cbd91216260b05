// Package jobqueue implements the dispatcher's in-memory job queue: a
// priority heap gated by dependency completion, so a job never becomes
// dequeue-able until every job it depends on has finished.
package jobqueue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/cronflow/cronflow/internal/models"
)

// item wraps a Job for storage in the internal heap, tracking its index
// so container/heap can support O(log n) removal by identity.
type item struct {
	job   *models.Job
	index int
}

// innerHeap orders ready candidates by priority desc, then created_at asc.
type innerHeap []*item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Stats is a snapshot of queue-level counters.
type Stats struct {
	Depth        int
	TotalEnqueued int64
	TotalDequeued int64
	Cancelled     int64
}

// Queue is the dispatcher's priority queue: jobs waiting to be dequeued
// live in a heap; jobs currently running or in a terminal state stay in
// an id-indexed map so Cancel and state queries still find them.
type Queue struct {
	mu sync.Mutex

	waiting innerHeap
	byID    map[string]*item // waiting jobs, keyed by id
	all     map[string]*models.Job
	completedIDs map[string]struct{} // survives Cleanup, for dependency gating

	totalEnqueued int64
	totalDequeued int64
	cancelled     int64
}

// New constructs an empty job queue.
func New() *Queue {
	return &Queue{
		byID:         make(map[string]*item),
		all:          make(map[string]*models.Job),
		completedIDs: make(map[string]struct{}),
	}
}

// CompletedIDs returns a snapshot of job ids that have reached Completed,
// for use as the completed-set argument to Dequeue.
func (q *Queue) CompletedIDs() map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]struct{}, len(q.completedIDs))
	for id := range q.completedIDs {
		out[id] = struct{}{}
	}
	return out
}

// Enqueue validates and adds a job to the waiting set in Pending state.
func (q *Queue) Enqueue(job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("jobqueue: job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityNormal
	}
	if job.State == "" {
		job.State = models.JobPending
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.all[job.ID]; exists {
		return fmt.Errorf("jobqueue: job %q already enqueued", job.ID)
	}

	it := &item{job: job}
	heap.Push(&q.waiting, it)
	q.byID[job.ID] = it
	q.all[job.ID] = job
	q.totalEnqueued++
	return nil
}

// Dequeue returns the highest-priority job whose dependencies are all
// present in completed, and whose state is Pending or Retrying. Ties are
// broken by the oldest created_at. It returns (nil, false) when nothing
// is ready.
func (q *Queue) Dequeue(completed map[string]struct{}) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	bestIdx := -1
	for i, it := range q.waiting {
		job := it.job
		if job.State != models.JobPending && job.State != models.JobRetrying {
			continue
		}
		if !dependenciesSatisfied(job, completed) {
			continue
		}
		if bestIdx == -1 || q.waiting.Less(i, bestIdx) {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil, false
	}

	it := heap.Remove(&q.waiting, bestIdx).(*item)
	delete(q.byID, it.job.ID)
	it.job.State = models.JobRunning
	now := time.Now().UTC()
	it.job.StartedAt = &now
	q.totalDequeued++
	return it.job, true
}

func dependenciesSatisfied(job *models.Job, completed map[string]struct{}) bool {
	for _, dep := range job.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Requeue puts a job that failed an attempt back into the waiting set
// with state Retrying, for a later Dequeue once its backoff delay elapses.
// The caller (dispatcher) is responsible for honoring the delay before
// calling this.
func (q *Queue) Requeue(job *models.Job) error {
	job.State = models.JobRetrying

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[job.ID]; exists {
		return fmt.Errorf("jobqueue: job %q is already waiting", job.ID)
	}
	it := &item{job: job}
	heap.Push(&q.waiting, it)
	q.byID[job.ID] = it
	q.all[job.ID] = job
	return nil
}

// Complete marks a running job Completed and removes it from bookkeeping
// after the caller has recorded its result.
func (q *Queue) Complete(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.all[jobID]; ok {
		job.State = models.JobCompleted
		now := time.Now().UTC()
		job.CompletedAt = &now
		q.completedIDs[jobID] = struct{}{}
	}
}

// Fail marks a running (or exhausted-retry) job Failed.
func (q *Queue) Fail(jobID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.all[jobID]; ok {
		job.State = models.JobFailed
		job.LastError = reason
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
}

// Cancel transitions a Pending/Running/Retrying job to Cancelled and
// removes it from the ready set if it was still waiting.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.all[jobID]
	if !ok {
		return fmt.Errorf("jobqueue: unknown job %q", jobID)
	}
	switch job.State {
	case models.JobPending, models.JobRunning, models.JobRetrying:
		job.State = models.JobCancelled
		now := time.Now().UTC()
		job.CompletedAt = &now
		q.cancelled++
	default:
		return fmt.Errorf("jobqueue: job %q is already terminal (%s)", jobID, job.State)
	}

	if it, waiting := q.byID[jobID]; waiting {
		heap.Remove(&q.waiting, it.index)
		delete(q.byID, jobID)
	}
	return nil
}

// CancelByRun cancels every non-terminal job belonging to runID, used by
// StateMachine.Cancel to stop further dispatch of a cancelled run's
// pending work. In-flight jobs already dequeued are marked Cancelled
// here too, but the dispatcher does not check for cancellation: their
// eventual result is still handed to its ResultSink.
func (q *Queue) CancelByRun(runID string) int {
	q.mu.Lock()
	ids := make([]string, 0)
	for id, job := range q.all {
		if job.RunID != runID {
			continue
		}
		switch job.State {
		case models.JobPending, models.JobRunning, models.JobRetrying:
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		_ = q.Cancel(id)
	}
	return len(ids)
}

// Cleanup removes terminal job entries from bookkeeping, bounding the
// queue's memory use across a long-lived process.
func (q *Queue) Cleanup() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, job := range q.all {
		switch job.State {
		case models.JobCompleted, models.JobFailed, models.JobCancelled:
			delete(q.all, id)
			removed++
		}
	}
	return removed
}

// Depth returns the count of jobs currently waiting to be dequeued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// StatsSnapshot returns a point-in-time copy of queue counters.
func (q *Queue) StatsSnapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:         len(q.waiting),
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		Cancelled:     q.cancelled,
	}
}

// Get returns a job by id regardless of its current state.
func (q *Queue) Get(jobID string) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.all[jobID]
	return job, ok
}
