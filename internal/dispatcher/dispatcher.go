// Package dispatcher implements the worker pool that drains the job
// queue: a configurable number of OS-thread workers pull ready jobs,
// invoke the step executor callback, and apply the retry/backoff/timeout
// policy described by each job's retry configuration.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/executor"
	"github.com/cronflow/cronflow/internal/jobqueue"
	"github.com/cronflow/cronflow/internal/models"
	"github.com/cronflow/cronflow/internal/resilience"
)

// Config configures the worker pool, matching spec's dispatcher
// configuration contract.
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	WorkerTimeoutMs int64
	QueueSize       int

	RetryAttempts  int
	RetryBackoffMs int64
	MaxBackoffMs   int64
	RetryJitter    bool

	PollInterval     time.Duration
	ScaleInterval    time.Duration
	TimeoutScanEvery time.Duration
}

// ResultSink receives every recorded step result — including
// intermediate failed attempts that still have retries remaining — so
// the State Manager can persist them and drive the run's state machine.
type ResultSink interface {
	// HandleStepStarted fires once a job has been dequeued and before
	// the executor callback is invoked, so the run's state machine can
	// transition the step to Running.
	HandleStepStarted(ctx context.Context, job *models.Job)
	// HandleStepResult fires after every attempt. terminal is true when
	// the step has reached Completed, or Failed with no retries left.
	HandleStepResult(ctx context.Context, job *models.Job, result *models.StepResult, terminal bool)
}

// Stats is a snapshot of dispatcher-wide counters.
type Stats struct {
	TotalProcessed int64
	Successful     int64
	Failed         int64
	TimedOut       int64
	ActiveWorkers  int32
	BusyWorkers    int32
	QueueDepth     int
}

// Dispatcher owns the worker pool and the job queue it drains.
type Dispatcher struct {
	cfg      Config
	queue    *jobqueue.Queue
	exec     executor.StepExecutor
	sink     ResultSink
	breakers *resilience.ActionBreakerManager
	logger   *zap.Logger

	shutdown atomic.Bool
	wg       sync.WaitGroup

	activeWorkers int32
	busyWorkers   int32

	totalProcessed int64
	successful     int64
	failed         int64
	timedOut       int64

	inFlightMu sync.Mutex
	inFlight   map[string]*inFlightJob // job id -> tracking record, for the timeout monitor

	workersMu   sync.Mutex
	workerStops []chan struct{}
}

type inFlightJob struct {
	job       *models.Job
	startedAt time.Time
	timeoutMs int64
	cancel    func()

	// finalized guards against the job's own worker and the timeout
	// monitor both finalizing the same attempt: whichever side wins the
	// CompareAndSwap owns calling handleFailure/queue.Complete; the
	// other side's result is discarded.
	finalized atomic.Bool
}

// New constructs a Dispatcher. Call Start to spawn the worker pool and
// the timeout monitor.
func New(cfg Config, queue *jobqueue.Queue, exec executor.StepExecutor, sink ResultSink, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.ScaleInterval == 0 {
		cfg.ScaleInterval = 5 * time.Second
	}
	if cfg.TimeoutScanEvery == 0 {
		cfg.TimeoutScanEvery = time.Second
	}

	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		exec:     exec,
		sink:     sink,
		breakers: resilience.NewActionBreakerManager(logger),
		logger:   logger.With(zap.String("component", "dispatcher")),
		inFlight: make(map[string]*inFlightJob),
	}
}

// Start spawns min_workers worker goroutines, the timeout monitor, and
// the scaling loop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.MinWorkers; i++ {
		d.spawnWorker(ctx)
	}

	d.wg.Add(2)
	go d.timeoutMonitor(ctx)
	go d.scalingLoop(ctx)
}

// Stop signals all workers to finish their current job and exit, then
// waits for them to drain.
func (d *Dispatcher) Stop() {
	d.shutdown.Store(true)
	d.wg.Wait()
}

func (d *Dispatcher) spawnWorker(ctx context.Context) {
	stop := make(chan struct{})
	d.workersMu.Lock()
	d.workerStops = append(d.workerStops, stop)
	d.workersMu.Unlock()

	atomic.AddInt32(&d.activeWorkers, 1)
	d.wg.Add(1)
	go d.workerLoop(ctx, stop)
}

// Submit enqueues a job for dispatch.
func (d *Dispatcher) Submit(job *models.Job) error {
	return d.queue.Enqueue(job)
}

// SubmitBatch enqueues every job, stopping at the first error.
func (d *Dispatcher) SubmitBatch(jobs []*models.Job) error {
	for _, job := range jobs {
		if err := d.queue.Enqueue(job); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of pool-wide counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		TotalProcessed: atomic.LoadInt64(&d.totalProcessed),
		Successful:     atomic.LoadInt64(&d.successful),
		Failed:         atomic.LoadInt64(&d.failed),
		TimedOut:       atomic.LoadInt64(&d.timedOut),
		ActiveWorkers:  atomic.LoadInt32(&d.activeWorkers),
		BusyWorkers:    atomic.LoadInt32(&d.busyWorkers),
		QueueDepth:     d.queue.Depth(),
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, stop <-chan struct{}) {
	defer d.wg.Done()
	defer atomic.AddInt32(&d.activeWorkers, -1)

	for {
		if d.shutdown.Load() {
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		job, ok := d.queue.Dequeue(d.queue.CompletedIDs())
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		d.runJob(ctx, job)
	}
}

func (d *Dispatcher) runJob(ctx context.Context, job *models.Job) {
	atomic.AddInt32(&d.busyWorkers, 1)
	defer atomic.AddInt32(&d.busyWorkers, -1)

	d.sink.HandleStepStarted(ctx, job)

	timeoutMs := job.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = d.cfg.WorkerTimeoutMs
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	ij := d.trackInFlight(job, timeoutMs, cancel)
	defer d.untrackInFlight(job.ID)
	defer cancel()

	result, err := d.invokeWithRecovery(jobCtx, job)

	if !ij.finalized.CompareAndSwap(false, true) {
		// The timeout monitor already force-failed and requeued/failed
		// this job before the executor returned; its late result is
		// discarded rather than finalized a second time.
		d.logger.Debug("discarding late result for already-timed-out job", zap.String("job_id", job.ID))
		return
	}

	atomic.AddInt64(&d.totalProcessed, 1)

	if err == nil {
		d.queue.Complete(job.ID)
		atomic.AddInt64(&d.successful, 1)
		d.sink.HandleStepResult(ctx, job, result, true)
		return
	}

	d.handleFailure(ctx, job, result, err)
}

// invokeWithRecovery wraps the step executor call with a per-action
// circuit breaker and a panic guard: a panicking executor fails only the
// job that triggered it, the worker itself survives.
func (d *Dispatcher) invokeWithRecovery(ctx context.Context, job *models.Job) (result *models.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic in step executor: %v", r)
			result = &models.StepResult{
				RunID:  job.RunID,
				StepID: job.StepID,
				Status: models.StepFailed,
				Error:  &msg,
			}
			err = fmt.Errorf("%s", msg)
			d.logger.Error("step executor panicked",
				zap.String("job_id", job.ID), zap.String("step_id", job.StepID), zap.Any("panic", r))
		}
	}()

	breaker := d.breakers.GetOrCreate(job.Action, resilience.ActionBreakerConfig(job.Action))

	out, cbErr := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		ec := &executor.Context{
			RunID:      job.RunID,
			WorkflowID: job.WorkflowID,
			StepName:   job.StepID,
			Payload:    json.RawMessage(job.Payload),
			Metadata: executor.Metadata{
				RetryCount: job.AttemptCount,
			},
		}
		return d.exec.Execute(ctx, ec)
	})
	if cbErr != nil {
		if out != nil {
			return out.(*models.StepResult), cbErr
		}
		msg := cbErr.Error()
		return &models.StepResult{RunID: job.RunID, StepID: job.StepID, Status: models.StepFailed, Error: &msg}, cbErr
	}
	return out.(*models.StepResult), nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, job *models.Job, result *models.StepResult, cause error) {
	job.AttemptCount++
	maxAttempts := d.cfg.RetryAttempts
	if job.Retry != nil && job.Retry.MaxAttempts > 0 {
		maxAttempts = job.Retry.MaxAttempts
	}

	if job.AttemptCount < maxAttempts {
		job.LastError = cause.Error()
		d.sink.HandleStepResult(ctx, job, result, false)

		delay := d.backoffDelay(job)
		go func() {
			time.Sleep(delay)
			if d.shutdown.Load() {
				return
			}
			if err := d.queue.Requeue(job); err != nil {
				d.logger.Error("failed to requeue job for retry", zap.String("job_id", job.ID), zap.Error(err))
			}
		}()
		return
	}

	d.queue.Fail(job.ID, cause.Error())
	atomic.AddInt64(&d.failed, 1)
	d.sink.HandleStepResult(ctx, job, result, true)
}

// backoffDelay computes exponential backoff capped at max_backoff_ms,
// applying +/-25% uniform jitter when configured.
func (d *Dispatcher) backoffDelay(job *models.Job) time.Duration {
	backoffMs := d.cfg.RetryBackoffMs
	maxBackoffMs := d.cfg.MaxBackoffMs
	jitter := d.cfg.RetryJitter
	if job.Retry != nil {
		if job.Retry.BackoffMs > 0 {
			backoffMs = job.Retry.BackoffMs
		}
	}

	delay := float64(backoffMs) * math.Pow(2, float64(job.AttemptCount-1))
	if maxBackoffMs > 0 && delay > float64(maxBackoffMs) {
		delay = float64(maxBackoffMs)
	}

	if jitter {
		// +/-25% uniform multiplicative jitter.
		factor := 0.75 + rand.Float64()*0.5
		delay *= factor
	}

	return time.Duration(delay) * time.Millisecond
}

func (d *Dispatcher) trackInFlight(job *models.Job, timeoutMs int64, cancel func()) *inFlightJob {
	ij := &inFlightJob{job: job, startedAt: time.Now().UTC(), timeoutMs: timeoutMs, cancel: cancel}
	d.inFlightMu.Lock()
	d.inFlight[job.ID] = ij
	d.inFlightMu.Unlock()
	return ij
}

func (d *Dispatcher) untrackInFlight(jobID string) {
	d.inFlightMu.Lock()
	defer d.inFlightMu.Unlock()
	delete(d.inFlight, jobID)
}

// timeoutMonitor periodically scans running jobs and force-fails any
// whose deadline has elapsed; the worker's eventual result for that job
// is discarded, since the monitor has already finalized that attempt
// (see inFlightJob.finalized).
func (d *Dispatcher) timeoutMonitor(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TimeoutScanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.shutdown.Load() {
				return
			}
			d.scanTimeouts(ctx)
		}
	}
}

func (d *Dispatcher) scanTimeouts(ctx context.Context) {
	now := time.Now().UTC()

	d.inFlightMu.Lock()
	var expired []*inFlightJob
	for _, ij := range d.inFlight {
		if now.Sub(ij.startedAt) > time.Duration(ij.timeoutMs)*time.Millisecond {
			expired = append(expired, ij)
		}
	}
	d.inFlightMu.Unlock()

	for _, ij := range expired {
		ij.cancel()

		if !ij.finalized.CompareAndSwap(false, true) {
			// The worker already returned and finalized this attempt
			// itself between the scan and this point; nothing to do.
			continue
		}

		atomic.AddInt64(&d.timedOut, 1)
		atomic.AddInt64(&d.totalProcessed, 1)
		msg := "step execution timed out"
		result := &models.StepResult{
			RunID:  ij.job.RunID,
			StepID: ij.job.StepID,
			Status: models.StepFailed,
			Error:  &msg,
		}
		d.handleFailure(ctx, ij.job, result, fmt.Errorf(msg))
	}
}

// scalingLoop grows the pool when queue depth outpaces active workers
// and shrinks it back down when idle, bounded by min/max workers.
func (d *Dispatcher) scalingLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.shutdown.Load() {
				return
			}
			d.rescale(ctx)
		}
	}
}

func (d *Dispatcher) rescale(ctx context.Context) {
	depth := d.queue.Depth()
	active := int(atomic.LoadInt32(&d.activeWorkers))

	if depth > 2*active && active < d.cfg.MaxWorkers {
		d.spawnWorker(ctx)
		d.logger.Debug("scaled worker pool up", zap.Int("queue_depth", depth), zap.Int("active_workers", active+1))
		return
	}

	if depth == 0 && active > d.cfg.MinWorkers {
		d.stopOneWorker()
		d.logger.Debug("scaled worker pool down", zap.Int("active_workers", active-1))
	}
}

// stopOneWorker signals the most recently spawned worker to exit once it
// is between jobs, bounding shrink to one worker per scaling interval.
func (d *Dispatcher) stopOneWorker() {
	d.workersMu.Lock()
	defer d.workersMu.Unlock()

	if len(d.workerStops) == 0 {
		return
	}
	last := len(d.workerStops) - 1
	close(d.workerStops[last])
	d.workerStops = d.workerStops[:last]
}
