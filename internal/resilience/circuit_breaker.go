// Package resilience provides a circuit breaker used by the dispatcher
// to isolate a systemically broken step action from the rest of the
// worker pool: once an action's failure rate trips the breaker, new
// attempts for that action fail fast instead of occupying a worker for
// the full step timeout.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the current state of an ActionBreaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// TripFunc decides whether an action's accumulated Counts warrant
// tripping the breaker open.
type TripFunc func(counts Counts) bool

// StateChangeFunc is notified whenever a breaker transitions state, so
// callers (e.g. the dispatcher's metrics) can mirror it externally.
type StateChangeFunc func(action string, from, to BreakerState)

// BreakerConfig configures a single action's circuit breaker.
type BreakerConfig struct {
	Action string

	MaxRequests uint32        // half-open probe budget
	Interval    time.Duration // statistical window while closed
	Timeout     time.Duration // time to wait before probing half-open

	// MinimumThroughputThreshold is the request count below which the
	// breaker never trips, regardless of failure rate — avoids flapping
	// open on a single failure for a rarely-invoked action.
	MinimumThroughputThreshold uint32

	ShouldTrip    TripFunc
	OnStateChange StateChangeFunc
}

// ActionBreakerConfig returns sane per-action defaults for the
// dispatcher: a short statistical window, a half-open probe budget of
// one request at a time, and a recovery timeout in line with typical
// step retry backoffs.
func ActionBreakerConfig(action string) BreakerConfig {
	return BreakerConfig{
		Action:                     action,
		MaxRequests:                1,
		Interval:                   time.Minute,
		Timeout:                    30 * time.Second,
		MinimumThroughputThreshold: 5,
	}
}

// Counts holds the per-generation tally of attempts for an action.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerMetrics is a point-in-time snapshot of an ActionBreaker,
// exposed for operational introspection (logging, or a metrics exporter).
type BreakerMetrics struct {
	Action              string
	State               BreakerState
	Counts              Counts
	FailureRate         float64
	AverageResponseTime time.Duration
	LastFailureTime     time.Time
	LastSuccessTime     time.Time
}

// ActionBreaker is a circuit breaker scoped to one step action: it
// trips when that action's failure rate crosses its threshold, so a
// broken downstream dependency for one action can't starve the worker
// pool of time that other, healthy actions need.
type ActionBreaker struct {
	action      string
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration

	minThroughputThreshold uint32
	shouldTrip             TripFunc
	onStateChange          StateChangeFunc

	mutex      sync.Mutex
	state      BreakerState
	generation uint64
	counts     Counts
	expiry     time.Time

	lastFailure time.Time
	lastSuccess time.Time

	responseTimeSum   int64
	responseTimeCount int64

	logger *zap.Logger
}

// NewActionBreaker creates a breaker for a single action.
func NewActionBreaker(config BreakerConfig, logger *zap.Logger) *ActionBreaker {
	cb := &ActionBreaker{
		action:                 config.Action,
		maxRequests:            config.MaxRequests,
		interval:               config.Interval,
		timeout:                config.Timeout,
		minThroughputThreshold: config.MinimumThroughputThreshold,
		shouldTrip:             config.ShouldTrip,
		onStateChange:          config.OnStateChange,
		state:                  StateClosed,
		logger:                 logger.With(zap.String("component", "circuit_breaker"), zap.String("action", config.Action)),
	}

	if cb.shouldTrip == nil {
		cb.shouldTrip = defaultShouldTrip
	}

	cb.logger.Info("action breaker created",
		zap.String("state", cb.state.String()),
		zap.Uint32("max_requests", cb.maxRequests),
		zap.Duration("interval", cb.interval),
		zap.Duration("timeout", cb.timeout),
	)

	return cb
}

// Execute runs fn if the breaker currently allows calls for this action.
func (cb *ActionBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.ExecuteWithContext(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// ExecuteWithContext runs fn if the breaker currently allows calls,
// recording the outcome against the action's failure-rate window.
func (cb *ActionBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeCall()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, callErr := fn(ctx)
	duration := time.Since(start)

	cb.afterCall(generation, callErr, duration)

	return result, callErr
}

// beforeCall checks whether the call is allowed under the current state.
func (cb *ActionBreaker) beforeCall() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	switch state {
	case StateClosed:
		return generation, nil
	case StateOpen:
		return generation, fmt.Errorf("circuit breaker for action %q is open", cb.action)
	default: // StateHalfOpen
		if cb.counts.Requests >= cb.maxRequests {
			return generation, fmt.Errorf("circuit breaker for action %q is half-open and probe budget is exhausted", cb.action)
		}
		return generation, nil
	}
}

// afterCall records the outcome of a call that passed beforeCall.
func (cb *ActionBreaker) afterCall(before uint64, err error, duration time.Duration) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if generation != before {
		// The statistical window rolled over (or the breaker tripped)
		// while this call was in flight; its result no longer applies.
		return
	}

	atomic.AddInt64(&cb.responseTimeSum, int64(duration))
	atomic.AddInt64(&cb.responseTimeCount, 1)

	cb.counts.Requests++
	if err == nil {
		cb.onSuccess()
		cb.lastSuccess = now
	} else {
		cb.onFailure()
		cb.lastFailure = now
	}

	cb.checkStateTransition(state, now)
}

func (cb *ActionBreaker) onSuccess() {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0
}

func (cb *ActionBreaker) onFailure() {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
}

// currentState advances the generation if the statistical window (or
// the open-state timeout) has elapsed, then returns the live state.
func (cb *ActionBreaker) currentState(now time.Time) (BreakerState, uint64) {
	switch cb.state {
	case StateClosed:
		if cb.expiry.IsZero() {
			if cb.interval > 0 {
				cb.expiry = now.Add(cb.interval)
			}
		} else if cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *ActionBreaker) checkStateTransition(state BreakerState, now time.Time) {
	switch state {
	case StateClosed:
		if cb.shouldTripToOpen() {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if cb.counts.ConsecutiveFailures > 0 {
			cb.setState(StateOpen, now)
		} else if cb.counts.ConsecutiveSuccesses >= cb.maxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *ActionBreaker) shouldTripToOpen() bool {
	if cb.counts.Requests < cb.minThroughputThreshold {
		return false
	}
	return cb.shouldTrip(cb.counts)
}

func (cb *ActionBreaker) setState(state BreakerState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if state == StateOpen {
		cb.expiry = now.Add(cb.timeout)
	} else {
		cb.expiry = time.Time{}
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.action, prev, state)
	}

	cb.logger.Info("action breaker state changed",
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint32("requests", cb.counts.Requests),
		zap.Uint32("failures", cb.counts.TotalFailures),
		zap.Float64("failure_rate", cb.getFailureRate()),
	)
}

func (cb *ActionBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	if cb.interval > 0 {
		cb.expiry = now.Add(cb.interval)
	}

	atomic.StoreInt64(&cb.responseTimeSum, 0)
	atomic.StoreInt64(&cb.responseTimeCount, 0)
}

// GetMetrics returns a snapshot of the breaker's current state.
func (cb *ActionBreaker) GetMetrics() BreakerMetrics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	return BreakerMetrics{
		Action:              cb.action,
		State:               state,
		Counts:              cb.counts,
		FailureRate:         cb.getFailureRate(),
		AverageResponseTime: cb.getAverageResponseTime(),
		LastFailureTime:     cb.lastFailure,
		LastSuccessTime:     cb.lastSuccess,
	}
}

// GetState returns the breaker's current state.
func (cb *ActionBreaker) GetState() BreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// Action returns the action name this breaker guards.
func (cb *ActionBreaker) Action() string { return cb.action }

// Reset forces the breaker back to closed with a fresh generation.
func (cb *ActionBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	cb.toNewGeneration(now)
	cb.setState(StateClosed, now)

	cb.logger.Info("action breaker reset")
}

func (cb *ActionBreaker) getFailureRate() float64 {
	if cb.counts.Requests == 0 {
		return 0.0
	}
	return float64(cb.counts.TotalFailures) / float64(cb.counts.Requests)
}

func (cb *ActionBreaker) getAverageResponseTime() time.Duration {
	count := atomic.LoadInt64(&cb.responseTimeCount)
	if count == 0 {
		return 0
	}
	sum := atomic.LoadInt64(&cb.responseTimeSum)
	return time.Duration(sum / count)
}

func defaultShouldTrip(counts Counts) bool {
	if counts.Requests == 0 {
		return false
	}
	failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
	return failureRate > 0.5
}

// ActionBreakerManager owns one ActionBreaker per distinct step action,
// created lazily on first use.
type ActionBreakerManager struct {
	breakers map[string]*ActionBreaker
	mutex    sync.RWMutex
	logger   *zap.Logger
}

// NewActionBreakerManager creates an empty manager.
func NewActionBreakerManager(logger *zap.Logger) *ActionBreakerManager {
	return &ActionBreakerManager{
		breakers: make(map[string]*ActionBreaker),
		logger:   logger.With(zap.String("component", "circuit_breaker_manager")),
	}
}

// GetOrCreate returns the action's breaker, creating it from config on
// first use.
func (m *ActionBreakerManager) GetOrCreate(action string, config BreakerConfig) *ActionBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if cb, exists := m.breakers[action]; exists {
		return cb
	}

	config.Action = action
	cb := NewActionBreaker(config, m.logger)
	m.breakers[action] = cb

	return cb
}

// GetBreaker looks up an existing breaker by action without creating one.
func (m *ActionBreakerManager) GetBreaker(action string) (*ActionBreaker, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cb, exists := m.breakers[action]
	return cb, exists
}

// GetAllMetrics returns a snapshot of every tracked action's breaker.
func (m *ActionBreakerManager) GetAllMetrics() map[string]BreakerMetrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	metrics := make(map[string]BreakerMetrics, len(m.breakers))
	for action, cb := range m.breakers {
		metrics[action] = cb.GetMetrics()
	}

	return metrics
}

// RemoveBreaker discards a tracked breaker, e.g. once an action is
// known to no longer be in use.
func (m *ActionBreakerManager) RemoveBreaker(action string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.breakers, action)
	m.logger.Info("action breaker removed", zap.String("action", action))
}
