package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Operation is a call to an external dependency.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a substitute result when the dependency call fails.
type Fallback func(ctx context.Context) (any, error)

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time"`
	NextRetryTime   time.Time `json:"next_retry_time"`
}

// CircuitBreaker guards one external dependency. It fails fast while the
// dependency is unhealthy and allows a single trial call once the recovery
// timeout has elapsed. All state is protected by the mutex; one breaker
// instance is shared by every request touching the same dependency.
type CircuitBreaker struct {
	cfg   BreakerConfig
	retry RetryConfig

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	nextRetryTime   time.Time
	probing         bool

	listener Listener
	metrics  *Metrics

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig, retry RetryConfig, listener Listener, metrics *Metrics) *CircuitBreaker {
	if listener == nil {
		listener = NopListener{}
	}
	return &CircuitBreaker{
		cfg:      cfg,
		retry:    retry,
		state:    StateClosed,
		listener: listener,
		metrics:  metrics,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs op with circuit breaker protection and a hard timeout.
//
// When op fails and fallback is non-nil, the fallback runs only for
// "dependency unavailable" failures (timeout, 503, connection refused). A
// failing fallback propagates the original error, not the fallback's.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Fallback) (any, error) {
	start := cb.now()

	if err := cb.beforeCall(); err != nil {
		cb.observe(start, outcomeRejected)
		return nil, err
	}

	result, err := cb.call(ctx, op)
	if err == nil {
		cb.onSuccess()
		cb.observe(start, outcomeSuccess)
		return result, nil
	}

	cb.onFailure()
	cb.observe(start, outcomeFailure)

	if fallback != nil && shouldFallback(err) {
		fbResult, fbErr := fallback(ctx)
		if fbErr == nil {
			cb.listener.OnFallbackUsed(cb.cfg.Name, err)
			return fbResult, nil
		}
		cb.listener.OnFallbackFailed(cb.cfg.Name, err, fbErr)
	}

	return nil, err
}

// ExecuteWithRetry wraps Execute with exponential-backoff retries. Only
// retriable errors (connection reset/refused, timeouts, 5xx, 429) are
// retried; a circuit-open rejection aborts immediately so retries never
// hammer a tripped breaker.
func (cb *CircuitBreaker) ExecuteWithRetry(ctx context.Context, op Operation, fallback Fallback) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= cb.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := cb.sleep(ctx, cb.backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		result, err := cb.Execute(ctx, op, fallback)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var open *CircuitOpenError
		if errors.As(err, &open) {
			return nil, err
		}
		if !isRetriable(err) {
			return nil, err
		}
	}

	cb.listener.OnRetriesExhausted(cb.cfg.Name, cb.retry.MaxRetries+1, lastErr)

	return nil, lastErr
}

// Stats returns a snapshot of the breaker's counters and state.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailureTime,
		NextRetryTime:   cb.nextRetryTime,
	}
}

// beforeCall admits or rejects the call and handles the OPEN -> HALF_OPEN
// transition. While a half-open probe is in flight every other call is
// rejected, so exactly one request reaches the dependency during recovery.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()

	var events []func()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.nextRetryTime) {
			retryIn := cb.nextRetryTime.Sub(cb.now())
			cb.mu.Unlock()
			return &CircuitOpenError{Service: cb.cfg.Name, RetryIn: retryIn}
		}
		events = append(events, cb.transition(StateHalfOpen))
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return &CircuitOpenError{Service: cb.cfg.Name, RetryIn: 0}
		}
		cb.probing = true
	}

	cb.mu.Unlock()
	emit(events)

	return nil
}

// call runs op bounded by the configured timeout. On timeout the in-flight
// goroutine is abandoned, not killed; the dependency call may keep running
// until it returns on its own (known resource-leak risk under timeout).
func (cb *CircuitBreaker) call(ctx context.Context, op Operation) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := op(callCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled. The failure is still recorded so breaker
			// statistics reach a terminal state.
			return nil, fmt.Errorf("%s call cancelled: %w", cb.cfg.Name, ctx.Err())
		}
		return nil, &TimeoutError{Service: cb.cfg.Name, Timeout: cb.cfg.Timeout}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()

	var events []func()

	cb.successes++
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.probing = false
		events = append(events, cb.transition(StateClosed))
	}

	cb.mu.Unlock()
	emit(events)
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()

	var events []func()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch {
	case cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.nextRetryTime = cb.now().Add(cb.cfg.RecoveryTimeout)
		events = append(events, cb.transition(StateOpen))

		failures, nextRetry := cb.failures, cb.nextRetryTime
		events = append(events, func() {
			cb.listener.OnCircuitOpened(cb.cfg.Name, failures, nextRetry)
		})
	case cb.state == StateHalfOpen:
		cb.probing = false
		cb.nextRetryTime = cb.now().Add(cb.cfg.RecoveryTimeout)
		events = append(events, cb.transition(StateOpen))
	}

	cb.mu.Unlock()
	emit(events)
}

// transition updates state and metrics under the mutex and returns the
// listener notification to run after the mutex is released. Listeners must
// never be called with the lock held; the manager's fan-out takes its own.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	if cb.metrics != nil {
		cb.metrics.setState(cb.cfg.Name, to)
	}

	return func() { cb.listener.OnStateChange(cb.cfg.Name, from, to) }
}

func emit(events []func()) {
	for _, fn := range events {
		fn()
	}
}

// backoffDelay computes min(baseDelay * base^(attempt-1), maxDelay) with
// optional ±25% uniform jitter to avoid synchronized retry storms.
func (cb *CircuitBreaker) backoffDelay(attempt int) time.Duration {
	delay := float64(cb.retry.BaseDelay) * math.Pow(cb.retry.ExponentialBase, float64(attempt-1))
	if max := float64(cb.retry.MaxDelay); delay > max {
		delay = max
	}

	if cb.retry.Jitter {
		delay *= 0.75 + 0.5*rand.Float64()
	}

	return time.Duration(delay)
}

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

func (cb *CircuitBreaker) observe(start time.Time, outcome string) {
	if cb.metrics != nil {
		cb.metrics.observeCall(cb.cfg.Name, cb.now().Sub(start), outcome)
	}
}

// sleepContext sleeps for d but returns early if ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry backoff interrupted: %w", ctx.Err())
	}
}
