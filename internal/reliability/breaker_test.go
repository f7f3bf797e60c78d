package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// statusErr mimics a dependency error carrying an HTTP status.
type statusErr struct{ status int }

func (e *statusErr) Error() string   { return "status error" }
func (e *statusErr) StatusCode() int { return e.status }

func newTestBreaker(cfg BreakerConfig, retry RetryConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg, retry, nil, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	cb.now = func() time.Time { return *clock }
	cb.sleep = func(context.Context, time.Duration) error { return nil }

	return cb, clock
}

func failingOp(ctx context.Context) (any, error) { return nil, errBoom }
func okOp(ctx context.Context) (any, error)      { return "ok", nil }

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	cb, _ := newTestBreaker(
		BreakerConfig{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{},
	)

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(context.Background(), failingOp, nil); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}

	if got := cb.Stats().State; got != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", got)
	}

	// Open breaker must reject without calling the operation.
	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	}, nil)

	if !IsCircuitOpen(err) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if called {
		t.Fatal("operation must not run while breaker is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(
		BreakerConfig{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{},
	)

	cb.Execute(context.Background(), failingOp, nil)
	cb.Execute(context.Background(), failingOp, nil)
	cb.Execute(context.Background(), okOp, nil)

	stats := cb.Stats()
	if stats.Failures != 0 {
		t.Fatalf("expected failure count reset, got %d", stats.Failures)
	}
	if stats.State != StateClosed {
		t.Fatalf("expected CLOSED, got %s", stats.State)
	}

	// Two more failures must not trip the breaker after the reset.
	cb.Execute(context.Background(), failingOp, nil)
	cb.Execute(context.Background(), failingOp, nil)
	if got := cb.Stats().State; got != StateClosed {
		t.Fatalf("expected CLOSED below threshold, got %s", got)
	}
}

func TestBreakerStaysOpenUntilRetryTime(t *testing.T) {
	cb, clock := newTestBreaker(
		BreakerConfig{Name: "test", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{},
	)

	cb.Execute(context.Background(), failingOp, nil)
	if got := cb.Stats().State; got != StateOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}

	*clock = clock.Add(59 * time.Second)
	if _, err := cb.Execute(context.Background(), okOp, nil); !IsCircuitOpen(err) {
		t.Fatalf("expected rejection before retry time, got %v", err)
	}

	*clock = clock.Add(2 * time.Second)
	result, err := cb.Execute(context.Background(), okOp, nil)
	if err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result %v", result)
	}
	if got := cb.Stats().State; got != StateClosed {
		t.Fatalf("expected CLOSED after successful probe, got %s", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(
		BreakerConfig{Name: "test", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{},
	)

	cb.Execute(context.Background(), failingOp, nil)
	*clock = clock.Add(61 * time.Second)

	if _, err := cb.Execute(context.Background(), failingOp, nil); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe failure to surface, got %v", err)
	}

	stats := cb.Stats()
	if stats.State != StateOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", stats.State)
	}
	if want := clock.Add(time.Minute); !stats.NextRetryTime.Equal(want) {
		t.Fatalf("expected fresh retry time %s, got %s", want, stats.NextRetryTime)
	}
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(
		BreakerConfig{Name: "test", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Minute},
		RetryConfig{},
	)

	cb.Execute(context.Background(), failingOp, nil)
	*clock = clock.Add(2 * time.Minute)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
			close(probeStarted)
			<-release
			return "ok", nil
		}, nil)
		probeDone <- err
	}()

	<-probeStarted

	// Second caller during the probe must fast-fail, never double-probe.
	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	}, nil)
	if !IsCircuitOpen(err) {
		t.Fatalf("expected rejection during probe, got %v", err)
	}
	if called {
		t.Fatal("second call must not reach the dependency during a probe")
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := cb.Stats().State; got != StateClosed {
		t.Fatalf("expected CLOSED after probe success, got %s", got)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	cb := NewCircuitBreaker(
		BreakerConfig{Name: "slow", FailureThreshold: 3, RecoveryTimeout: time.Minute, Timeout: 20 * time.Millisecond},
		RetryConfig{}, nil, nil,
	)

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, nil)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Fatalf("timeout must count as failure, got %d", got)
	}
}

func TestCancellationRecordsFailure(t *testing.T) {
	cb := NewCircuitBreaker(
		BreakerConfig{Name: "slow", FailureThreshold: 3, RecoveryTimeout: time.Minute, Timeout: time.Minute},
		RetryConfig{}, nil, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Fatalf("cancelled call must still reach a terminal failure, got %d", got)
	}
}

func TestFallbackOnlyForUnavailableErrors(t *testing.T) {
	fallback := func(ctx context.Context) (any, error) { return "fallback", nil }

	tests := []struct {
		name         string
		opErr        error
		wantFallback bool
	}{
		{"service unavailable", &statusErr{status: 503}, true},
		{"bad request", &statusErr{status: 400}, false},
		{"business error", errBoom, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(
				BreakerConfig{Name: "dep", FailureThreshold: 10, RecoveryTimeout: time.Minute, Timeout: time.Second},
				RetryConfig{}, nil, nil,
			)

			result, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return nil, tt.opErr
			}, fallback)

			if tt.wantFallback {
				if err != nil || result != "fallback" {
					t.Fatalf("expected fallback result, got %v, %v", result, err)
				}
			} else if !errors.Is(err, tt.opErr) {
				t.Fatalf("expected original error, got %v", err)
			}
		})
	}
}

func TestFallbackFailurePropagatesOriginalError(t *testing.T) {
	cb := NewCircuitBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 10, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{}, nil, nil,
	)

	original := &statusErr{status: 503}
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, original
	}, func(ctx context.Context) (any, error) {
		return nil, errors.New("fallback also broken")
	})

	if !errors.Is(err, original) {
		t.Fatalf("expected original error, got %v", err)
	}
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	cb, _ := newTestBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 10, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
	)

	attempts := 0
	_, err := cb.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, &statusErr{status: 400}
	}, nil)

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", attempts)
	}
}

func TestRetryExhaustsOnRetriableError(t *testing.T) {
	cb, _ := newTestBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 10, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
	)

	attempts := 0
	last := &statusErr{status: 502}
	_, err := cb.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, last
	}, nil)

	if !errors.Is(err, last) {
		t.Fatalf("expected last error to surface, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	cb, _ := newTestBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 10, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
	)

	attempts := 0
	result, err := cb.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, &statusErr{status: 429}
		}
		return "recovered", nil
	}, nil)

	if err != nil || result != "recovered" {
		t.Fatalf("expected recovery, got %v, %v", result, err)
	}
}

func TestRetryAbortsWhenCircuitOpens(t *testing.T) {
	cb, _ := newTestBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
	)

	attempts := 0
	_, err := cb.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, &statusErr{status: 500}
	}, nil)

	// First attempt trips the breaker; the first retry is rejected and the
	// rejection must abort the remaining retries.
	if !IsCircuitOpen(err) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single dependency call, got %d", attempts)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cb := NewCircuitBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
		nil, nil,
	)

	want := []time.Duration{
		100 * time.Millisecond, // attempt 1
		200 * time.Millisecond, // attempt 2
		400 * time.Millisecond, // attempt 3
		800 * time.Millisecond, // attempt 4
		time.Second,            // attempt 5, capped at maxDelay
		time.Second,            // attempt 6, still capped
	}
	for i, w := range want {
		if got := cb.backoffDelay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	cb := NewCircuitBreaker(
		BreakerConfig{Name: "dep", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		RetryConfig{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, ExponentialBase: 2, Jitter: true},
		nil, nil,
	)

	base := 400 * time.Millisecond // attempt 3
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)

	for i := 0; i < 200; i++ {
		d := cb.backoffDelay(3)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %s outside [%s, %s]", d, lo, hi)
		}
	}
}
