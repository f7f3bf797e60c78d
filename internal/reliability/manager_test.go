package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingListener struct {
	mu      sync.Mutex
	opened  []string
	changes [][2]State
}

func (r *recordingListener) OnStateChange(service string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, [2]State{from, to})
}

func (r *recordingListener) OnCircuitOpened(service string, failures int, nextRetry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, service)
}

func (r *recordingListener) OnFallbackUsed(string, error)          {}
func (r *recordingListener) OnFallbackFailed(string, error, error) {}
func (r *recordingListener) OnRetriesExhausted(string, int, error) {}

func TestExecuteWithProtectionPassesThroughUnknownService(t *testing.T) {
	m := NewManager(zerolog.Nop(), nil)

	result, err := m.ExecuteWithProtection(context.Background(), "unregistered", func(ctx context.Context) (any, error) {
		return 42, nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected passthrough result, got %v", result)
	}
}

func TestExecuteWithProtectionRoutesThroughBreaker(t *testing.T) {
	m := NewManager(zerolog.Nop(), nil)
	m.Register(Settings{
		Breaker: BreakerConfig{Name: "dep", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		Retry:   RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
	})

	boom := errors.New("down")
	m.ExecuteWithProtection(context.Background(), "dep", func(ctx context.Context) (any, error) {
		return nil, boom
	}, nil)

	// Breaker tripped; next call must be rejected without running the op.
	_, err := m.ExecuteWithProtection(context.Background(), "dep", func(ctx context.Context) (any, error) {
		t.Fatal("operation must not run")
		return nil, nil
	}, nil)

	if !IsCircuitOpen(err) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestServiceHealthAggregation(t *testing.T) {
	m := NewDefaultManager(zerolog.Nop(), nil)

	stripe := m.Breaker(ServiceStripe)
	if stripe == nil {
		t.Fatal("stripe breaker not registered")
	}

	for i := 0; i < 3; i++ {
		stripe.Execute(context.Background(), failingOp, nil)
	}

	health := m.ServiceHealth()
	if len(health) != 5 {
		t.Fatalf("expected 5 dependencies, got %d", len(health))
	}

	if h := health[ServiceStripe]; h.Healthy || h.State != StateOpen || h.Failures != 3 {
		t.Fatalf("unexpected stripe health: %+v", h)
	}
	if h := health[ServiceDatabase]; !h.Healthy || h.State != StateClosed {
		t.Fatalf("unexpected database health: %+v", h)
	}
}

func TestListenerReceivesLifecycleEvents(t *testing.T) {
	m := NewManager(zerolog.Nop(), nil)
	rec := &recordingListener{}
	m.AddListener(rec)
	m.Register(Settings{
		Breaker: BreakerConfig{Name: "dep", FailureThreshold: 1, RecoveryTimeout: time.Minute, Timeout: time.Second},
		Retry:   RetryConfig{},
	})

	m.Breaker("dep").Execute(context.Background(), failingOp, nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.opened) != 1 || rec.opened[0] != "dep" {
		t.Fatalf("expected circuit-opened event, got %v", rec.opened)
	}
	if len(rec.changes) != 1 || rec.changes[0] != [2]State{StateClosed, StateOpen} {
		t.Fatalf("expected CLOSED->OPEN transition, got %v", rec.changes)
	}
}
