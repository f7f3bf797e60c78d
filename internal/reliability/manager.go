package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServiceHealth is the per-dependency health summary exposed on /readyz.
type ServiceHealth struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"last_failure_time"`
	NextRetryTime   time.Time `json:"next_retry_time"`
	Healthy         bool      `json:"healthy"`
}

// Manager owns one circuit breaker per named external dependency. It is
// constructed once at process startup and injected into consumers; there is
// no package-level instance.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []Listener
	metrics   *Metrics
	logger    zerolog.Logger
}

// NewManager creates an empty registry. Pass a nil metrics to disable
// Prometheus instrumentation (tests).
func NewManager(logger zerolog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		metrics:  metrics,
		logger:   logger,
	}
}

// NewDefaultManager registers breakers for every known dependency with the
// production tuning and a logging listener.
func NewDefaultManager(logger zerolog.Logger, metrics *Metrics) *Manager {
	m := NewManager(logger, metrics)
	m.AddListener(LogListener{Logger: logger})

	for _, s := range DefaultSettings() {
		m.Register(s)
	}

	return m
}

// AddListener registers a lifecycle listener. Must be called before the
// first Register so every breaker sees the full listener set.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Register creates the breaker for one dependency. Registering the same name
// twice replaces the previous breaker.
func (m *Manager) Register(s Settings) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb := NewCircuitBreaker(s.Breaker, s.Retry, fanout{manager: m}, m.metrics)
	m.breakers[s.Breaker.Name] = cb

	return cb
}

// Breaker returns the breaker registered under name, or nil.
func (m *Manager) Breaker(name string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// ExecuteWithProtection routes op through the breaker registered for the
// named dependency, with retries. A missing breaker is a configuration gap,
// not an error: the call passes through unprotected and is logged.
func (m *Manager) ExecuteWithProtection(ctx context.Context, name string, op Operation, fallback Fallback) (any, error) {
	cb := m.Breaker(name)
	if cb == nil {
		m.logger.Warn().Str("service", name).Msg("No circuit breaker registered, executing unprotected")
		return op(ctx)
	}

	return cb.ExecuteWithRetry(ctx, op, fallback)
}

// ServiceHealth aggregates breaker stats for every registered dependency.
// A dependency is healthy unless its breaker is OPEN.
func (m *Manager) ServiceHealth() map[string]ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := make(map[string]ServiceHealth, len(m.breakers))
	for name, cb := range m.breakers {
		stats := cb.Stats()
		health[name] = ServiceHealth{
			State:           stats.State,
			Failures:        stats.Failures,
			Successes:       stats.Successes,
			LastFailureTime: stats.LastFailureTime,
			NextRetryTime:   stats.NextRetryTime,
			Healthy:         stats.State != StateOpen,
		}
	}

	return health
}

// fanout relays breaker events to every listener registered on the manager.
type fanout struct {
	manager *Manager
}

func (f fanout) snapshot() []Listener {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	listeners := make([]Listener, len(f.manager.listeners))
	copy(listeners, f.manager.listeners)
	return listeners
}

func (f fanout) OnStateChange(service string, from, to State) {
	for _, l := range f.snapshot() {
		l.OnStateChange(service, from, to)
	}
}

func (f fanout) OnCircuitOpened(service string, failures int, nextRetry time.Time) {
	for _, l := range f.snapshot() {
		l.OnCircuitOpened(service, failures, nextRetry)
	}
}

func (f fanout) OnFallbackUsed(service string, cause error) {
	for _, l := range f.snapshot() {
		l.OnFallbackUsed(service, cause)
	}
}

func (f fanout) OnFallbackFailed(service string, cause, fallbackErr error) {
	for _, l := range f.snapshot() {
		l.OnFallbackFailed(service, cause, fallbackErr)
	}
}

func (f fanout) OnRetriesExhausted(service string, attempts int, last error) {
	for _, l := range f.snapshot() {
		l.OnRetriesExhausted(service, attempts, last)
	}
}
