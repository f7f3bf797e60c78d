package reliability

import (
	"time"

	"github.com/rs/zerolog"
)

// Listener receives breaker lifecycle notifications. Implementations must be
// fast and must not block; they run on the caller's goroutine.
type Listener interface {
	OnStateChange(service string, from, to State)
	OnCircuitOpened(service string, failures int, nextRetry time.Time)
	OnFallbackUsed(service string, cause error)
	OnFallbackFailed(service string, cause, fallbackErr error)
	OnRetriesExhausted(service string, attempts int, last error)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) OnStateChange(string, State, State)     {}
func (NopListener) OnCircuitOpened(string, int, time.Time) {}
func (NopListener) OnFallbackUsed(string, error)           {}
func (NopListener) OnFallbackFailed(string, error, error)  {}
func (NopListener) OnRetriesExhausted(string, int, error)  {}

// LogListener writes breaker lifecycle events to a zerolog logger. Circuit
// opens are logged at error level for alerting.
type LogListener struct {
	Logger zerolog.Logger
}

func (l LogListener) OnStateChange(service string, from, to State) {
	l.Logger.Warn().
		Str("service", service).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Circuit breaker state changed")
}

func (l LogListener) OnCircuitOpened(service string, failures int, nextRetry time.Time) {
	l.Logger.Error().
		Str("service", service).
		Int("failures", failures).
		Time("next_retry", nextRetry).
		Msg("Circuit breaker opened, requests will fast-fail")
}

func (l LogListener) OnFallbackUsed(service string, cause error) {
	l.Logger.Warn().
		Str("service", service).
		AnErr("cause", cause).
		Msg("Fallback used")
}

func (l LogListener) OnFallbackFailed(service string, cause, fallbackErr error) {
	l.Logger.Error().
		Str("service", service).
		AnErr("cause", cause).
		AnErr("fallback_error", fallbackErr).
		Msg("Fallback failed, propagating original error")
}

func (l LogListener) OnRetriesExhausted(service string, attempts int, last error) {
	l.Logger.Error().
		Str("service", service).
		Int("attempts", attempts).
		AnErr("last_error", last).
		Msg("Max retries exceeded")
}
