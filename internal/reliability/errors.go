package reliability

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// CircuitOpenError is returned when a call is rejected without reaching the
// dependency. Callers should surface a retry-later response.
type CircuitOpenError struct {
	Service string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit breaker is OPEN for %s, next retry in %s", e.Service, e.RetryIn)
	}
	return fmt.Sprintf("circuit breaker is OPEN for %s", e.Service)
}

// TimeoutError is returned when the dependency call exceeded the breaker's
// hard timeout. Treated as a failure for state accounting.
type TimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %s", e.Service, e.Timeout)
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// IsUnavailable reports whether err represents dependency unavailability
// (circuit open, timeout, connection trouble, 5xx, 429) rather than a
// business rejection. Callers use it to decide between "queue for later"
// handling and propagating the error as-is.
func IsUnavailable(err error) bool {
	return IsCircuitOpen(err) || isRetriable(err)
}

// StatusCoder is implemented by dependency errors that carry an HTTP status
// code (e.g. payment processor API errors).
type StatusCoder interface {
	StatusCode() int
}

// isRetriable classifies errors worth retrying: network reset/refused,
// timeouts, HTTP 5xx and HTTP 429. Everything else propagates immediately.
func isRetriable(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
	}

	return false
}

// shouldFallback limits fallbacks to "dependency unavailable" failures.
// Business errors (4xx, validation) must never be papered over.
func shouldFallback(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() == http.StatusServiceUnavailable
	}

	return false
}
