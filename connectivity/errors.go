package connectivity

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CircuitOpenError means the call was refused locally because the
// service failed too often recently.
type CircuitOpenError struct {
	Service string
	Until   time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("connectivity: %s unavailable until %s", e.Service, e.Until.Format(time.TimeOnly))
}

// PanicError carries a panic recovered inside a Handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("connectivity: panic in handler: %v", e.Value) }

// StatusError is a remote answer outside 2xx.
type StatusError struct {
	Code       int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	const keep = 256
	body := e.Body
	if len(body) > keep {
		body = body[:keep]
	}
	return fmt.Sprintf("connectivity: %d %s: %s", e.Code, http.StatusText(e.Code), body)
}

// Retryable is true for throttling, server faults and transport errors.
// Client errors and local refusals are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}
