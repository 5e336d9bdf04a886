package broadcast

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch operations.
var (
	// ErrNilEnvelope indicates Broadcast was called without a request.
	ErrNilEnvelope = errors.New("nil envelope")

	// ErrInvalidTargetURL indicates that a target URL could not be built.
	ErrInvalidTargetURL = errors.New("invalid target URL")

	// ErrTargetTimeout indicates that a target did not answer in time.
	ErrTargetTimeout = errors.New("target request timed out")

	// ErrCircuitOpen indicates that the target's circuit breaker rejected
	// the request.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrResponseTooLarge indicates a target response over the body limit.
	ErrResponseTooLarge = errors.New("target response too large")

	// errUpstreamStatus marks 5xx answers as breaker failures while still
	// carrying the response.
	errUpstreamStatus = errors.New("upstream server error")
)

// DispatchError describes a failed dispatch to one target.
type DispatchError struct {
	Target string
	URL    string
	Cause  error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("dispatch to %s (%s): %v", e.Target, e.URL, e.Cause)
	}
	return fmt.Sprintf("dispatch to %s: %v", e.Target, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}
