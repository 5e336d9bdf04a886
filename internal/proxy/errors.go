package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/avafanout/internal/codec"
)

var (
	// ErrBodyTooLarge indicates an inbound body over the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrReadBody indicates that the inbound body could not be read.
	ErrReadBody = errors.New("failed to read request body")
)

// Stage names the step of request handling that failed.
type Stage string

const (
	StageReadBody   Stage = "read_body"
	StageDecodeBody Stage = "decode_body"
	StageBroadcast  Stage = "broadcast"
)

// RequestError is a failure that ends a request before a response could be
// selected.
type RequestError struct {
	Stage   Stage
	Message string
	Cause   error
}

func newRequestError(stage Stage, message string, cause error) *RequestError {
	return &RequestError{Stage: stage, Message: message, Cause: cause}
}

func (e *RequestError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// Detail is the message written to the client.
func (e *RequestError) Detail() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

// errorClass maps a request failure to the response status, the error text
// of the JSON body and the metric label.
func errorClass(err error) (status int, errText, label string) {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "payload too large", "body_too_large"
	case errors.Is(err, codec.ErrMalformedBody), errors.Is(err, codec.ErrGzip):
		return http.StatusInternalServerError, "internal error", "malformed_body"
	default:
		return http.StatusInternalServerError, "internal error", "internal"
	}
}
