package llmclient

import (
	"errors"
	"fmt"
)

// Reason categorizes why an LLM call failed, driving the pipeline's retry
// decision.
type Reason string

const (
	ReasonHTTPRequest      Reason = "http_request"
	ReasonHTTPStatus       Reason = "http_status"
	ReasonJSONParse        Reason = "json_parse"
	ReasonEmptyResponse    Reason = "empty_response"
	ReasonMissingField     Reason = "missing_field"
	ReasonRetriesExhausted Reason = "retries_exhausted"
)

// transientStatus is the set of HTTP statuses worth retrying.
var transientStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	529: true,
}

// IsTransientStatus reports whether code is one of the retryable HTTP
// statuses for LLM calls.
func IsTransientStatus(code int) bool {
	return transientStatus[code]
}

// Error is the structured error type surfaced by LlmClient implementations.
type Error struct {
	Reason  Reason
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llmclient: %s (status %d): %s", e.Reason, e.Status, e.Message)
	}
	return fmt.Sprintf("llmclient: %s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether a failed call is worth retrying: network
// errors and the transient HTTP status set.
func (e *Error) IsRetryable() bool {
	switch e.Reason {
	case ReasonHTTPRequest:
		return true
	case ReasonHTTPStatus:
		return IsTransientStatus(e.Status)
	default:
		return false
	}
}

func newError(reason Reason, status int, format string, args ...any) *Error {
	return &Error{Reason: reason, Status: status, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err to an *Error, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
