package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed taxonomy of API failure classes. Every failure the
// pipeline returns carries exactly one Kind, so callers switch on it
// instead of inspecting raw status codes.
type Kind int

const (
	// KindTransient covers network and timeout failures. The caller may
	// retry; the pipeline itself never does, to avoid hidden duplicate
	// side effects on non-idempotent calls.
	KindTransient Kind = iota

	// KindUnauthorized is a 401 after the single refresh-and-retry is
	// exhausted. It triggers session teardown.
	KindUnauthorized

	// KindForbidden is a 403. Surfaced, no retry.
	KindForbidden

	// KindNotFound is a 404. Surfaced, no retry.
	KindNotFound

	// KindServerError is any 5xx. Surfaced; caller may retry with backoff.
	KindServerError

	// KindValidation is any other 4xx, with field-level detail when the
	// body carries it.
	KindValidation

	// KindMalformed means the response body failed to parse as the
	// expected shape. A client-side defect, logged distinctly.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindServerError:
		return "server_error"
	case KindValidation:
		return "validation"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Retryable reports whether the caller may reasonably retry.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindServerError
}

// Error is a classified API failure.
type Error struct {
	Kind    Kind
	Status  int               // HTTP status, 0 for transport failures
	Message string            // server-provided or synthesized message
	Fields  map[string]string // field-level validation detail, if any
	err     error             // wrapped cause
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the classification from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// errorBody is the structured error shape the backend emits for 4xx.
type errorBody struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// classifyStatus maps a non-2xx response to the taxonomy. The body is
// consulted for validation detail; anything unparseable falls back to the
// raw text.
func classifyStatus(status int, body []byte) *Error {
	var parsed errorBody
	msg := http.StatusText(status)
	var fields map[string]string
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
			msg = parsed.Message
			fields = parsed.Errors
		} else {
			msg = string(body)
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Status: status, Message: msg}
	case status == http.StatusForbidden:
		return &Error{Kind: KindForbidden, Status: status, Message: msg}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: status, Message: msg}
	case status >= 500:
		return &Error{Kind: KindServerError, Status: status, Message: msg}
	default:
		return &Error{Kind: KindValidation, Status: status, Message: msg, Fields: fields}
	}
}

// transientError wraps a transport failure.
func transientError(err error) *Error {
	return &Error{Kind: KindTransient, Message: err.Error(), err: err}
}

// malformedError wraps a body that failed to decode into the expected shape.
func malformedError(status int, err error) *Error {
	return &Error{Kind: KindMalformed, Status: status, Message: err.Error(), err: err}
}
