package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable wraps transport failures: the server could not be reached
	// or the request timed out.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrSessionInvalid signals that the session authorising a call has been
	// revoked or expired. It must drive re-authentication, not a retry.
	ErrSessionInvalid = errors.New("session invalid")
)

// Error codes carried by APIError.
const (
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
	CodeUnauthorized     = "unauthorized"
	CodeRevisionMismatch = "revision_mismatch"
)

// APIError is a structured error returned by the server.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
}

// NotFound builds a 404 APIError.
func NotFound(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	apiErr, ok := errors.AsType[*APIError](err)
	return ok && apiErr.Status == http.StatusNotFound
}

// IsTransient reports whether err is a remote failure that a later sync pass
// may not see again.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	apiErr, ok := errors.AsType[*APIError](err)
	return ok && apiErr.Status >= http.StatusInternalServerError
}
