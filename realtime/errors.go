package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingToken      = errors.New("missing session token")
	ErrInvalidToken      = errors.New("invalid session token")
	ErrNotConnected      = errors.New("not connected")
	ErrConflict          = errors.New("version conflict")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrSessionClosed     = errors.New("session closed")
	ErrStaleResponse     = errors.New("stale response")
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownBoard      = errors.New("unknown board")
	ErrNoBoards          = errors.New("project has no boards")
)

// ConnectionError reports a failed attempt to open the real-time channel.
// It is never fatal; callers may retry Connect.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the REST backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// StatusCode extracts the HTTP status from an APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
