// Package calibre reads the book catalog of a Calibre content server and
// downloads individual formats. All requests go through a Digest-aware
// fetcher so password-protected servers work transparently.
package calibre

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for response classification.
// Use errors.Is(err, calibre.ErrNotFound) to check.
var (
	ErrUnauthorized    = errors.New("calibre: unauthorized")
	ErrNotFound        = errors.New("calibre: not found")
	ErrServer          = errors.New("calibre: server error")
	ErrUnexpected      = errors.New("calibre: unexpected status")
	ErrInvalidResponse = errors.New("calibre: invalid response")
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// Error wraps a sentinel with the HTTP status and response body of a failed
// request.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("calibre: %s: %v", e.Op, e.Err)
	}

	if e.Body == "" {
		return fmt.Sprintf("calibre: %s: HTTP %d", e.Op, e.StatusCode)
	}

	return fmt.Sprintf("calibre: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= http.StatusInternalServerError:
		return ErrServer
	default:
		return ErrUnexpected
	}
}
