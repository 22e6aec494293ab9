// Package tolino talks to the tolino cloud through a retail partner. A
// Session owns the OAuth or device credentials and the cookie jar of one
// partner, establishes a login with one of three flows, and exposes the
// authenticated cloud operations (inventory, upload, cover, metadata,
// collections, delete, devices, download).
package tolino

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is(err, tolino.ErrLogin) to check.
var (
	ErrLogin           = errors.New("tolino: login failed")
	ErrOAuth           = errors.New("tolino: authorization failed")
	ErrTokenExchange   = errors.New("tolino: token exchange failed")
	ErrNotLoggedIn     = errors.New("tolino: not logged in")
	ErrLogout          = errors.New("tolino: logout failed")
	ErrTransfer        = errors.New("tolino: transfer failed")
	ErrDelete          = errors.New("tolino: delete failed")
	ErrRequest         = errors.New("tolino: request failed")
	ErrUnsupported     = errors.New("tolino: unsupported")
	ErrInvalidResponse = errors.New("tolino: invalid response")
)

// Error wraps a sentinel with the failed operation, the HTTP status when one
// was received, and the response body as diagnostic cause.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error // sentinel, for errors.Is()
	Cause      error // underlying transport or decoding error, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Err, e.Op)

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}

	if e.Body != "" {
		msg += ": " + e.Body
	}

	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}
