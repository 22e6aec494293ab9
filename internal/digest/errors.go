// Package digest implements the client side of RFC 2617 HTTP Digest
// authentication (MD5 and MD5-sess, qop=auth or legacy) and wraps a single
// HTTP exchange into an auth-aware fetch: one unauthenticated attempt, and
// exactly one answered retry when the server challenges.
package digest

import (
	"errors"
	"fmt"
)

// ErrChallenge classifies malformed or unsupported Digest challenges.
// Use errors.Is(err, digest.ErrChallenge) to check.
var ErrChallenge = errors.New("digest: unusable challenge")

// ChallengeError describes why a WWW-Authenticate challenge could not be
// answered. Header carries the raw challenge for diagnostics.
type ChallengeError struct {
	Reason string
	Header string
}

func (e *ChallengeError) Error() string {
	if e.Header == "" {
		return "digest: " + e.Reason
	}

	return fmt.Sprintf("digest: %s (challenge: %s)", e.Reason, e.Header)
}

func (e *ChallengeError) Unwrap() error {
	return ErrChallenge
}

func challengeErr(header, format string, args ...any) error {
	return &ChallengeError{Reason: fmt.Sprintf(format, args...), Header: header}
}
