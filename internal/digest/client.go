package digest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// cnonceBytes is the number of random bytes in a client nonce.
const cnonceBytes = 8

// maxDrainBytes bounds how much of a 401 body is read before the connection
// is reused for the answered request.
const maxDrainBytes = 64 * 1024

// Client performs auth-aware fetches against a Digest-protected server.
// It holds no per-server state: every call starts unauthenticated and a
// challenge is answered by exactly one follow-up request.
type Client struct {
	httpClient *http.Client
	creds      Credentials
	userAgent  string
	logger     *slog.Logger

	// cnonceFunc generates the client nonce. Tests override it for
	// deterministic Authorization headers.
	cnonceFunc func() (string, error)
}

// NewClient creates a Digest client. An empty Username disables answering
// challenges: a 401 is then returned to the caller unchanged.
func NewClient(httpClient *http.Client, creds Credentials, userAgent string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		creds:      creds,
		userAgent:  userAgent,
		logger:     logger,
		cnonceFunc: randomCnonce,
	}
}

// Do issues a body-less request. A non-401 response is returned unchanged.
// A 401 carrying a Digest challenge is answered once and the second response
// is returned verbatim, even if it is another 401. Malformed or unsupported
// challenges fail with a *ChallengeError and no second request is made.
// The caller closes the response body.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, rawURL, header)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("digest: sending unauthenticated request",
		slog.String("method", method),
		slog.String("path", req.URL.Path),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("digest: %s %s: %w", method, req.URL.Path, err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if c.creds.Username == "" {
		c.logger.Debug("digest: server requires auth but no credentials configured",
			slog.String("path", req.URL.Path),
		)

		return resp, nil
	}

	header401 := pickDigestHeader(resp.Header.Values("WWW-Authenticate"))
	drainAndClose(resp.Body)

	challenge, err := ParseChallenge(header401)
	if err != nil {
		return nil, err
	}

	cnonce, err := c.cnonceFunc()
	if err != nil {
		return nil, fmt.Errorf("digest: generating cnonce: %w", err)
	}

	uri := req.URL.RequestURI()

	authz, err := challenge.Authorization(c.creds, method, uri, cnonce)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("digest: answering challenge",
		slog.String("realm", challenge.Realm),
		slog.String("qop", strings.Join(challenge.QOP, ",")),
		slog.String("path", req.URL.Path),
	)

	retry, err := c.newRequest(ctx, method, rawURL, header)
	if err != nil {
		return nil, err
	}

	retry.Header.Set("Authorization", authz)

	resp, err = c.httpClient.Do(retry)
	if err != nil {
		return nil, fmt.Errorf("digest: %s %s (authenticated): %w", method, req.URL.Path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("digest: credentials rejected",
			slog.String("path", req.URL.Path),
			slog.String("realm", challenge.Realm),
		)
	}

	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("digest: creating request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return req, nil
}

// pickDigestHeader returns the first Digest challenge among possibly several
// WWW-Authenticate headers, or the first header when none is Digest so the
// parser can report the unsupported scheme.
func pickDigestHeader(values []string) string {
	for _, v := range values {
		if len(v) >= len("Digest ") && strings.EqualFold(v[:len("Digest ")], "Digest ") {
			return v
		}
	}

	if len(values) > 0 {
		return values[0]
	}

	return ""
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	body.Close()
}

func randomCnonce() (string, error) {
	b := make([]byte, cnonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
