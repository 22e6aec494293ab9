package tolino

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
)

// LoginMode selects how a Session authenticates. It is fixed per
// configuration and never auto-detected.
type LoginMode string

const (
	// ModeDevice exchanges a long-lived device refresh token.
	ModeDevice LoginMode = "device"
	// ModePassword logs in with the partner shop account.
	ModePassword LoginMode = "password"
)

// FlowKind tags the LoginFlow variants.
type FlowKind int

const (
	FlowDevice FlowKind = iota
	FlowAuthCode
	FlowEmbeddedToken
)

func (k FlowKind) String() string {
	switch k {
	case FlowDevice:
		return "device"
	case FlowAuthCode:
		return "authorization-code"
	case FlowEmbeddedToken:
		return "embedded-token"
	default:
		return fmt.Sprintf("FlowKind(%d)", int(k))
	}
}

// maxLoginRedirects bounds redirects followed by the credential POST.
const maxLoginRedirects = 5

// maxPageBytes bounds how much of an HTML page or error body is read.
const maxPageBytes = 1 << 20

// tatPattern extracts the base64 access token embedded in the token page.
// The trailing '=' padding is URL-encoded as %3D.
var tatPattern = regexp.MustCompile(`&tat=([^%]+)%3D`)

// LoginFlow establishes a session and yields its token. The variants are
// DeviceFlow, AuthCodeFlow and EmbeddedTokenFlow; the set is closed.
type LoginFlow interface {
	Kind() FlowKind
	login(ctx context.Context, env *flowEnv) (*oauth2.Token, error)
}

// flowEnv is the per-session context a flow runs in.
type flowEnv struct {
	partner Partner
	// client shares the cookie jar and never follows redirects.
	client *http.Client
	// followClient shares the cookie jar and follows up to
	// maxLoginRedirects redirects.
	followClient *http.Client
	jar          http.CookieJar
	userAgent    string
	logger       *slog.Logger
}

// DeviceFlow trades a device refresh token for an access token.
type DeviceFlow struct {
	RefreshToken string
}

// AuthCodeFlow logs in to the partner shop and runs the OAuth2
// authorization-code grant.
type AuthCodeFlow struct {
	Username string
	Password string
}

// EmbeddedTokenFlow logs in to the partner shop and scrapes the access token
// from an HTML page. The resulting session has no refresh token and no
// expiry.
type EmbeddedTokenFlow struct {
	Username string
	Password string
}

func (DeviceFlow) Kind() FlowKind        { return FlowDevice }
func (AuthCodeFlow) Kind() FlowKind      { return FlowAuthCode }
func (EmbeddedTokenFlow) Kind() FlowKind { return FlowEmbeddedToken }

// FlowCredentials are the secrets a flow needs. Only the fields of the
// selected mode are used.
type FlowCredentials struct {
	Username     string
	Password     string
	RefreshToken string
}

// NewFlow selects the login flow for mode and partner: device mode uses
// DeviceFlow; password mode uses EmbeddedTokenFlow when the partner has a
// token page, AuthCodeFlow otherwise.
func NewFlow(mode LoginMode, partner Partner, creds FlowCredentials) (LoginFlow, error) {
	switch mode {
	case ModeDevice:
		if creds.RefreshToken == "" {
			return nil, fmt.Errorf("%w: device login requires a refresh token", ErrLogin)
		}

		return DeviceFlow{RefreshToken: creds.RefreshToken}, nil
	case ModePassword:
		if creds.Username == "" || creds.Password == "" {
			return nil, fmt.Errorf("%w: password login requires username and password", ErrLogin)
		}

		if partner.TatURL != "" {
			return EmbeddedTokenFlow{Username: creds.Username, Password: creds.Password}, nil
		}

		return AuthCodeFlow{Username: creds.Username, Password: creds.Password}, nil
	default:
		return nil, fmt.Errorf("%w: unknown login mode %q", ErrUnsupported, mode)
	}
}

// oauthConfig builds the oauth2 configuration for a partner. Credentials
// travel in the form body since the partners expect no client secret.
func oauthConfig(p Partner) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.ReaderURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	if p.Scope != "" {
		cfg.Scopes = []string{p.Scope}
	}

	return cfg
}

// oauthContext makes the oauth2 package use the session's HTTP client.
func (env *flowEnv) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, env.client)
}

// refreshContext is oauthContext for refresh grants. The oauth2 refresher
// sends no scope, but the partners require the one the token was issued
// for.
func (env *flowEnv) refreshContext(ctx context.Context) context.Context {
	if env.partner.Scope == "" {
		return env.oauthContext(ctx)
	}

	client := *env.client
	client.Transport = &formParamTransport{
		base:   env.client.Transport,
		params: url.Values{"scope": {env.partner.Scope}},
	}

	return context.WithValue(ctx, oauth2.HTTPClient, &client)
}

// formParamTransport adds params to form-encoded POST bodies that do not
// already carry them.
type formParamTransport struct {
	base   http.RoundTripper
	params url.Values
}

func (t *formParamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Method != http.MethodPost || req.Body == nil ||
		!strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()

	if err != nil {
		return nil, err
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}

	for k, vs := range t.params {
		if form.Get(k) == "" {
			form[k] = vs
		}
	}

	body := form.Encode()

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(strings.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}

	return base.RoundTrip(out)
}

func (f DeviceFlow) login(ctx context.Context, env *flowEnv) (*oauth2.Token, error) {
	if env.partner.DeviceTokenIsAccessToken {
		env.logger.Info("partner uses the device secret as access token, skipping token request",
			slog.String("partner", env.partner.Name),
		)

		return &oauth2.Token{AccessToken: f.RefreshToken}, nil
	}

	env.logger.Info("refreshing device token",
		slog.String("partner", env.partner.Name),
	)

	src := oauthConfig(env.partner).TokenSource(env.refreshContext(ctx), &oauth2.Token{RefreshToken: f.RefreshToken})

	// The refresher keeps the old refresh token when the response omits one.
	tok, err := src.Token()
	if err != nil {
		return nil, tokenError("refresh device token", err)
	}

	env.logger.Info("device token refreshed",
		slog.Time("expiry", tok.Expiry),
		slog.Bool("rotated", tok.RefreshToken != f.RefreshToken),
	)

	return tok, nil
}

func (f AuthCodeFlow) login(ctx context.Context, env *flowEnv) (*oauth2.Token, error) {
	if err := webLogin(ctx, env, f.Username, f.Password); err != nil {
		return nil, err
	}

	cfg := oauthConfig(env.partner)

	code, err := authorize(ctx, env, cfg)
	if err != nil {
		return nil, err
	}

	env.logger.Debug("authorization code obtained, exchanging for token")

	tok, err := cfg.Exchange(env.oauthContext(ctx), code, oauth2.SetAuthURLParam("scope", env.partner.Scope))
	if err != nil {
		return nil, tokenError("exchange authorization code", err)
	}

	env.logger.Info("token exchange successful", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

func (f EmbeddedTokenFlow) login(ctx context.Context, env *flowEnv) (*oauth2.Token, error) {
	if err := webLogin(ctx, env, f.Username, f.Password); err != nil {
		return nil, err
	}

	env.logger.Debug("fetching token page", slog.String("url", env.partner.TatURL))

	req, err := newRequest(ctx, http.MethodGet, env.partner.TatURL, nil, env.userAgent)
	if err != nil {
		return nil, &Error{Op: "fetch token page", Err: ErrTokenExchange, Cause: err}
	}

	resp, err := env.followClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "fetch token page", Err: ErrTokenExchange, Cause: err}
	}
	defer resp.Body.Close()

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &Error{Op: "fetch token page", StatusCode: resp.StatusCode, Err: ErrTokenExchange, Cause: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &Error{Op: "fetch token page", StatusCode: resp.StatusCode, Body: truncate(string(page)), Err: ErrTokenExchange}
	}

	token, err := extractEmbeddedToken(string(page))
	if err != nil {
		return nil, &Error{Op: "fetch token page", StatusCode: resp.StatusCode, Err: ErrTokenExchange, Cause: err}
	}

	env.logger.Info("access token extracted from token page")

	return &oauth2.Token{AccessToken: token}, nil
}

// extractEmbeddedToken finds the &tat=...%3D marker and decodes its base64
// payload.
func extractEmbeddedToken(page string) (string, error) {
	m := tatPattern.FindStringSubmatch(page)
	if m == nil || m[1] == "" {
		return "", errors.New("token marker not found in page")
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(m[1], "="))
	if err != nil {
		return "", fmt.Errorf("decoding embedded token: %w", err)
	}

	if len(raw) == 0 {
		return "", errors.New("embedded token is empty")
	}

	return string(raw), nil
}

// webLogin seeds cookies with the optional login form, posts the
// credentials and verifies the partner's session cookie.
func webLogin(ctx context.Context, env *flowEnv, username, password string) error {
	p := env.partner

	if p.LoginFormURL != "" {
		warmUp(ctx, env)
	}

	form := url.Values{}
	form.Set(p.LoginForm.UsernameField, username)
	form.Set(p.LoginForm.PasswordField, password)

	for k, v := range p.LoginForm.Extra {
		form.Set(k, v)
	}

	env.logger.Info("logging in to partner shop",
		slog.String("partner", p.Name),
	)

	req, err := newRequest(ctx, http.MethodPost, p.LoginURL, strings.NewReader(form.Encode()), env.userAgent)
	if err != nil {
		return &Error{Op: "post credentials", Err: ErrLogin, Cause: err}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := env.followClient.Do(req)
	if err != nil {
		return &Error{Op: "post credentials", Err: ErrLogin, Cause: err}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{Op: "post credentials", StatusCode: resp.StatusCode, Body: truncate(string(body)), Err: ErrLogin}
	}

	for _, candidate := range cookieCandidates(p, resp) {
		if hasCookie(env.jar, candidate, p.LoginCookie) {
			env.logger.Debug("login cookie found", slog.String("url", candidate.Host))
			return nil
		}
	}

	return &Error{
		Op:         "post credentials",
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%w: cookie %q not set by %s", ErrLogin, p.LoginCookie, p.Name),
	}
}

// cookieCandidates lists where the session cookie may live, in check order:
// the login URL, then the redirect target (Location header, else the final
// URL after redirects, else the authorize URL).
func cookieCandidates(p Partner, resp *http.Response) []*url.URL {
	var out []*url.URL

	if u, err := url.Parse(p.LoginURL); err == nil {
		out = append(out, u)
	}

	if loc, err := resp.Location(); err == nil {
		return append(out, loc)
	}

	if resp.Request != nil && resp.Request.URL != nil {
		return append(out, resp.Request.URL)
	}

	if u, err := url.Parse(p.AuthURL); err == nil {
		out = append(out, u)
	}

	return out
}

func hasCookie(jar http.CookieJar, u *url.URL, name string) bool {
	for _, c := range jar.Cookies(u) {
		if c.Name == name {
			return true
		}
	}

	return false
}

// warmUp GETs the login form so the shop can set its pre-login cookies.
// Failures are logged and ignored.
func warmUp(ctx context.Context, env *flowEnv) {
	p := env.partner

	q := url.Values{}
	q.Set("client_id", p.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", p.Scope)
	q.Set("redirect_uri", p.ReaderURL)

	for k, v := range p.AuthParams {
		q.Set(k, v)
	}

	rawURL := p.LoginFormURL
	if strings.Contains(rawURL, "?") {
		rawURL += "&" + q.Encode()
	} else {
		rawURL += "?" + q.Encode()
	}

	req, err := newRequest(ctx, http.MethodGet, rawURL, nil, env.userAgent)
	if err != nil {
		env.logger.Warn("login form warm-up failed, proceeding", slog.String("error", err.Error()))
		return
	}

	resp, err := env.followClient.Do(req)
	if err != nil {
		env.logger.Warn("login form warm-up failed, proceeding", slog.String("error", err.Error()))
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()
}

// authorize requests an authorization code. The endpoint must answer with a
// redirect whose Location carries a code parameter; redirects are not
// followed.
func authorize(ctx context.Context, env *flowEnv, cfg *oauth2.Config) (string, error) {
	opts := make([]oauth2.AuthCodeOption, 0, len(env.partner.AuthParams))
	for k, v := range env.partner.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	authURL := cfg.AuthCodeURL("", opts...)

	req, err := newRequest(ctx, http.MethodGet, authURL, nil, env.userAgent)
	if err != nil {
		return "", &Error{Op: "authorize", Err: ErrOAuth, Cause: err}
	}

	resp, err := env.client.Do(req)
	if err != nil {
		return "", &Error{Op: "authorize", Err: ErrOAuth, Cause: err}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()

	if resp.StatusCode < http.StatusMultipleChoices || resp.StatusCode >= http.StatusBadRequest {
		return "", &Error{
			Op:         "authorize",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body)),
			Err:        fmt.Errorf("%w: expected redirect", ErrOAuth),
		}
	}

	loc, err := resp.Location()
	if err != nil {
		return "", &Error{Op: "authorize", StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: no Location header", ErrOAuth)}
	}

	code := loc.Query().Get("code")
	if code == "" {
		// The web reader redirect URI keeps its query inside the fragment.
		if _, frag, ok := strings.Cut(loc.Fragment, "?"); ok {
			if q, qerr := url.ParseQuery(frag); qerr == nil {
				code = q.Get("code")
			}
		}
	}

	if code == "" {
		env.logger.Debug("authorize redirect without code", slog.String("location", loc.Redacted()))

		return "", &Error{Op: "authorize", StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: no code in redirect", ErrOAuth)}
	}

	return code, nil
}

// tokenError converts an oauth2 failure into *Error, keeping the token
// endpoint's response body as diagnostic.
func tokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		return &Error{Op: op, StatusCode: status, Body: truncate(string(re.Body)), Err: ErrTokenExchange}
	}

	return &Error{Op: op, Err: ErrTokenExchange, Cause: err}
}

func newRequest(ctx context.Context, method, rawURL string, body io.Reader, userAgent string) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	return req, nil
}

// maxDiagBody bounds the response body kept in errors.
const maxDiagBody = 2048

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDiagBody {
		return s[:maxDiagBody] + "..."
	}

	return s
}
