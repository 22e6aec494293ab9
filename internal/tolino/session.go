package tolino

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"

	"github.com/poesterlin/tolino-calibre-sync/internal/tokenfile"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateLoggedOut State = iota
	StateLoggingIn
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged-out"
	case StateLoggingIn:
		return "logging-in"
	case StateLoggedIn:
		return "logged-in"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Authentication header names expected by the cloud.
const (
	headerAuthToken  = "t_auth_token"
	headerHardwareID = "hardware_id"
	headerResellerID = "reseller_id"
)

// SessionConfig configures a Session. Identity (partner, hardware id) is
// explicit so that several sessions never share hidden global state.
type SessionConfig struct {
	Partner Partner
	Mode    LoginMode

	// HardwareID identifies this client to the cloud. Empty means the
	// deterministic web reader id for the running OS.
	HardwareID string

	Credentials FlowCredentials

	// TokenFile, when set in device mode, supplies the most recent refresh
	// token and receives rotated ones after each login.
	TokenFile string

	// DeleteMethod overrides Partner.DeleteMethod when non-empty.
	DeleteMethod string

	// HTTPClient provides the transport and timeout. Its jar and redirect
	// policy are replaced by the session's own.
	HTTPClient *http.Client
	UserAgent  string
}

// Session owns the credentials and cookies for one partner and performs
// authenticated cloud calls. Not safe for concurrent use: a sync run drives
// it from a single goroutine.
type Session struct {
	partner      Partner
	hardwareID   string
	flow         LoginFlow
	tokenFile    string
	deleteMethod string
	userAgent    string

	jar          http.CookieJar
	client       *http.Client
	followClient *http.Client
	logger       *slog.Logger

	state State
	token *oauth2.Token

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time
}

// NewSession validates cfg, selects the login flow and prepares the cookie
// jar. No network I/O happens until Login.
func NewSession(cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds := cfg.Credentials

	if cfg.Mode == ModeDevice && cfg.TokenFile != "" {
		saved, _, err := tokenfile.Load(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("tolino: loading token file: %w", err)
		}

		if saved != nil && saved.RefreshToken != "" {
			logger.Debug("using refresh token from token file", slog.String("path", cfg.TokenFile))
			creds.RefreshToken = saved.RefreshToken
		}
	}

	flow, err := NewFlow(cfg.Mode, cfg.Partner, creds)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("tolino: creating cookie jar: %w", err)
	}

	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}

	client := &http.Client{
		Transport: base.Transport,
		Timeout:   base.Timeout,
		Jar:       jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	followClient := &http.Client{
		Transport: base.Transport,
		Timeout:   base.Timeout,
		Jar:       jar,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxLoginRedirects {
				return http.ErrUseLastResponse
			}

			return nil
		},
	}

	hardwareID := cfg.HardwareID
	if hardwareID == "" {
		hardwareID = GenerateHardwareID(runtime.GOOS)
	}

	deleteMethod := cfg.DeleteMethod
	if deleteMethod == "" {
		deleteMethod = cfg.Partner.DeleteMethod
	}

	if deleteMethod == "" {
		deleteMethod = http.MethodGet
	}

	return &Session{
		partner:      cfg.Partner,
		hardwareID:   hardwareID,
		flow:         flow,
		tokenFile:    cfg.TokenFile,
		deleteMethod: deleteMethod,
		userAgent:    cfg.UserAgent,
		jar:          jar,
		client:       client,
		followClient: followClient,
		logger:       logger,
		nowFunc:      time.Now,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Partner returns the partner settings the session uses.
func (s *Session) Partner() Partner { return s.partner }

// HardwareID returns the hardware id sent with authenticated calls.
func (s *Session) HardwareID() string { return s.hardwareID }

// Token returns a copy of the current token, or nil when logged out.
func (s *Session) Token() *oauth2.Token {
	if s.token == nil {
		return nil
	}

	tok := *s.token

	return &tok
}

// Login runs the configured flow. On failure the session returns to
// LoggedOut with no token.
func (s *Session) Login(ctx context.Context) error {
	s.state = StateLoggingIn

	env := &flowEnv{
		partner:      s.partner,
		client:       s.client,
		followClient: s.followClient,
		jar:          s.jar,
		userAgent:    s.userAgent,
		logger:       s.logger,
	}

	tok, err := s.flow.login(ctx, env)
	if err != nil {
		s.clear()
		return err
	}

	if tok == nil || tok.AccessToken == "" {
		s.clear()
		return &Error{Op: "login", Err: fmt.Errorf("%w: no access token", ErrTokenExchange)}
	}

	s.token = tok
	s.state = StateLoggedIn

	s.logger.Info("logged in to tolino cloud",
		slog.String("partner", s.partner.Name),
		slog.String("flow", s.flow.Kind().String()),
	)

	if df, ok := s.flow.(DeviceFlow); ok {
		s.persistDeviceToken(df)
	}

	return nil
}

// persistDeviceToken adopts a rotated refresh token for the next Login on
// this session, then saves it so the next run starts from it. Save failures
// are logged: the current run is already authenticated.
func (s *Session) persistDeviceToken(df DeviceFlow) {
	if s.token.RefreshToken == "" {
		return
	}

	rotated := s.token.RefreshToken != df.RefreshToken
	if rotated {
		s.flow = DeviceFlow{RefreshToken: s.token.RefreshToken}
	}

	if s.tokenFile == "" {
		if rotated {
			s.logger.Warn("refresh token rotated but no token file is configured; the next run needs a new token")
		}

		return
	}

	meta := map[string]string{
		tokenfile.MetaPartnerID:  strconv.Itoa(s.partner.ID),
		tokenfile.MetaHardwareID: s.hardwareID,
	}

	if err := tokenfile.Save(s.tokenFile, s.token, meta); err != nil {
		s.logger.Warn("could not persist rotated refresh token",
			slog.String("path", s.tokenFile),
			slog.String("error", err.Error()),
		)

		return
	}

	if rotated {
		s.logger.Info("saved rotated refresh token", slog.String("path", s.tokenFile))
	}
}

// Logout ends the session. Device sessions make no network call. Otherwise
// the refresh token is revoked when the partner supports it; a failed
// revocation is logged and falls through to the web logout, whose failure
// is returned as ErrLogout. A session that never obtained a token makes no
// network call. Local tokens are cleared in every case.
func (s *Session) Logout(ctx context.Context) error {
	defer s.clear()

	if s.flow.Kind() == FlowDevice {
		s.logger.Debug("device session, skipping remote logout")
		return nil
	}

	if s.token == nil {
		s.logger.Debug("not logged in, skipping remote logout")
		return nil
	}

	if s.partner.RevokeURL != "" && s.token.RefreshToken != "" {
		err := s.revoke(ctx)
		if err == nil {
			s.logger.Info("refresh token revoked")
			return nil
		}

		s.logger.Warn("token revocation failed, attempting web logout",
			slog.String("error", err.Error()),
		)
	}

	if s.partner.LogoutURL == "" {
		s.logger.Warn("partner has no logout endpoint", slog.String("partner", s.partner.Name))
		return nil
	}

	req, err := newRequest(ctx, http.MethodPost, s.partner.LogoutURL, nil, s.userAgent)
	if err != nil {
		return &Error{Op: "web logout", Err: ErrLogout, Cause: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &Error{Op: "web logout", Err: ErrLogout, Cause: err}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && (resp.StatusCode < 300 || resp.StatusCode >= 400) {
		return &Error{Op: "web logout", StatusCode: resp.StatusCode, Body: truncate(string(body)), Err: ErrLogout}
	}

	s.logger.Info("logged out of partner shop", slog.String("partner", s.partner.Name))

	return nil
}

func (s *Session) revoke(ctx context.Context) error {
	form := url.Values{}
	form.Set("client_id", s.partner.ClientID)
	form.Set("token_type", "refresh_token")
	form.Set("token", s.token.RefreshToken)

	req, err := newRequest(ctx, http.MethodPost, s.partner.RevokeURL, strings.NewReader(form.Encode()), s.userAgent)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Op: "revoke", StatusCode: resp.StatusCode, Body: truncate(string(body)), Err: ErrLogout}
	}

	return nil
}

func (s *Session) clear() {
	s.token = nil
	s.state = StateLoggedOut
}

// authHeader returns the identity headers for an authenticated call, or
// ErrNotLoggedIn when there is no access token.
func (s *Session) authHeader() (http.Header, error) {
	if s.token == nil || s.token.AccessToken == "" {
		return nil, ErrNotLoggedIn
	}

	h := http.Header{}
	h.Set(headerAuthToken, s.token.AccessToken)
	h.Set(headerHardwareID, s.hardwareID)
	h.Set(headerResellerID, strconv.Itoa(s.partner.ID))

	return h, nil
}

// call performs one authenticated request. Non-2xx responses become *Error
// carrying sentinel and the response body; the cloud's ResponseInfo message
// is preferred when present. The caller closes the body of a returned
// response.
func (s *Session) call(
	ctx context.Context, op string, sentinel error,
	method, rawURL string, body io.Reader, extra http.Header,
) (*http.Response, error) {
	return s.callWith(ctx, s.client, op, sentinel, method, rawURL, body, extra)
}

func (s *Session) callWith(
	ctx context.Context, client *http.Client, op string, sentinel error,
	method, rawURL string, body io.Reader, extra http.Header,
) (*http.Response, error) {
	header, err := s.authHeader()
	if err != nil {
		return nil, err
	}

	req, err := newRequest(ctx, method, rawURL, body, s.userAgent)
	if err != nil {
		return nil, &Error{Op: op, Err: sentinel, Cause: err}
	}

	for k, vs := range header {
		req.Header[k] = vs
	}

	for k, vs := range extra {
		req.Header[http.CanonicalHeaderKey(k)] = vs
	}

	s.logger.Debug("tolino request",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", req.URL.Path),
	)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tolino: %s canceled: %w", op, ctx.Err())
		}

		return nil, &Error{Op: op, Err: sentinel, Cause: err}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()

	msg := truncate(string(raw))
	if apiMsg := responseInfoMessage(raw); apiMsg != "" {
		msg = apiMsg
	}

	return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: msg, Err: sentinel}
}

// responseInfoMessage extracts ResponseInfo.message from a cloud error body.
func responseInfoMessage(body []byte) string {
	var env struct {
		ResponseInfo struct {
			Message string `json:"message"`
		} `json:"ResponseInfo"`
	}

	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}

	return env.ResponseInfo.Message
}

// decodeJSON decodes a response body into v and closes it.
func decodeJSON(resp *http.Response, op string, v any) error {
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}

		return &Error{Op: op, StatusCode: resp.StatusCode, Err: ErrInvalidResponse, Cause: err}
	}

	return nil
}
