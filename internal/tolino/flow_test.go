package tolino

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poesterlin/tolino-calibre-sync/internal/tokenfile"
)

const readerURL = "https://reader.example/library/index.html"

type tLogWriter struct{ t *testing.T }

func (w tLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(tLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeServer routes by exact path and records every hit.
type fakeServer struct {
	*httptest.Server

	mu     sync.Mutex
	hits   []string
	routes map[string]http.HandlerFunc
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{routes: make(map[string]http.HandlerFunc)}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.hits = append(fs.hits, r.Method+" "+r.URL.Path)
		h, ok := fs.routes[r.URL.Path]
		fs.mu.Unlock()

		if !ok {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)

			return
		}

		h(w, r)
	}))

	t.Cleanup(fs.Close)

	return fs
}

func (fs *fakeServer) handle(path string, h http.HandlerFunc) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.routes[path] = h
}

func (fs *fakeServer) hitCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return len(fs.hits)
}

func (fs *fakeServer) hitList() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]string(nil), fs.hits...)
}

func testPartner(base string) Partner {
	return Partner{
		ID:           3,
		Name:         "Test Shop",
		ClientID:     "webreader",
		Scope:        "SCOPE_BOSH",
		TokenURL:     base + "/oauth2/token",
		LoginFormURL: base + "/oauth2/login",
		AuthURL:      base + "/oauth2/authorize",
		LoginURL:     base + "/login.do",
		LogoutURL:    base + "/logout",
		ReaderURL:    readerURL,
		LoginForm: LoginForm{
			UsernameField: "j_username",
			PasswordField: "j_password",
			Extra:         map[string]string{"login": ""},
		},
		LoginCookie:     "OAUTH-JSESSIONID",
		AuthParams:      map[string]string{"x_buchde.skin_id": "17"},
		RegisterURL:     base + "/rest/registerhw",
		DevicesURL:      base + "/rest/devices/list",
		UnregisterURL:   base + "/rest/devices/delete",
		UploadURL:       base + "/rest/upload",
		MetaURL:         base + "/rest/meta",
		CoverURL:        base + "/rest/cover",
		SyncDataURL:     base + "/rest/sync-data?paths=publications,audiobooks",
		DeleteURL:       base + "/rest/deletecontent",
		InventoryURL:    base + "/rest/inventory/delta",
		DownloadInfoURL: base + "/rest//cloud/downloadinfo/{}/{}/type/external-download",
		DeleteMethod:    http.MethodGet,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWebLogin installs the login form, credential POST and authorize
// endpoints of a well-behaved shop.
func handleWebLogin(t *testing.T, fs *fakeServer) {
	t.Helper()

	fs.handle("/oauth2/login", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "webreader", r.URL.Query().Get("client_id"))
		assert.Equal(t, "17", r.URL.Query().Get("x_buchde.skin_id"))
		http.SetCookie(w, &http.Cookie{Name: "PRELOGIN", Value: "1", Path: "/"})
	})

	fs.handle("/login.do", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "reader@example.com", r.PostForm.Get("j_username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("j_password"))
		assert.Contains(t, r.PostForm, "login")

		_, err := r.Cookie("PRELOGIN")
		assert.NoError(t, err, "warm-up cookie should be sent")

		http.SetCookie(w, &http.Cookie{Name: "OAUTH-JSESSIONID", Value: "sess-1", Path: "/"})
		http.Redirect(w, r, "/account", http.StatusFound)
	})

	fs.handle("/account", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	fs.handle("/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
		_, err := r.Cookie("OAUTH-JSESSIONID")
		assert.NoError(t, err)

		q := r.URL.Query()
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "webreader", q.Get("client_id"))
		assert.Equal(t, readerURL, q.Get("redirect_uri"))
		assert.Equal(t, "SCOPE_BOSH", q.Get("scope"))
		assert.Equal(t, "17", q.Get("x_buchde.skin_id"))

		w.Header().Set("Location", readerURL+"?code=auth-code-1")
		w.WriteHeader(http.StatusFound)
	})
}

func handleCodeExchange(t *testing.T, fs *fakeServer) {
	t.Helper()

	fs.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "auth-code-1", r.PostForm.Get("code"))
		assert.Equal(t, "webreader", r.PostForm.Get("client_id"))
		assert.Equal(t, readerURL, r.PostForm.Get("redirect_uri"))
		assert.Equal(t, "SCOPE_BOSH", r.PostForm.Get("scope"))

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
}

func newPasswordSession(t *testing.T, fs *fakeServer, partner Partner) *Session {
	t.Helper()

	s, err := NewSession(SessionConfig{
		Partner:     partner,
		Mode:        ModePassword,
		HardwareID:  "hw-1",
		Credentials: FlowCredentials{Username: "reader@example.com", Password: "hunter2"},
		HTTPClient:  fs.Client(),
		UserAgent:   "test-agent",
	}, testLogger(t))
	require.NoError(t, err)

	return s
}

// loggedInSession returns a password session logged in through the
// authorization-code flow.
func loggedInSession(t *testing.T, fs *fakeServer) *Session {
	t.Helper()

	handleWebLogin(t, fs)
	handleCodeExchange(t, fs)

	s := newPasswordSession(t, fs, testPartner(fs.URL))
	require.NoError(t, s.Login(context.Background()))

	return s
}

func TestNewFlow_Selection(t *testing.T) {
	p := testPartner("http://x")

	f, err := NewFlow(ModeDevice, p, FlowCredentials{RefreshToken: "r"})
	require.NoError(t, err)
	assert.Equal(t, FlowDevice, f.Kind())

	f, err = NewFlow(ModePassword, p, FlowCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, FlowAuthCode, f.Kind())

	p.TatURL = "http://x/tat"
	f, err = NewFlow(ModePassword, p, FlowCredentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, FlowEmbeddedToken, f.Kind())

	_, err = NewFlow(ModeDevice, p, FlowCredentials{})
	assert.ErrorIs(t, err, ErrLogin)

	_, err = NewFlow(ModePassword, p, FlowCredentials{Username: "u"})
	assert.ErrorIs(t, err, ErrLogin)

	_, err = NewFlow("sso", p, FlowCredentials{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDeviceFlow_RefreshAndPersist(t *testing.T) {
	fs := newFakeServer(t)

	var (
		mu   sync.Mutex
		sent []string
	)

	fs.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "webreader", r.PostForm.Get("client_id"))
		assert.Equal(t, "SCOPE_BOSH", r.PostForm.Get("scope"))

		rt := r.PostForm.Get("refresh_token")

		mu.Lock()
		sent = append(sent, rt)
		mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-" + rt,
			"refresh_token": rt + "-next",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	newSession := func() *Session {
		s, err := NewSession(SessionConfig{
			Partner:     testPartner(fs.URL),
			Mode:        ModeDevice,
			HardwareID:  "hw-1",
			Credentials: FlowCredentials{RefreshToken: "r1"},
			TokenFile:   tokenPath,
			HTTPClient:  fs.Client(),
		}, testLogger(t))
		require.NoError(t, err)

		return s
	}

	s := newSession()
	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, StateLoggedIn, s.State())
	assert.Equal(t, "access-r1", s.Token().AccessToken)
	assert.False(t, s.Token().Expiry.IsZero())

	saved, meta, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "r1-next", saved.RefreshToken)
	assert.Equal(t, "3", meta[tokenfile.MetaPartnerID])
	assert.Equal(t, "hw-1", meta[tokenfile.MetaHardwareID])

	// The next run starts from the rotated token, not the configured one.
	s2 := newSession()
	require.NoError(t, s2.Login(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1", "r1-next"}, sent)
}

func TestDeviceFlow_RotatedTokenReusedWithoutTokenFile(t *testing.T) {
	fs := newFakeServer(t)

	var (
		mu   sync.Mutex
		sent []string
	)

	fs.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())

		rt := r.PostForm.Get("refresh_token")

		mu.Lock()
		sent = append(sent, rt)
		next := fmt.Sprintf("r%d", len(sent)+1)
		mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-" + rt,
			"refresh_token": next,
			"token_type":    "Bearer",
		})
	})

	s, err := NewSession(SessionConfig{
		Partner:     testPartner(fs.URL),
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "r1"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)

	ctx := context.Background()

	// Two watch cycles on one session.
	require.NoError(t, s.Login(ctx))
	require.NoError(t, s.Logout(ctx))
	require.NoError(t, s.Login(ctx))
	assert.Equal(t, "access-r2", s.Token().AccessToken)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1", "r2"}, sent)
}

func TestDeviceFlow_NoScopeWhenPartnerHasNone(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.NotContains(t, r.PostForm, "scope")
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "token_type": "Bearer"})
	})

	p := testPartner(fs.URL)
	p.Scope = ""

	s, err := NewSession(SessionConfig{
		Partner:     p,
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "r1"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Login(context.Background()))
}

func TestFormParamTransport_KeepsExistingValues(t *testing.T) {
	var got url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		got = r.PostForm
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: &formParamTransport{
		params: url.Values{"scope": {"added"}, "client_id": {"ignored"}},
	}}

	resp, err := client.Post(srv.URL, "application/x-www-form-urlencoded", strings.NewReader("client_id=webreader"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "webreader", got.Get("client_id"))
	assert.Equal(t, "added", got.Get("scope"))
}

func TestDeviceFlow_RetainsRefreshTokenWhenOmitted(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "token_type": "Bearer"})
	})

	s, err := NewSession(SessionConfig{
		Partner:     testPartner(fs.URL),
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "keep-me"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, "keep-me", s.Token().RefreshToken)
	assert.True(t, s.Token().Expiry.IsZero())
}

func TestDeviceFlow_MissingAccessToken(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"refresh_token": "r2"})
	})

	s, err := NewSession(SessionConfig{
		Partner:     testPartner(fs.URL),
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "r1"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)

	err = s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.Equal(t, StateLoggedOut, s.State())
	assert.Nil(t, s.Token())
}

func TestDeviceFlow_RejectedRefreshCarriesBody(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	})

	s, err := NewSession(SessionConfig{
		Partner:     testPartner(fs.URL),
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "stale"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)

	err = s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchange)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Contains(t, te.Body, "invalid_grant")
}

func TestDeviceFlow_TokenIsAccessToken(t *testing.T) {
	fs := newFakeServer(t)

	p := testPartner(fs.URL)
	p.DeviceTokenIsAccessToken = true

	s, err := NewSession(SessionConfig{
		Partner:     p,
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "direct-access"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, "direct-access", s.Token().AccessToken)
	assert.Equal(t, 0, fs.hitCount())
}

func TestAuthCodeFlow_Success(t *testing.T) {
	fs := newFakeServer(t)
	s := loggedInSession(t, fs)

	assert.Equal(t, StateLoggedIn, s.State())
	assert.Equal(t, "access-1", s.Token().AccessToken)
	assert.Equal(t, "refresh-1", s.Token().RefreshToken)

	assert.Equal(t, []string{
		"GET /oauth2/login",
		"POST /login.do",
		"GET /account",
		"GET /oauth2/authorize",
		"POST /oauth2/token",
	}, fs.hitList())
}

func TestAuthCodeFlow_WarmUpFailureIsIgnored(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)
	handleCodeExchange(t, fs)

	p := testPartner(fs.URL)
	p.LoginFormURL = "http://127.0.0.1:1/unreachable"

	s := newPasswordSession(t, fs, p)

	// The credential POST asserts the warm-up cookie; without warm-up it is
	// absent, so replace the handler with a lenient one.
	fs.handle("/login.do", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "OAUTH-JSESSIONID", Value: "sess-1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, s.Login(context.Background()))
}

func TestAuthCodeFlow_MissingCookie(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/login", func(w http.ResponseWriter, _ *http.Request) {})
	fs.handle("/login.do", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wrong password"))
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLogin)
	assert.Contains(t, err.Error(), "OAUTH-JSESSIONID")
	assert.Equal(t, StateLoggedOut, s.State())
	assert.NotContains(t, fs.hitList(), "GET /oauth2/authorize")
}

func TestAuthCodeFlow_CookieOnRedirectTarget(t *testing.T) {
	// The shop sets the session cookie only on the page it redirects to.
	fs := newFakeServer(t)
	handleWebLogin(t, fs)
	handleCodeExchange(t, fs)

	fs.handle("/login.do", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/account", http.StatusFound)
	})
	fs.handle("/account", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "OAUTH-JSESSIONID", Value: "sess-2", Path: "/account"})
	})
	fs.handle("/oauth2/authorize", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", readerURL+"?code=auth-code-1")
		w.WriteHeader(http.StatusFound)
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))
	require.NoError(t, s.Login(context.Background()))
}

func TestAuthCodeFlow_NoCodeInRedirect(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)

	fs.handle("/oauth2/authorize", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", readerURL+"?error=access_denied")
		w.WriteHeader(http.StatusFound)
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuth)
	assert.NotContains(t, fs.hitList(), "POST /oauth2/token")
}

func TestAuthCodeFlow_AuthorizeWithoutRedirect(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)

	fs.handle("/oauth2/authorize", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>consent page</html>"))
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuth)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusOK, te.StatusCode)
	assert.Contains(t, te.Body, "consent page")
}

func TestAuthCodeFlow_CodeInFragment(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)
	handleCodeExchange(t, fs)

	fs.handle("/oauth2/authorize", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", readerURL+"#/mybooks/titles?code=auth-code-1")
		w.WriteHeader(http.StatusFound)
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))
	require.NoError(t, s.Login(context.Background()))
}

func TestAuthCodeFlow_ExchangeFailure(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)

	fs.handle("/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.Contains(t, err.Error(), "invalid_client")
}

func TestEmbeddedTokenFlow(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)

	fs.handle("/tat", func(w http.ResponseWriter, r *http.Request) {
		_, err := r.Cookie("OAUTH-JSESSIONID")
		assert.NoError(t, err)
		_, _ = w.Write([]byte(`<a href="https://reader.example/?x=1&tat=dGF0LWFjY2Vzcy10b2tlbi0xMjM%3D&y=2">read</a>`))
	})

	p := testPartner(fs.URL)
	p.TatURL = fs.URL + "/tat"

	s := newPasswordSession(t, fs, p)
	assert.Equal(t, FlowEmbeddedToken, s.flow.Kind())

	require.NoError(t, s.Login(context.Background()))

	tok := s.Token()
	assert.Equal(t, "tat-access-token-123", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.True(t, tok.Expiry.IsZero())
	assert.NotContains(t, fs.hitList(), "GET /oauth2/authorize")
}

func TestEmbeddedTokenFlow_MarkerMissing(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)

	fs.handle("/tat", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>no token here</html>`))
	})

	p := testPartner(fs.URL)
	p.TatURL = fs.URL + "/tat"

	err := newPasswordSession(t, fs, p).Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestExtractEmbeddedToken(t *testing.T) {
	tok, err := extractEmbeddedToken("foo&tat=YWJj%3Dbar")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = extractEmbeddedToken("&tat=%3D")
	assert.Error(t, err)
}

func TestLogout_DeviceModeNoNetwork(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "refresh_token": "r", "token_type": "Bearer"})
	})

	s, err := NewSession(SessionConfig{
		Partner:     testPartner(fs.URL),
		Mode:        ModeDevice,
		Credentials: FlowCredentials{RefreshToken: "r"},
		HTTPClient:  fs.Client(),
	}, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Login(context.Background()))

	before := fs.hitCount()

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, before, fs.hitCount())
	assert.Equal(t, StateLoggedOut, s.State())
	assert.Nil(t, s.Token())
}

func TestLogout_WebLogout(t *testing.T) {
	fs := newFakeServer(t)
	s := loggedInSession(t, fs)

	fs.handle("/logout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		http.Redirect(w, r, "/", http.StatusFound)
	})

	require.NoError(t, s.Logout(context.Background()))
	assert.Nil(t, s.Token())
	assert.Contains(t, fs.hitList(), "POST /logout")
}

func TestLogout_RevokeFailureFallsThrough(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)
	handleCodeExchange(t, fs)

	p := testPartner(fs.URL)
	p.RevokeURL = fs.URL + "/oauth2/revoke"

	fs.handle("/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh-1", r.PostForm.Get("token"))
		assert.Equal(t, "refresh_token", r.PostForm.Get("token_type"))
		w.WriteHeader(http.StatusInternalServerError)
	})
	fs.handle("/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := newPasswordSession(t, fs, p)
	require.NoError(t, s.Login(context.Background()))

	require.NoError(t, s.Logout(context.Background()))

	hits := fs.hitList()
	assert.Contains(t, hits, "POST /oauth2/revoke")
	assert.Contains(t, hits, "POST /logout")
	assert.Nil(t, s.Token())
}

func TestLogout_RevokeSuccessSkipsWebLogout(t *testing.T) {
	fs := newFakeServer(t)
	handleWebLogin(t, fs)
	handleCodeExchange(t, fs)

	p := testPartner(fs.URL)
	p.RevokeURL = fs.URL + "/oauth2/revoke"

	fs.handle("/oauth2/revoke", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := newPasswordSession(t, fs, p)
	require.NoError(t, s.Login(context.Background()))
	require.NoError(t, s.Logout(context.Background()))

	assert.NotContains(t, fs.hitList(), "POST /logout")
}

func TestLogout_AfterFailedLoginMakesNoRequest(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/oauth2/login", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	fs.handle("/login.do", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	fs.handle("/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	s := newPasswordSession(t, fs, testPartner(fs.URL))

	err := s.Login(context.Background())
	require.ErrorIs(t, err, ErrLogin)

	require.NoError(t, s.Logout(context.Background()))
	assert.NotContains(t, fs.hitList(), "POST /logout")
	assert.Equal(t, StateLoggedOut, s.State())
}

func TestLogout_WebLogoutFailureStillClearsTokens(t *testing.T) {
	fs := newFakeServer(t)
	s := loggedInSession(t, fs)

	fs.handle("/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("maintenance"))
	})

	err := s.Logout(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLogout)
	assert.Contains(t, err.Error(), "maintenance")
	assert.Nil(t, s.Token())
	assert.Equal(t, StateLoggedOut, s.State())

	_, err = s.Inventory(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}
