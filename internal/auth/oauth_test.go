package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authServer is a fake OAuth2 authorization server: RFC 8414 metadata,
// an authorization endpoint that immediately redirects back with a
// code, and a token endpoint that validates PKCE.
type authServer struct {
	srv *httptest.Server

	discoveryCalls atomic.Int64
	tokenCalls     atomic.Int64

	// captured from the flow
	lastChallenge   string
	lastVerifier    string
	lastGrantType   string
	lastResource    string
	refreshResponse map[string]any
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	a := &authServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		a.discoveryCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 a.srv.URL,
			"authorization_endpoint": a.srv.URL + "/authorize",
			"token_endpoint":         a.srv.URL + "/token",
		})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		a.lastChallenge = q.Get("code_challenge")
		require.Equal(t, "S256", q.Get("code_challenge_method"))

		redirect, err := url.Parse(q.Get("redirect_uri"))
		require.NoError(t, err)
		v := redirect.Query()
		v.Set("code", "auth-code-1")
		v.Set("state", q.Get("state"))
		redirect.RawQuery = v.Encode()

		// Simulate the user approving in the browser.
		resp, err := http.Get(redirect.String())
		require.NoError(t, err)
		resp.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		a.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		a.lastGrantType = r.Form.Get("grant_type")
		a.lastVerifier = r.Form.Get("code_verifier")
		a.lastResource = r.Form.Get("resource")

		w.Header().Set("Content-Type", "application/json")
		if a.lastGrantType == "refresh_token" && a.refreshResponse != nil {
			json.NewEncoder(w).Encode(a.refreshResponse)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func testManager(t *testing.T, a *authServer) *Manager {
	t.Helper()
	m := NewManager(NewStore(t.TempDir()))
	m.callbackTimeout = 5 * time.Second
	m.openBrowserFunc = func(rawURL string) error {
		// "Open the browser" by hitting the authorization endpoint,
		// which drives the redirect back to the local callback.
		go func() {
			resp, err := http.Get(rawURL)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
	return m
}

func TestToken_FullAuthorizationFlow(t *testing.T) {
	a := newAuthServer(t)
	m := testManager(t, a)

	serverURL := a.srv.URL + "/mcp"
	token, err := m.Token(context.Background(), "srv", serverURL, "client-1", []string{"mcp"})
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)

	// PKCE: the verifier sent to the token endpoint must hash to the
	// challenge sent to the authorization endpoint.
	require.NotEmpty(t, a.lastVerifier)
	assert.Equal(t, a.lastChallenge, codeChallenge(a.lastVerifier))

	// RFC 8707: the token is bound to the requesting server.
	assert.Equal(t, serverURL, a.lastResource)

	// The token set is persisted for next time.
	saved, err := m.store.Load("srv")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", saved.AccessToken)
	assert.Equal(t, "fresh-refresh", saved.RefreshToken)
	require.NotNil(t, saved.ExpiresAt)
}

func TestToken_CachedTokenSkipsDiscovery(t *testing.T) {
	a := newAuthServer(t)
	m := testManager(t, a)

	expiresAt := time.Now().Add(time.Hour).Unix()
	require.NoError(t, m.store.Save("srv", &Tokens{
		AccessToken: "cached-access",
		ExpiresAt:   &expiresAt,
	}))

	token, err := m.Token(context.Background(), "srv", a.srv.URL, "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "cached-access", token)

	// A valid cached token must produce zero network traffic.
	assert.Zero(t, a.discoveryCalls.Load())
	assert.Zero(t, a.tokenCalls.Load())
}

func TestToken_RefreshesExpiredToken(t *testing.T) {
	a := newAuthServer(t)
	m := testManager(t, a)

	expired := time.Now().Add(-time.Hour).Unix()
	require.NoError(t, m.store.Save("srv", &Tokens{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    &expired,
	}))

	token, err := m.Token(context.Background(), "srv", a.srv.URL, "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, "refresh_token", a.lastGrantType)

	saved, err := m.store.Load("srv")
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh", saved.RefreshToken)
}

func TestToken_RefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	a := newAuthServer(t)
	// Server answers the refresh without a new refresh token.
	a.refreshResponse = map[string]any{
		"access_token": "fresh-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	m := testManager(t, a)

	expired := time.Now().Add(-time.Hour).Unix()
	require.NoError(t, m.store.Save("srv", &Tokens{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    &expired,
	}))

	_, err := m.Token(context.Background(), "srv", a.srv.URL, "client-1", nil)
	require.NoError(t, err)

	saved, err := m.store.Load("srv")
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", saved.RefreshToken, "missing rotation keeps the old refresh token")
}

func TestToken_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := NewManager(NewStore(t.TempDir()))

	_, err := m.Token(context.Background(), "srv", srv.URL, "client-1", nil)
	require.Error(t, err)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "discovery", authErr.Stage)
	assert.Equal(t, "srv", authErr.Server)
}

func TestWaitForCallback_StateMismatch(t *testing.T) {
	a := newAuthServer(t)
	m := testManager(t, a)

	// Authorization server that echoes back the wrong state.
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "x",
			"authorization_endpoint": "http://" + r.Host + "/authorize",
			"token_endpoint":         "http://" + r.Host + "/token",
		})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		redirect, _ := url.Parse(r.URL.Query().Get("redirect_uri"))
		v := redirect.Query()
		v.Set("code", "c")
		v.Set("state", "forged")
		redirect.RawQuery = v.Encode()
		resp, err := http.Get(redirect.String())
		if err == nil {
			resp.Body.Close()
		}
	})
	evil := httptest.NewServer(mux)
	defer evil.Close()

	_, err := m.Token(context.Background(), "srv", evil.URL, "client-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestCodeChallenge(t *testing.T) {
	// RFC 7636 appendix B reference vector.
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		codeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestRandomToken_Unique(t *testing.T) {
	a, err := randomToken()
	require.NoError(t, err)
	b, err := randomToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 40)
}
