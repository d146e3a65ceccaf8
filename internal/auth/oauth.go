package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/asyrjasalo/dynamic-mcp/internal/logging"
)

// expiryBuffer is how long before expiry a cached token is refreshed.
const expiryBuffer = 5 * time.Minute

// Error is a typed authorization failure. It aborts only the owning
// group's connection attempt, never the process.
type Error struct {
	Stage  string // discovery, refresh, authorize, exchange, callback
	Server string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("oauth %s for %s: %v", e.Stage, e.Server, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// serverMetadata is the subset of RFC 8414 authorization server
// metadata the flow needs.
type serverMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// Manager runs the PKCE authorization-code flow and keeps tokens fresh,
// one token file per upstream server.
type Manager struct {
	store  *Store
	client *http.Client

	// test seams
	now             func() time.Time
	openBrowserFunc func(url string) error
	callbackTimeout time.Duration
}

// NewManager creates a token manager backed by the given store.
func NewManager(store *Store) *Manager {
	return &Manager{
		store:           store,
		client:          &http.Client{Timeout: 30 * time.Second},
		now:             time.Now,
		openBrowserFunc: openBrowser,
		callbackTimeout: 3 * time.Minute,
	}
}

// Token returns a valid access token for the named server, running the
// full browser flow only when no cached token can be used or refreshed.
func (m *Manager) Token(ctx context.Context, serverName, serverURL, clientID string, scopes []string) (string, error) {
	cached, err := m.store.Load(serverName)
	if err != nil {
		logging.Warn().Err(err).Str("server", serverName).Msg("unreadable token cache, re-authorizing")
	}

	if cached.Valid(m.now(), expiryBuffer) {
		return cached.AccessToken, nil
	}

	meta, err := m.discover(ctx, serverURL)
	if err != nil {
		return "", &Error{Stage: "discovery", Server: serverName, Err: err}
	}

	if cached != nil && cached.RefreshToken != "" {
		tokens, err := m.refresh(ctx, meta, clientID, cached)
		if err == nil {
			if err := m.store.Save(serverName, tokens); err != nil {
				return "", &Error{Stage: "refresh", Server: serverName, Err: err}
			}
			return tokens.AccessToken, nil
		}
		logging.Warn().Err(err).Str("server", serverName).Msg("token refresh failed, re-authorizing")
	}

	tokens, err := m.authorize(ctx, meta, serverURL, clientID, scopes)
	if err != nil {
		return "", err
	}
	if err := m.store.Save(serverName, tokens); err != nil {
		return "", &Error{Stage: "authorize", Server: serverName, Err: err}
	}
	return tokens.AccessToken, nil
}

// discover fetches the authorization server metadata from the
// well-known endpoint at the server's origin.
func (m *Manager) discover(ctx context.Context, serverURL string) (*serverMetadata, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	wellKnown := fmt.Sprintf("%s://%s/.well-known/oauth-authorization-server", parsed.Scheme, parsed.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	var meta serverMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata missing authorization or token endpoint")
	}
	return &meta, nil
}

// refresh exchanges the stored refresh token for a new token set. If
// the server omits a refresh token in its answer, the old one is kept
// (rotation is optional per RFC 6749).
func (m *Manager) refresh(ctx context.Context, meta *serverMetadata, clientID string, old *Tokens) (*Tokens, error) {
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: meta.TokenEndpoint},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: old.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}

	tokens := fromOAuth2Token(tok)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = old.RefreshToken
	}
	return tokens, nil
}

// authorize runs the full PKCE authorization-code flow: browser to the
// authorization endpoint, local callback listener for the code, code
// exchange at the token endpoint.
func (m *Manager) authorize(ctx context.Context, meta *serverMetadata, serverURL, clientID string, scopes []string) (*Tokens, error) {
	serverName := serverURL

	verifier, err := randomToken()
	if err != nil {
		return nil, &Error{Stage: "authorize", Server: serverName, Err: err}
	}
	challenge := codeChallenge(verifier)
	state, err := randomToken()
	if err != nil {
		return nil, &Error{Stage: "authorize", Server: serverName, Err: err}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &Error{Stage: "callback", Server: serverName, Err: err}
	}
	defer listener.Close()

	redirectURL := fmt.Sprintf("http://%s/callback", listener.Addr().String())

	conf := &oauth2.Config{
		ClientID:    clientID,
		Scopes:      scopes,
		RedirectURL: redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		// RFC 8707: bind the token to the API it is meant for.
		oauth2.SetAuthURLParam("resource", serverURL),
	)

	if err := m.openBrowserFunc(authURL); err != nil {
		fmt.Fprintf(os.Stderr, "Open this URL to authorize access:\n\n  %s\n\n", authURL)
	}

	code, err := waitForCallback(ctx, listener, state, m.callbackTimeout)
	if err != nil {
		return nil, &Error{Stage: "callback", Server: serverName, Err: err}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
		oauth2.SetAuthURLParam("resource", serverURL),
	)
	if err != nil {
		return nil, &Error{Stage: "exchange", Server: serverName, Err: err}
	}

	return fromOAuth2Token(tok), nil
}

// waitForCallback serves the redirect endpoint until the authorization
// code arrives, the timeout fires, or the context is cancelled.
func waitForCallback(ctx context.Context, listener net.Listener, state string, timeout time.Duration) (string, error) {
	type result struct {
		code string
		err  error
	}
	resultCh := make(chan result, 1)

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			if query.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				resultCh <- result{err: fmt.Errorf("state mismatch in callback")}
				return
			}
			if errCode := query.Get("error"); errCode != "" {
				http.Error(w, errCode, http.StatusBadRequest)
				resultCh <- result{err: fmt.Errorf("authorization denied: %s", errCode)}
				return
			}
			code := query.Get("code")
			if code == "" {
				http.Error(w, "missing code", http.StatusBadRequest)
				resultCh <- result{err: fmt.Errorf("callback missing authorization code")}
				return
			}
			fmt.Fprint(w, "Authorization complete. You can close this window.")
			resultCh <- result{code: code}
		}),
	}
	go srv.Serve(listener)
	defer srv.Close()

	select {
	case res := <-resultCh:
		return res.code, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting for authorization callback")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func fromOAuth2Token(tok *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiresAt := tok.Expiry.Unix()
		tokens.ExpiresAt = &expiresAt
	}
	return tokens
}

// codeChallenge derives the S256 PKCE challenge from a verifier.
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// randomToken generates a cryptographically random URL-safe token.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
