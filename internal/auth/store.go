// Package auth obtains and maintains OAuth2 bearer tokens for upstream
// HTTP and SSE servers that declare an oauth_client_id.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tokens is the persisted token set for one upstream server.
// ExpiresAt is unix seconds; nil means the token never expires.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    *int64 `json:"expires_at"`
}

// Valid reports whether the access token is usable at now, leaving the
// given buffer before the recorded expiry.
func (t *Tokens) Valid(now time.Time, buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt == nil {
		return true
	}
	return now.Add(buffer).Before(time.Unix(*t.ExpiresAt, 0))
}

// Store persists one token file per upstream server name under a fixed
// user-scoped directory, with owner-only permissions.
type Store struct {
	dir string
}

// NewStore creates a token store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultStore returns the store under ~/.dynamic-mcp/tokens.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return NewStore(filepath.Join(home, ".dynamic-mcp", "tokens")), nil
}

// Load reads the token set for the named server. A missing file is not
// an error; it returns (nil, nil).
func (s *Store) Load(serverName string) (*Tokens, error) {
	data, err := os.ReadFile(s.path(serverName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tokens, nil
}

// Save writes the token set atomically (tmp file + rename), creating
// the store directory with owner-only permissions if needed.
func (s *Store) Save(serverName string, tokens *Tokens) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(serverName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) path(serverName string) string {
	return filepath.Join(s.dir, sanitizeName(serverName)+".json")
}

// sanitizeName keeps server names filesystem-safe.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
