package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	expiresAt := time.Now().Add(time.Hour).Unix()
	tokens := &Tokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    &expiresAt,
	}
	require.NoError(t, store.Save("my-server", tokens))

	loaded, err := store.Load("my-server")
	require.NoError(t, err)
	assert.Equal(t, "access-1", loaded.AccessToken)
	assert.Equal(t, "refresh-1", loaded.RefreshToken)
	require.NotNil(t, loaded.ExpiresAt)
	assert.Equal(t, expiresAt, *loaded.ExpiresAt)
}

func TestStore_LoadMissingIsNotError(t *testing.T) {
	store := NewStore(t.TempDir())

	tokens, err := store.Load("never-saved")
	assert.NoError(t, err)
	assert.Nil(t, tokens)
}

func TestStore_OwnerOnlyPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	store := NewStore(dir)

	require.NoError(t, store.Save("srv", &Tokens{AccessToken: "a"}))

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	fileInfo, err := os.Stat(filepath.Join(dir, "srv.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fileInfo.Mode().Perm())
}

func TestStore_SanitizesServerNames(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save("api.example.com/mcp", &Tokens{AccessToken: "a"}))

	// The name maps to a single flat file inside the store directory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "api_example_com_mcp.json", entries[0].Name())

	loaded, err := store.Load("api.example.com/mcp")
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.AccessToken)
}

func TestTokens_Valid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	buffer := 5 * time.Minute

	future := now.Add(time.Hour).Unix()
	soon := now.Add(time.Minute).Unix() // inside the buffer
	past := now.Add(-time.Hour).Unix()

	tests := []struct {
		name   string
		tokens *Tokens
		want   bool
	}{
		{"nil tokens", nil, false},
		{"empty access token", &Tokens{}, false},
		{"no expiry", &Tokens{AccessToken: "a"}, true},
		{"expires later", &Tokens{AccessToken: "a", ExpiresAt: &future}, true},
		{"expires within buffer", &Tokens{AccessToken: "a", ExpiresAt: &soon}, false},
		{"expired", &Tokens{AccessToken: "a", ExpiresAt: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tokens.Valid(now, buffer))
		})
	}
}
