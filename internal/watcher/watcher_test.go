package watcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyrjasalo/dynamic-mcp/internal/config"
	"github.com/asyrjasalo/dynamic-mcp/internal/mcp"
)

func buildEchoMCP(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	binaryPath := filepath.Join(tmpDir, "echo-mcp")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/echo-mcp")
	cmd.Dir = projectRoot(t)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Run(), "failed to build echo-mcp binary")

	return binaryPath
}

func projectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "go.mod not found")
		dir = parent
	}
}

func echoConfig(binaryPath string, groups ...string) string {
	servers := ""
	for i, g := range groups {
		if i > 0 {
			servers += ","
		}
		servers += fmt.Sprintf(`%q: {"type": "stdio", "description": "echo", "command": %q}`, g, binaryPath)
	}
	return fmt.Sprintf(`{"mcpServers": {%s}}`, servers)
}

func groupNames(m *mcp.Manager) []string {
	var names []string
	for _, g := range m.ListGroups() {
		names = append(names, g.Name)
	}
	return names
}

func TestReload_AppliesNewConfig(t *testing.T) {
	binary := buildEchoMCP(t)
	path := filepath.Join(t.TempDir(), "dynamic-mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(echoConfig(binary, "one")), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := mcp.NewManager(nil, config.DefaultTimeouts())
	defer m.DisconnectAll()

	cfg, err := config.Load(path)
	require.NoError(t, err)
	m.ConnectAll(ctx, cfg.MCPServers)
	require.Equal(t, []string{"one"}, groupNames(m))

	w, err := New(path, m)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(echoConfig(binary, "two", "three")), 0o644))
	require.NoError(t, w.Reload(ctx))

	assert.Equal(t, []string{"three", "two"}, groupNames(m))
}

func TestReload_InvalidConfigKeepsConnections(t *testing.T) {
	binary := buildEchoMCP(t)
	path := filepath.Join(t.TempDir(), "dynamic-mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(echoConfig(binary, "one")), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := mcp.NewManager(nil, config.DefaultTimeouts())
	defer m.DisconnectAll()

	cfg, err := config.Load(path)
	require.NoError(t, err)
	m.ConnectAll(ctx, cfg.MCPServers)

	w, err := New(path, m)
	require.NoError(t, err)
	defer w.Stop()

	// Break the file: parse failure must abort the reload.
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {`), 0o644))
	require.Error(t, w.Reload(ctx))
	assert.Equal(t, []string{"one"}, groupNames(m))

	// Valid JSON that fails validation must abort too.
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {}}`), 0o644))
	require.Error(t, w.Reload(ctx))
	assert.Equal(t, []string{"one"}, groupNames(m))

	// The surviving group still answers calls.
	tools, err := m.GroupTools("one")
	require.NoError(t, err)
	assert.NotEmpty(t, tools)
}

func TestWatcher_DetectsFileChange(t *testing.T) {
	binary := buildEchoMCP(t)
	path := filepath.Join(t.TempDir(), "dynamic-mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(echoConfig(binary, "one")), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := mcp.NewManager(nil, config.DefaultTimeouts())
	defer m.DisconnectAll()

	cfg, err := config.Load(path)
	require.NoError(t, err)
	m.ConnectAll(ctx, cfg.MCPServers)

	w, err := New(path, m)
	require.NoError(t, err)
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(echoConfig(binary, "renamed")), 0o644))

	assert.Eventually(t, func() bool {
		names := groupNames(m)
		return len(names) == 1 && names[0] == "renamed"
	}, 15*time.Second, 100*time.Millisecond)
}

func TestWatcher_SurvivesFileReplacement(t *testing.T) {
	binary := buildEchoMCP(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "dynamic-mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(echoConfig(binary, "one")), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := mcp.NewManager(nil, config.DefaultTimeouts())
	defer m.DisconnectAll()

	w, err := New(path, m)
	require.NoError(t, err)
	w.Start(ctx)
	defer w.Stop()

	// Replace by rename, the way editors save files.
	tmp := filepath.Join(dir, "dynamic-mcp.json.new")
	require.NoError(t, os.WriteFile(tmp, []byte(echoConfig(binary, "replaced")), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		names := groupNames(m)
		return len(names) == 1 && names[0] == "replaced"
	}, 15*time.Second, 100*time.Millisecond)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynamic-mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	m := mcp.NewManager(nil, config.DefaultTimeouts())
	w, err := New(path, m)
	require.NoError(t, err)

	w.Start(context.Background())
	require.NoError(t, w.Stop())
	// Second Stop must not panic or hang.
	assert.NotPanics(t, func() { w.Stop() })
}

func TestNew_MissingFile(t *testing.T) {
	m := mcp.NewManager(nil, config.DefaultTimeouts())
	_, err := New(filepath.Join(t.TempDir(), "absent.json"), m)
	assert.Error(t, err)
}
