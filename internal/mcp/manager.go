package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/asyrjasalo/dynamic-mcp/internal/auth"
	"github.com/asyrjasalo/dynamic-mcp/internal/config"
	"github.com/asyrjasalo/dynamic-mcp/internal/logging"
)

const (
	clientName    = "dynamic-mcp"
	clientVersion = "0.1.0"

	// maxBurstRetries bounds the fast retry burst after a failed
	// connect. The periodic retry loop keeps going past it.
	maxBurstRetries = 3
)

// GroupStatus is the connection state of one upstream group.
type GroupStatus string

const (
	StatusConnected GroupStatus = "connected"
	StatusFailed    GroupStatus = "failed"
)

// Group is the state of one configured upstream server. Exactly one
// Group exists per configured name; transitions replace the map entry
// wholesale under the manager's write lock.
type Group struct {
	Name        string
	Description string
	Status      GroupStatus
	Tools       []Tool // cached once at connect time; empty when the tools feature is off
	Err         string
	RetryCount  int

	transport Transport
	config    config.ServerConfig
}

// GroupSummary describes one connected group.
type GroupSummary struct {
	Name        string
	Description string
	ToolCount   int
}

// FailedGroup describes one group that could not be connected.
type FailedGroup struct {
	Name        string
	Description string
	Err         string
}

// Manager owns the authoritative map of group name to connection state.
// Reads take the read lock; state transitions take the write lock only
// around the in-memory map mutation, never across upstream I/O.
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*Group

	auth     *auth.Manager
	timeouts config.Timeouts

	// test seams
	newTransport func(ctx context.Context, name string, cfg config.ServerConfig) (Transport, error)
	retryBackoff func() backoff.BackOff
}

// NewManager creates an empty connection manager. authManager may be
// nil when no configured group declares an oauth_client_id.
func NewManager(authManager *auth.Manager, timeouts config.Timeouts) *Manager {
	m := &Manager{
		groups:       make(map[string]*Group),
		auth:         authManager,
		timeouts:     timeouts,
		retryBackoff: defaultRetryBackoff,
	}
	m.newTransport = m.buildTransport
	return m
}

// buildTransport constructs the channel for one group's config,
// running the OAuth flow first for HTTP/SSE groups that declare a
// client id.
func (m *Manager) buildTransport(ctx context.Context, name string, cfg config.ServerConfig) (Transport, error) {
	var bearer string
	if cfg.OAuthClientID != "" && (cfg.Type == config.ServerTypeHTTP || cfg.Type == config.ServerTypeSSE) {
		if m.auth == nil {
			return nil, fmt.Errorf("oauth_client_id set but no token manager configured")
		}
		token, err := m.auth.Token(ctx, name, cfg.URL, cfg.OAuthClientID, cfg.OAuthScopes)
		if err != nil {
			return nil, err
		}
		bearer = token
	}

	switch cfg.Type {
	case config.ServerTypeStdio:
		return NewStdioTransport(cfg.Command, cfg.Args, cfg.Env)
	case config.ServerTypeHTTP:
		return NewHTTPTransport(cfg.URL, cfg.Headers, bearer)
	case config.ServerTypeSSE:
		return NewSSETransport(cfg.URL, cfg.Headers, bearer)
	default:
		return nil, fmt.Errorf("unknown server type: %s", cfg.Type)
	}
}

// establish builds and initializes a session for one group: transport
// construction, handshake with version negotiation, and the one-time
// tools/list snapshot. All I/O happens here, outside the manager lock.
func (m *Manager) establish(ctx context.Context, name string, cfg config.ServerConfig) (Transport, []Tool, error) {
	t, err := m.newTransport(ctx, name, cfg)
	if err != nil {
		return nil, nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, m.timeouts.Connect())
	defer cancel()

	if _, err := Handshake(handshakeCtx, t, ClientInfo{Name: clientName, Version: clientVersion}); err != nil {
		t.Close()
		return nil, nil, err
	}

	var tools []Tool
	if cfg.FeatureEnabled(config.FeatureTools) {
		listCtx, cancel := context.WithTimeout(ctx, m.timeouts.Connect())
		defer cancel()

		raw, err := t.Send(listCtx, "tools/list", nil)
		if err != nil {
			t.Close()
			return nil, nil, fmt.Errorf("tools/list: %w", err)
		}
		var result ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Close()
			return nil, nil, fmt.Errorf("tools/list: malformed result: %w", err)
		}
		tools = result.Tools
	}

	return t, tools, nil
}

// Connect establishes (or replaces) the session for one group. Failure
// is folded into a failed group state rather than propagated; the
// returned error is informational only.
func (m *Manager) Connect(ctx context.Context, name string, cfg config.ServerConfig) error {
	t, tools, err := m.establish(ctx, name, cfg)

	m.mu.Lock()
	if prev, ok := m.groups[name]; ok && prev.transport != nil {
		prev.transport.Close()
	}
	if err != nil {
		m.groups[name] = &Group{
			Name:        name,
			Description: cfg.Description,
			Status:      StatusFailed,
			Err:         err.Error(),
			config:      cfg,
		}
		m.mu.Unlock()
		logging.Warn().Err(err).Str("group", name).Msg("failed to connect group")
		return err
	}
	m.groups[name] = &Group{
		Name:        name,
		Description: cfg.Description,
		Status:      StatusConnected,
		Tools:       tools,
		transport:   t,
		config:      cfg,
	}
	m.mu.Unlock()

	logging.Info().Str("group", name).Int("tools", len(tools)).Msg("group connected")
	return nil
}

// ConnectAll connects every configured group in parallel. One group's
// failure never affects another's attempt or the overall call.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]config.ServerConfig) {
	var g errgroup.Group
	for name, cfg := range servers {
		g.Go(func() error {
			m.Connect(ctx, name, cfg) // failures are folded into group state
			return nil
		})
	}
	g.Wait()

	connected, failed := m.counts()
	logging.Info().Int("connected", connected).Int("failed", failed).Msg("initial connections complete")
}

func (m *Manager) counts() (connected, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Status == StatusConnected {
			connected++
		} else {
			failed++
		}
	}
	return connected, failed
}

// ListGroups returns all connected groups, sorted by name.
func (m *Manager) ListGroups() []GroupSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var groups []GroupSummary
	for _, g := range m.groups {
		if g.Status != StatusConnected {
			continue
		}
		groups = append(groups, GroupSummary{
			Name:        g.Name,
			Description: g.Description,
			ToolCount:   len(g.Tools),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// ListFailedGroups returns all groups in the failed state, sorted by
// name, with their last connection error.
func (m *Manager) ListFailedGroups() []FailedGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var groups []FailedGroup
	for _, g := range m.groups {
		if g.Status != StatusFailed {
			continue
		}
		groups = append(groups, FailedGroup{Name: g.Name, Description: g.Description, Err: g.Err})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// DescribeGroups renders the availability text shown to the calling
// LLM: connected groups first, then failed ones with their reasons, so
// degraded availability is visible rather than silent.
func (m *Manager) DescribeGroups() string {
	var b strings.Builder

	available := m.ListGroups()
	if len(available) > 0 {
		b.WriteString("Available groups:\n")
		for _, g := range available {
			fmt.Fprintf(&b, "- %s: %s (%d tools)\n", g.Name, g.Description, g.ToolCount)
		}
	} else {
		b.WriteString("No groups are currently available.\n")
	}

	if failed := m.ListFailedGroups(); len(failed) > 0 {
		b.WriteString("Unavailable groups:\n")
		for _, g := range failed {
			fmt.Fprintf(&b, "- %s: %s (error: %s)\n", g.Name, g.Description, g.Err)
		}
	}

	return b.String()
}

// GroupTools returns the tool schemas cached at connect time for one
// group. The cache is never refreshed between reconnects.
func (m *Manager) GroupTools(name string) ([]Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[name]
	if !ok {
		return nil, &GroupNotFoundError{Group: name}
	}
	if !g.config.FeatureEnabled(config.FeatureTools) {
		return nil, &FeatureDisabledError{Group: name, Feature: config.FeatureTools}
	}
	if g.Status != StatusConnected {
		return nil, &GroupUnavailableError{Group: name, Reason: g.Err}
	}
	return g.Tools, nil
}

// gate checks feature flag and connection state for a proxy operation
// and hands back the group's transport. The feature gate runs before
// any network I/O.
func (m *Manager) gate(name, feature string) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[name]
	if !ok {
		return nil, &GroupNotFoundError{Group: name}
	}
	if !g.config.FeatureEnabled(feature) {
		return nil, &FeatureDisabledError{Group: name, Feature: feature}
	}
	if g.Status != StatusConnected {
		return nil, &GroupUnavailableError{Group: name, Reason: g.Err}
	}
	return g.transport, nil
}

// forward sends one proxied request over the group's transport with the
// given budget. Proxy calls are never retried; a dead stdio child
// transitions the group to failed so the next call reports it.
func (m *Manager) forward(ctx context.Context, name, feature, method string, params any, budget time.Duration) (json.RawMessage, error) {
	t, err := m.gate(name, feature)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	raw, err := t.Send(callCtx, method, params)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			m.markFailed(name, err)
			return nil, &GroupUnavailableError{Group: name, Reason: err.Error()}
		}
		return nil, fmt.Errorf("%s on %s: %w", method, name, err)
	}
	return raw, nil
}

// markFailed transitions a connected group to failed after its
// transport died mid-call.
func (m *Manager) markFailed(name string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[name]
	if !ok || g.Status != StatusConnected {
		return
	}
	g.transport.Close()
	m.groups[name] = &Group{
		Name:        g.Name,
		Description: g.Description,
		Status:      StatusFailed,
		Err:         cause.Error(),
		config:      g.config,
	}
	logging.Warn().Str("group", name).Err(cause).Msg("group transport died")
}

// CallTool forwards one tools/call to a group with the tool-call budget.
func (m *Manager) CallTool(ctx context.Context, group, tool string, args json.RawMessage) (json.RawMessage, error) {
	return m.forward(ctx, group, config.FeatureTools, "tools/call",
		CallToolParams{Name: tool, Arguments: args}, m.timeouts.ToolCall())
}

// ListResources fetches the group's resource list. Resource results are
// never cached; every call re-queries the upstream.
func (m *Manager) ListResources(ctx context.Context, group string) (*ListResourcesResult, error) {
	raw, err := m.forward(ctx, group, config.FeatureResources, "resources/list", nil, m.timeouts.ResourceCall())
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("resources/list on %s: malformed result: %w", group, err)
	}
	return &result, nil
}

// ReadResource reads one resource from a group.
func (m *Manager) ReadResource(ctx context.Context, group, uri string) (json.RawMessage, error) {
	return m.forward(ctx, group, config.FeatureResources, "resources/read",
		ReadResourceParams{URI: uri}, m.timeouts.ResourceCall())
}

// ListResourceTemplates fetches the group's resource template list.
func (m *Manager) ListResourceTemplates(ctx context.Context, group string) (*ListResourceTemplatesResult, error) {
	raw, err := m.forward(ctx, group, config.FeatureResources, "resources/templates/list", nil, m.timeouts.ResourceCall())
	if err != nil {
		return nil, err
	}
	var result ListResourceTemplatesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("resources/templates/list on %s: malformed result: %w", group, err)
	}
	return &result, nil
}

// ListPrompts fetches the group's prompt list. Never cached.
func (m *Manager) ListPrompts(ctx context.Context, group string) (*ListPromptsResult, error) {
	raw, err := m.forward(ctx, group, config.FeaturePrompts, "prompts/list", nil, m.timeouts.ResourceCall())
	if err != nil {
		return nil, err
	}
	var result ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("prompts/list on %s: malformed result: %w", group, err)
	}
	return &result, nil
}

// GetPrompt fetches one prompt from a group.
func (m *Manager) GetPrompt(ctx context.Context, group, name string, args map[string]string) (json.RawMessage, error) {
	return m.forward(ctx, group, config.FeaturePrompts, "prompts/get",
		GetPromptParams{Name: name, Arguments: args}, m.timeouts.ResourceCall())
}

// DisconnectAll drains the whole group map, closing every transport.
// Draining an empty map is a no-op, so concurrent shutdown paths are
// harmless.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	groups := m.groups
	m.groups = make(map[string]*Group)
	m.mu.Unlock()

	for name, g := range groups {
		if g.transport != nil {
			g.transport.Close()
		}
		logging.Debug().Str("group", name).Msg("group disconnected")
	}
}
