// Package config loads and validates the proxy configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/tidwall/jsonc"
)

// ServerType identifies the transport used to reach an upstream server.
type ServerType string

const (
	ServerTypeStdio ServerType = "stdio"
	ServerTypeHTTP  ServerType = "http"
	ServerTypeSSE   ServerType = "sse"
)

// Feature names gated per group.
const (
	FeatureTools     = "tools"
	FeatureResources = "resources"
	FeaturePrompts   = "prompts"
)

// Config is the root configuration document.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
	Timeouts   Timeouts                `json:"timeouts,omitempty"`
}

// ServerConfig describes one upstream MCP server. The Type field selects
// which of the transport-specific fields apply: Command/Args/Env for
// stdio, URL/Headers for http and sse.
type ServerConfig struct {
	Type        ServerType        `json:"type"`
	Description string            `json:"description"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	OAuthClientID string   `json:"oauth_client_id,omitempty"`
	OAuthScopes   []string `json:"oauth_scopes,omitempty"`

	Features *Features `json:"features,omitempty"`
}

// Features gates the per-group proxy APIs. A nil field means enabled.
type Features struct {
	Tools     *bool `json:"tools,omitempty"`
	Resources *bool `json:"resources,omitempty"`
	Prompts   *bool `json:"prompts,omitempty"`
}

// FeatureEnabled reports whether the named feature is enabled for this
// server. Absent fields default to true for all three features.
func (c ServerConfig) FeatureEnabled(feature string) bool {
	if c.Features == nil {
		return true
	}
	var flag *bool
	switch feature {
	case FeatureTools:
		flag = c.Features.Tools
	case FeatureResources:
		flag = c.Features.Resources
	case FeaturePrompts:
		flag = c.Features.Prompts
	default:
		return false
	}
	if flag == nil {
		return true
	}
	return *flag
}

// Timeouts holds the per-tier operation budgets. Connection-phase
// operations and steady-state proxy calls are budgeted independently.
type Timeouts struct {
	ConnectSeconds       int `json:"connectSeconds,omitempty"`
	ToolCallSeconds      int `json:"toolCallSeconds,omitempty"`
	ResourceCallSeconds  int `json:"resourceCallSeconds,omitempty"`
	RetryIntervalSeconds int `json:"retryIntervalSeconds,omitempty"`
}

// DefaultTimeouts returns the documented default budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ConnectSeconds:       5,
		ToolCallSeconds:      60,
		ResourceCallSeconds:  10,
		RetryIntervalSeconds: 30,
	}
}

// Connect returns the connection-phase per-attempt timeout.
func (t Timeouts) Connect() time.Duration {
	return time.Duration(t.ConnectSeconds) * time.Second
}

// ToolCall returns the steady-state tools/call timeout.
func (t Timeouts) ToolCall() time.Duration {
	return time.Duration(t.ToolCallSeconds) * time.Second
}

// ResourceCall returns the resource/prompt proxy operation timeout.
func (t Timeouts) ResourceCall() time.Duration {
	return time.Duration(t.ResourceCallSeconds) * time.Second
}

// RetryInterval returns the periodic background retry interval.
func (t Timeouts) RetryInterval() time.Duration {
	return time.Duration(t.RetryIntervalSeconds) * time.Second
}

// Load reads, interpolates, and validates the configuration file at path.
// JSONC comments are stripped and {env:VAR} placeholders are expanded
// before unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.applyTimeoutDefaults()
	return &cfg, nil
}

// interpolate expands {env:VAR_NAME} placeholders.
func interpolate(data []byte) []byte {
	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

func (c *Config) applyTimeoutDefaults() {
	defaults := DefaultTimeouts()
	if c.Timeouts.ConnectSeconds <= 0 {
		c.Timeouts.ConnectSeconds = defaults.ConnectSeconds
	}
	if c.Timeouts.ToolCallSeconds <= 0 {
		c.Timeouts.ToolCallSeconds = defaults.ToolCallSeconds
	}
	if c.Timeouts.ResourceCallSeconds <= 0 {
		c.Timeouts.ResourceCallSeconds = defaults.ResourceCallSeconds
	}
	if c.Timeouts.RetryIntervalSeconds <= 0 {
		c.Timeouts.RetryIntervalSeconds = defaults.RetryIntervalSeconds
	}
}

// Validate checks the per-variant config invariants. A validation error
// on reload must leave the running proxy untouched, so callers treat any
// error here as abort-and-keep-going.
func (c *Config) Validate() error {
	if len(c.MCPServers) == 0 {
		return fmt.Errorf("config: no mcpServers defined")
	}
	for name, server := range c.MCPServers {
		if err := server.validate(); err != nil {
			return fmt.Errorf("config: server %q: %w", name, err)
		}
	}
	return nil
}

func (s ServerConfig) validate() error {
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Type {
	case ServerTypeStdio:
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio servers")
		}
		if s.URL != "" {
			return fmt.Errorf("url is not valid for stdio servers")
		}
	case ServerTypeHTTP, ServerTypeSSE:
		if s.URL == "" {
			return fmt.Errorf("url is required for %s servers", s.Type)
		}
		if _, err := url.ParseRequestURI(s.URL); err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if s.Command != "" {
			return fmt.Errorf("command is not valid for %s servers", s.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown server type: %s", s.Type)
	}
	return nil
}
