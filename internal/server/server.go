// Package server implements the downstream-facing MCP endpoint: a thin
// JSON-RPC dispatch over stdio that translates inbound calls into
// connection manager operations.
//
// Instead of forwarding every upstream tool schema upfront, the proxy
// exposes two tools (discover the tools in a group, call a tool in a
// group) and transparently proxies the Resources and Prompts APIs.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/asyrjasalo/dynamic-mcp/internal/logging"
	"github.com/asyrjasalo/dynamic-mcp/internal/mcp"
)

const (
	serverName    = "dynamic-mcp"
	serverVersion = "0.1.0"

	toolDiscover = "get_dynamic_tools"
	toolCall     = "call_dynamic_tool"

	// resourceScheme prefixes upstream resource URIs with their group:
	// mcp://<group>/<upstream-uri>.
	resourceScheme = "mcp://"
)

// Server reads line-delimited JSON-RPC requests and answers them from
// the connection manager. Requests are handled concurrently; response
// writes are serialized.
type Server struct {
	manager *mcp.Manager

	writeMu sync.Mutex
	out     io.Writer
}

// New creates a downstream server backed by the given manager.
func New(manager *mcp.Manager) *Server {
	return &Server{manager: manager}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Result  any               `json:"result,omitempty"`
	Error   *mcp.JSONRPCError `json:"error,omitempty"`
}

// Serve processes requests from r until it is exhausted (the client
// closed our stdin) or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			logging.Warn().Err(err).Msg("malformed request line")
			continue
		}
		if len(req.ID) == 0 {
			continue // notification, nothing to answer
		}

		req.ID = append(json.RawMessage(nil), req.ID...)
		req.Params = append(json.RawMessage(nil), req.Params...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.respond(ctx, req)
		}()
	}
	return scanner.Err()
}

func (s *Server) respond(ctx context.Context, req request) {
	result, rpcErr := s.dispatch(ctx, req)

	resp := response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Str("method", req.Method).Msg("marshal response")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(append(data, '\n'))
}

func (s *Server) dispatch(ctx context.Context, req request) (any, *mcp.JSONRPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.handleToolsList(), nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		return s.handleResourcesList(ctx), nil
	case "resources/read":
		return s.handleResourcesRead(ctx, req.Params)
	case "resources/templates/list":
		return s.handleResourceTemplatesList(ctx), nil
	case "prompts/list":
		return s.handlePromptsList(ctx), nil
	case "prompts/get":
		return s.handlePromptsGet(ctx, req.Params)
	default:
		return nil, &mcp.JSONRPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *mcp.JSONRPCError) {
	var req mcp.InitializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}

	version := req.ProtocolVersion
	if version == "" {
		version = mcp.PreferredProtocolVersion
	}

	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": mcp.ServerInfo{Name: serverName, Version: serverVersion},
	}, nil
}

// handleToolsList returns the proxy's fixed two-tool interface. The
// discovery tool's description embeds the current group availability so
// the calling LLM can see degraded groups.
func (s *Server) handleToolsList() any {
	discoverSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"group": {"type": "string", "description": "Name of the group to list tools for"}
		},
		"required": ["group"]
	}`)
	callSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"group": {"type": "string", "description": "Name of the group the tool belongs to"},
			"tool": {"type": "string", "description": "Name of the tool to call"},
			"arguments": {"type": "object", "description": "Arguments passed through to the tool"}
		},
		"required": ["group", "tool"]
	}`)

	return mcp.ListToolsResult{Tools: []mcp.Tool{
		{
			Name: toolDiscover,
			Description: "List the tools available in one group of MCP servers.\n\n" +
				s.manager.DescribeGroups(),
			InputSchema: discoverSchema,
		},
		{
			Name:        toolCall,
			Description: "Call a tool in a group. Discover available tools with " + toolDiscover + " first.",
			InputSchema: callSchema,
		},
	}}
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func toolError(err error) callToolResult {
	return callToolResult{
		Content: []textContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCError) {
	var call struct {
		Name      string `json:"name"`
		Arguments struct {
			Group     string          `json:"group"`
			Tool      string          `json:"tool"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, invalidParams(err)
	}

	switch call.Name {
	case toolDiscover:
		if call.Arguments.Group == "" {
			return callToolResult{Content: []textContent{{Type: "text", Text: s.manager.DescribeGroups()}}}, nil
		}
		tools, err := s.manager.GroupTools(call.Arguments.Group)
		if err != nil {
			return toolError(err), nil
		}
		text, err := json.MarshalIndent(mcp.ListToolsResult{Tools: tools}, "", "  ")
		if err != nil {
			return toolError(err), nil
		}
		return callToolResult{Content: []textContent{{Type: "text", Text: string(text)}}}, nil

	case toolCall:
		if call.Arguments.Group == "" || call.Arguments.Tool == "" {
			return toolError(fmt.Errorf("both group and tool are required")), nil
		}
		result, err := s.manager.CallTool(ctx, call.Arguments.Group, call.Arguments.Tool, call.Arguments.Arguments)
		if err != nil {
			return toolError(err), nil
		}
		// The upstream result is already a tools/call result; forward verbatim.
		return result, nil

	default:
		return nil, &mcp.JSONRPCError{Code: -32602, Message: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
}

// handleResourcesList aggregates resource lists across every group,
// re-querying each upstream on every call. URIs are rewritten to
// mcp://<group>/<uri> so reads can be routed back.
func (s *Server) handleResourcesList(ctx context.Context) any {
	var resources []mcp.Resource
	for _, group := range s.manager.ListGroups() {
		result, err := s.manager.ListResources(ctx, group.Name)
		if err != nil {
			logging.Debug().Err(err).Str("group", group.Name).Msg("skipping group in resources/list")
			continue
		}
		for _, r := range result.Resources {
			r.URI = resourceScheme + group.Name + "/" + r.URI
			resources = append(resources, r)
		}
	}
	if resources == nil {
		resources = []mcp.Resource{}
	}
	return mcp.ListResourcesResult{Resources: resources}
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCError) {
	var read mcp.ReadResourceParams
	if err := json.Unmarshal(params, &read); err != nil {
		return nil, invalidParams(err)
	}

	group, uri, err := splitResourceURI(read.URI)
	if err != nil {
		return nil, invalidParams(err)
	}

	result, err := s.manager.ReadResource(ctx, group, uri)
	if err != nil {
		return nil, &mcp.JSONRPCError{Code: -32002, Message: err.Error()}
	}
	return json.RawMessage(result), nil
}

func (s *Server) handleResourceTemplatesList(ctx context.Context) any {
	var templates []mcp.ResourceTemplate
	for _, group := range s.manager.ListGroups() {
		result, err := s.manager.ListResourceTemplates(ctx, group.Name)
		if err != nil {
			logging.Debug().Err(err).Str("group", group.Name).Msg("skipping group in resources/templates/list")
			continue
		}
		for _, t := range result.ResourceTemplates {
			t.URITemplate = resourceScheme + group.Name + "/" + t.URITemplate
			templates = append(templates, t)
		}
	}
	if templates == nil {
		templates = []mcp.ResourceTemplate{}
	}
	return mcp.ListResourceTemplatesResult{ResourceTemplates: templates}
}

// handlePromptsList aggregates prompts across groups, prefixing names
// with "<group>/" for routing in prompts/get.
func (s *Server) handlePromptsList(ctx context.Context) any {
	var prompts []mcp.Prompt
	for _, group := range s.manager.ListGroups() {
		result, err := s.manager.ListPrompts(ctx, group.Name)
		if err != nil {
			logging.Debug().Err(err).Str("group", group.Name).Msg("skipping group in prompts/list")
			continue
		}
		for _, p := range result.Prompts {
			p.Name = group.Name + "/" + p.Name
			prompts = append(prompts, p)
		}
	}
	if prompts == nil {
		prompts = []mcp.Prompt{}
	}
	return mcp.ListPromptsResult{Prompts: prompts}
}

func (s *Server) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCError) {
	var get mcp.GetPromptParams
	if err := json.Unmarshal(params, &get); err != nil {
		return nil, invalidParams(err)
	}

	group, name, ok := strings.Cut(get.Name, "/")
	if !ok {
		return nil, invalidParams(fmt.Errorf("prompt name must be <group>/<prompt>, got %q", get.Name))
	}

	result, err := s.manager.GetPrompt(ctx, group, name, get.Arguments)
	if err != nil {
		return nil, &mcp.JSONRPCError{Code: -32002, Message: err.Error()}
	}
	return json.RawMessage(result), nil
}

func splitResourceURI(full string) (group, uri string, err error) {
	rest, ok := strings.CutPrefix(full, resourceScheme)
	if !ok {
		return "", "", fmt.Errorf("resource URI must start with %s, got %q", resourceScheme, full)
	}
	group, uri, ok = strings.Cut(rest, "/")
	if !ok || group == "" || uri == "" {
		return "", "", fmt.Errorf("invalid proxied resource URI: %q", full)
	}
	return group, uri, nil
}

func invalidParams(err error) *mcp.JSONRPCError {
	return &mcp.JSONRPCError{Code: -32602, Message: err.Error()}
}
