// Package echo provides a small MCP server used to exercise the proxy
// end to end: an echo tool, a counter resource whose content changes on
// every read, and a greeting prompt.
package echo

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// CounterURI is the URI of the read-counter resource.
const CounterURI = "echo://counter"

// NewServer creates a new MCP server exposing the echo tool, the
// counter resource, and the greet prompt.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"echo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	echoTool := mcp.NewTool("echo",
		mcp.WithDescription("Echoes back the provided text"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
	)
	s.AddTool(echoTool, echoHandler)

	var reads atomic.Int64
	counter := mcp.NewResource(CounterURI, "counter",
		mcp.WithResourceDescription("Number of times this resource has been read"),
		mcp.WithMIMEType("text/plain"),
	)
	s.AddResource(counter, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		n := reads.Add(1)
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      CounterURI,
				MIMEType: "text/plain",
				Text:     fmt.Sprintf("%d", n),
			},
		}, nil
	})

	greet := mcp.NewPrompt("greet",
		mcp.WithPromptDescription("Greets someone by name"),
		mcp.WithArgument("name",
			mcp.ArgumentDescription("Name of the person to greet"),
		),
	)
	s.AddPrompt(greet, greetHandler)

	return s
}

// echoHandler handles the echo tool call.
func echoHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

// greetHandler handles the greet prompt.
func greetHandler(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Arguments["name"]
	if name == "" {
		name = "there"
	}
	return mcp.NewGetPromptResult(
		"A friendly greeting",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(
				mcp.RoleAssistant,
				mcp.NewTextContent(fmt.Sprintf("Hello, %s!", name)),
			),
		},
	), nil
}
