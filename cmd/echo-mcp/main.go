// Package main runs the echo MCP server on stdio. It exists to test
// the proxy end to end without external dependencies.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/asyrjasalo/dynamic-mcp/pkg/mcpserver/echo"
)

func main() {
	if err := server.ServeStdio(echo.NewServer()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
