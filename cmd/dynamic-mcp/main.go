// Package main provides the entry point for the dynamic-mcp proxy.
package main

import (
	"fmt"
	"os"

	"github.com/asyrjasalo/dynamic-mcp/cmd/dynamic-mcp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
