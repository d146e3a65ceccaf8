// Package commands provides the CLI commands for dynamic-mcp.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configPath string
	logLevel   string
	printLogs  bool
)

var rootCmd = &cobra.Command{
	Use:   "dynamic-mcp",
	Short: "dynamic-mcp - MCP proxy with on-demand tool discovery",
	Long: `dynamic-mcp sits between an LLM client and any number of upstream MCP
servers. Instead of flooding the client with every upstream tool schema,
it exposes two tools: one that lists the tools in a named group of
servers, and one that calls a tool in a group. Resources and prompts
are proxied transparently.

Run 'dynamic-mcp serve' (the default) to speak MCP on stdin/stdout.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	// .env is optional; ignore a missing file
	godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dynamic-mcp.json", "Path to the server group configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Pretty-print logs for humans instead of JSON")

	rootCmd.SetVersionTemplate(fmt.Sprintf("dynamic-mcp %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
