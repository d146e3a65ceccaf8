package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asyrjasalo/dynamic-mcp/internal/auth"
	"github.com/asyrjasalo/dynamic-mcp/internal/config"
	"github.com/asyrjasalo/dynamic-mcp/internal/logging"
	"github.com/asyrjasalo/dynamic-mcp/internal/mcp"
	"github.com/asyrjasalo/dynamic-mcp/internal/server"
	"github.com/asyrjasalo/dynamic-mcp/internal/watcher"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect the configured server groups and speak MCP on stdio",
	Long: `Connect to every configured group of upstream MCP servers, then serve
the two-tool proxy interface over stdin/stdout. Logs go to stderr so
the protocol stream stays clean.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", true, "Reload when the configuration file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol, so all logging goes to stderr.
	logging.Init(logging.Options{
		Level:  logLevel,
		Pretty: printLogs,
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := auth.DefaultStore()
	if err != nil {
		return err
	}

	manager := mcp.NewManager(auth.NewManager(store), cfg.Timeouts)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logging.Info().Str("version", Version).Int("groups", len(cfg.MCPServers)).Msg("starting dynamic-mcp")
	manager.ConnectAll(ctx, cfg.MCPServers)

	go manager.RetryBurst(ctx)
	go manager.RetryLoop(ctx)

	if serveWatch {
		w, err := watcher.New(configPath, manager)
		if err != nil {
			logging.Warn().Err(err).Msg("config watch unavailable, continuing without reload")
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			logging.Info().Msg("shutting down")
			cancel()
			manager.DisconnectAll()
		})
	}
	defer shutdown()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		// Serve returns when the client closes our stdin.
		done <- server.New(manager).Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("signal received")
		return nil
	case err := <-done:
		return err
	}
}
