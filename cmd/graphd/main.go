// Graphd exposes remote code graph queries as MCP tools, over stdio or a
// self-hosted HTTP endpoint.
//
// Usage:
//
//	# Stdio mode with credentials from the environment
//	CODEGPT_API_KEY=sk-... CODEGPT_GRAPH_ID=g-... graphd
//
//	# Stdio mode with positional arguments: API key, then graph id
//	graphd sk-... g-...
//
//	# Multi-repo mode: two or more repository arguments
//	graphd acme/api acme/web
//
//	# Self-hosted HTTP mode
//	GRAPHD_PORT=8193 graphd
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/config"
	"github.com/deepgraphlabs/graphd/internal/graph"
	"github.com/deepgraphlabs/graphd/internal/httpserver"
	"github.com/deepgraphlabs/graphd/internal/logging"
	mcpsrv "github.com/deepgraphlabs/graphd/internal/mcp"
	"github.com/deepgraphlabs/graphd/internal/session"
	"github.com/deepgraphlabs/graphd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "graphd [api-key] [graph-id] | [repo ...]",
	Short: "MCP server for remote code graph queries",
	Long: `graphd serves code graph query tools over the Model Context Protocol.

Without a configured port it speaks MCP on stdin/stdout. With GRAPHD_PORT (or
server.port in the config file) set, it serves the protocol on HTTP with
per-session transports.

Positional arguments containing a "/" are treated as repositories; two or
more select multi-repo mode. Otherwise the first argument is the API key and
the second the graph id.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("graphd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graphd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(configPath, args)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Logs go to stderr in both modes: stdout carries the protocol stream
	// in stdio mode.
	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}, logging.SinkStderr)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.HTTPMode() {
		return runHTTP(ctx, cfg, logger)
	}
	return runStdio(ctx, cfg, logger)
}

func runStdio(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Startup diagnostic: which credentials resolved, never their values.
	fmt.Fprintf(os.Stderr, "graphd %s starting on stdio\n", version)
	fmt.Fprintf(os.Stderr, "  api key:  %s\n", setOrNot(cfg.APIKey.IsSet()))
	fmt.Fprintf(os.Stderr, "  org id:   %s\n", setOrNot(cfg.OrgID != ""))
	fmt.Fprintf(os.Stderr, "  graph id: %s\n", setOrNot(cfg.GraphID != ""))
	fmt.Fprintf(os.Stderr, "  repos:    %s\n", cfg.RepoLabel())

	if !cfg.HasCredentials() {
		return fmt.Errorf("no credentials: set CODEGPT_API_KEY, a repository URL, or multi-repo arguments")
	}

	client, err := newGraphClient(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := mcpsrv.NewServer(cfg, client, &mcpsrv.Options{
		Logger:  logger,
		Version: version,
		Metrics: mcpsrv.NewMetrics(logger),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	return srv.Run(ctx)
}

func runHTTP(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	metrics := mcpsrv.NewMetrics(logger)

	// Each session gets a fresh protocol server bound to that request's
	// effective configuration.
	factory := func(effective *config.Config) (session.Connector, error) {
		client, err := newGraphClient(effective, logger)
		if err != nil {
			return nil, err
		}
		return mcpsrv.NewServer(effective, client, &mcpsrv.Options{
			Logger:  logger,
			Version: version,
			Metrics: metrics,
		})
	}
	mux := session.NewMultiplexer(factory, logger)

	srv, err := httpserver.NewServer(cfg, mux, logger, version)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

func newGraphClient(cfg *config.Config, logger *zap.Logger) (*graph.Client, error) {
	client, err := graph.NewClient(graph.Config{
		BaseURL: cfg.Graph.BaseURL,
		APIKey:  cfg.APIKey.Value(),
		OrgID:   cfg.OrgID,
		Timeout: cfg.Graph.Timeout.Duration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph client: %w", err)
	}
	return client, nil
}

func setOrNot(set bool) string {
	if set {
		return "set"
	}
	return "not set"
}
