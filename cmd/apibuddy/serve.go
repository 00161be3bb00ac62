package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/grokify/apibuddy/pkg/config"
	"github.com/grokify/apibuddy/pkg/server"
)

type serveOptions struct {
	configPath string
	port       int
	host       string
	verbose    bool
	dbPath     string
	requireKey bool
	secureKey  string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy server",
		Long: `Start apibuddy's proxy listener and admin control socket.

Examples:
  # Start with defaults, reading ~/.apibuddy/config.yaml if present
  apibuddy serve

  # Start from an explicit config file on a custom port
  apibuddy serve --config ./apibuddy.yaml --port 9090

  # Require a shared secret key on every request
  apibuddy serve --require-key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: ~/.apibuddy/config.yaml)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (overrides config)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Host to bind to (overrides config)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "Path to the cache database (overrides config)")
	cmd.Flags().BoolVar(&opts.requireKey, "require-key", false, "Require a shared secure key on every request")
	cmd.Flags().StringVar(&opts.secureKey, "secure-key", "", "Fixed secure key (generated randomly if omitted)")

	return cmd
}

func runServe(opts *serveOptions) error {
	cfg, err := config.LoadOrDefault(resolveConfigPath(opts.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.dbPath != "" {
		cfg.Cache.DatabasePath = opts.dbPath
	}
	if opts.requireKey {
		cfg.Security.RequireSecureKey = true
	}
	if opts.secureKey != "" {
		cfg.Security.SecureKey = opts.secureKey
	}
	cfg.Server.Verbose = cfg.Server.Verbose || opts.verbose

	logger := newLogger(cfg.Server.Verbose)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if cfg.Security.RequireSecureKey {
		if key, ok := srv.GetSecureKey(); ok {
			logger.Info().Str("secure_key", key).Msg("secure key active for this session")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return config.DefaultConfigPath()
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}
