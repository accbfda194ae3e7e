package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/insieme/insieme/internal/broadcast"
	"github.com/insieme/insieme/internal/config"
	"github.com/insieme/insieme/internal/identity"
	"github.com/insieme/insieme/internal/serverstore"
	"github.com/insieme/insieme/internal/validate"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a Commit & Broadcast Engine",
		Long: `Start the Insieme sync server: opens the committed-event store and
runs a broadcast.Hub that serializes every submit_events commit through
a single SQLite write connection.

Network framing is out of scope (spec.md 1); this command wires the Hub
to whatever local transport.Transport connections a test scenario or
future network adapter supplies, and otherwise just keeps the store and
Hub alive until interrupted.

Example:
  insieme serve --config server.cue`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to server CUE config (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	source, err := os.ReadFile(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	cfg, err := config.LoadServerConfig(source)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server config", err)
	}
	logger.Info("server config loaded", "listen_path", cfg.ListenPath, "db_path", cfg.DBPath)

	store, err := serverstore.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open committed store", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	hub := broadcast.NewHub(store, identity.AllowAllAuthorizer{}, validate.NewRegistry(), logger.With("component", "broadcast"))
	_ = hub // registered sessions are supplied by a test scenario or network adapter, not this command
	logger.Warn("serve is a demo: no network listener is wired up, so no session will ever register with this Hub (network framing is out of core scope, spec.md 1); the store and Hub stay open until interrupted")

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("server ready", "component", "serve", "listen_path", cfg.ListenPath)
	fmt.Fprintln(cmd.OutOrStdout(), "Server ready. No listener is wired; press Ctrl-C to stop.")

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}

	return nil
}
