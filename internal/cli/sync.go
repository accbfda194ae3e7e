package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/insieme/insieme/internal/broadcast"
	"github.com/insieme/insieme/internal/client"
	"github.com/insieme/insieme/internal/clientstore"
	"github.com/insieme/insieme/internal/config"
	"github.com/insieme/insieme/internal/identity"
	"github.com/insieme/insieme/internal/serverstore"
	"github.com/insieme/insieme/internal/session"
	"github.com/insieme/insieme/internal/transport"
	"github.com/insieme/insieme/internal/validate"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	ConfigPath   string
	ServerDBPath string
}

// SyncSummary is the JSON/text payload printed on successful completion.
type SyncSummary struct {
	ClientID    string   `json:"client_id"`
	Partitions  []string `json:"partitions"`
	Status      string   `json:"status"`
	DraftsFlush bool     `json:"drafts_flushed"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drive one client engine through handshake, catch-up sync, and draft flush",
		Long: `Open the client's local store, perform the C5/C7 handshake against a
sync server, and print a summary once the server answers connected.
Catch-up sync and the draft flush start in the background after the
handshake; the command does not wait for them, so they may not have
finished when the summary is printed.

Network framing is out of scope (spec.md 1); this command opens an
in-process demo server (its own committed store and broadcast.Hub) and
connects the client engine to it over an in-memory transport.Pipe, so
the full connect/sync/submit flow can be exercised from one binary.

Example:
  insieme sync --config client.cue --server-db /tmp/insieme-server.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to client CUE config (required)")
	cmd.Flags().StringVar(&opts.ServerDBPath, "server-db", "", "path to the demo server's SQLite store (defaults to the client db_path with a .demo-server suffix)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
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
	cfg, err := config.LoadClientConfig(source)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid client config", err)
	}
	logger.Info("client config loaded", "client_id", cfg.ClientID, "partitions", cfg.Partitions)

	serverDBPath := opts.ServerDBPath
	if serverDBPath == "" {
		serverDBPath = cfg.DBPath + ".demo-server"
	}
	store, err := serverstore.Open(serverDBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open demo server store", err)
	}
	defer func() { _ = store.Close() }()

	verifier := identity.NewStaticVerifier(map[string]string{cfg.Token: cfg.ClientID})
	hub := broadcast.NewHub(store, identity.AllowAllAuthorizer{}, validate.NewRegistry(), logger.With("component", "broadcast"))

	serverSide, clientSide := transport.Pipe()
	sess := session.New(serverSide, session.Deps{
		Verifier:   verifier,
		Authorizer: identity.AllowAllAuthorizer{},
		Store:      store,
		Commits:    hub,
		Logger:     logger.With("component", "session"),
	})
	hub.Register(sess)
	defer hub.Unregister(sess)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- sess.Run(ctx) }()

	cstore, err := clientstore.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open client store", err)
	}
	defer func() { _ = cstore.Close() }()

	handshakeTimeout := time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond
	backoff := client.NewBackoff()
	if cfg.Reconnect.InitialMS > 0 {
		backoff.Initial = time.Duration(cfg.Reconnect.InitialMS) * time.Millisecond
	}
	if cfg.Reconnect.MaxMS > 0 {
		backoff.Max = time.Duration(cfg.Reconnect.MaxMS) * time.Millisecond
	}
	if cfg.Reconnect.Factor > 0 {
		backoff.Factor = cfg.Reconnect.Factor
	}
	backoff.Jitter = cfg.Reconnect.Jitter
	if cfg.Reconnect.MaxAttempts > 0 {
		backoff.MaxAttempts = cfg.Reconnect.MaxAttempts
	}

	// This command's transport is an in-process transport.Pipe demo, not
	// a real network link (spec.md 1: transport framing is out of core
	// scope), so there is no Dial to redial through - Reconnect stays
	// configured but dormant here. A real transport (e.g. a websocket
	// client command) would supply client.Config.Dial.
	eng, err := client.New(cstore, clientSide, client.Config{
		ClientID:         cfg.ClientID,
		Token:            cfg.Token,
		Partitions:       cfg.Partitions,
		SyncLimit:        cfg.SyncLimit,
		HandshakeTimeout: handshakeTimeout,
		Backoff:          backoff,
		Logger:           logger.With("component", "client"),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to construct client engine", err)
	}

	logger.Info("starting handshake", "server_addr", cfg.ServerAddr)
	if err := eng.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	defer func() { _ = eng.Stop() }()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return formatter.Success(SyncSummary{
		ClientID:    cfg.ClientID,
		Partitions:  cfg.Partitions,
		Status:      string(eng.Status()),
		DraftsFlush: true,
	})
}
