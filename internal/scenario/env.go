package scenario

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/insieme/insieme/internal/broadcast"
	"github.com/insieme/insieme/internal/client"
	"github.com/insieme/insieme/internal/clientstore"
	"github.com/insieme/insieme/internal/identity"
	"github.com/insieme/insieme/internal/serverstore"
	"github.com/insieme/insieme/internal/session"
	"github.com/insieme/insieme/internal/transport"
	"github.com/insieme/insieme/internal/validate"
)

// Env is a full server + N clients wired over in-memory transport.Pipe
// connections, the Go-native replacement for the teacher's concept-
// invocation harness: a committed store, a broadcast.Hub running a
// deterministic clock, and a fleet of client engines each with their
// own local store, all torn down together via t.Cleanup.
type Env struct {
	t      *testing.T
	Store  *serverstore.Store
	Hub    *broadcast.Hub
	Clock  *Clock
	Logger *slog.Logger
}

// NewEnv creates an Env backed by a fresh on-disk (t.TempDir) SQLite
// server store and an allow-all authorizer/verifier, matching the CLI
// demo's (internal/cli/sync.go) wiring.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	store, err := serverstore.Open(filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(noopWriter{}, nil))
	clk := NewClock()
	hub := broadcast.NewHub(store, identity.AllowAllAuthorizer{}, validate.NewRegistry(), logger,
		broadcast.WithClock(clk.Now))

	return &Env{t: t, Store: store, Hub: hub, Clock: clk, Logger: logger}
}

// Client represents one connected client within an Env: its engine, its
// local store, and the raw server-side transport end for low-level
// assertions.
type Client struct {
	ID     string
	Engine *client.Engine
	Store  *clientstore.Store
}

// Connect opens a new client store, registers a server-side session for
// it against e's hub, and runs the connect handshake, returning once the
// client is connected; the catch-up sync continues in the background.
// Grounded on internal/cli/sync.go's in-process wiring. It uses the
// engine's default sync page size.
func (e *Env) Connect(clientID string, partitions []string) *Client {
	return e.ConnectWithSyncLimit(clientID, partitions, 0)
}

// ConnectWithSyncLimit is Connect with an explicit sync page size, used
// by scenarios that need to exercise paging (spec.md 8).
func (e *Env) ConnectWithSyncLimit(clientID string, partitions []string, syncLimit int) *Client {
	e.t.Helper()
	dir := e.t.TempDir()
	cstore, err := clientstore.Open(filepath.Join(dir, clientID+".db"))
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = cstore.Close() })

	serverSide, clientSide := transport.Pipe()
	sess := session.New(serverSide, session.Deps{
		Verifier:   identity.NewStaticVerifier(map[string]string{"tok-" + clientID: clientID}),
		Authorizer: identity.AllowAllAuthorizer{},
		Store:      e.Store,
		Commits:    e.Hub,
		Logger:     e.Logger,
	})
	e.Hub.Register(sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()
	e.t.Cleanup(func() {
		e.Hub.Unregister(sess)
		cancel()
		<-done
	})

	eng, err := client.New(cstore, clientSide, client.Config{
		ClientID:         clientID,
		Token:            "tok-" + clientID,
		Partitions:       partitions,
		SyncLimit:        syncLimit,
		HandshakeTimeout: 2 * time.Second,
		Logger:           e.Logger,
	})
	require.NoError(e.t, err)
	require.NoError(e.t, eng.Start(context.Background()))
	e.t.Cleanup(func() { _ = eng.Stop() })

	return &Client{ID: clientID, Engine: eng, Store: cstore}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
