package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insieme/insieme/internal/identity"
	"github.com/insieme/insieme/internal/serverstore"
	"github.com/insieme/insieme/internal/transport"
	"github.com/insieme/insieme/internal/wire"
)

type noopCommits struct{}

func (noopCommits) Commit(context.Context, *Session, wire.SubmitItem) (wire.SubmitItemResult, error) {
	return wire.SubmitItemResult{}, nil
}

func newTestSession(t *testing.T) (*Session, transport.Transport) {
	t.Helper()
	dir := t.TempDir()
	store, err := serverstore.Open(filepath.Join(dir, "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	serverSide, clientSide := transport.Pipe()
	s := New(serverSide, Deps{
		Verifier:   identity.NewStaticVerifier(nil),
		Authorizer: identity.AllowAllAuthorizer{},
		Store:      store,
		Commits:    noopCommits{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()

	return s, clientSide
}

func TestMessageBeforeConnectIsBadRequest(t *testing.T) {
	_, client := newTestSession(t)

	env, err := wire.Encode(wire.TypeSync, wire.SyncPayload{Partitions: []string{"p1"}})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))

	select {
	case resp := <-client.Recv():
		require.Equal(t, wire.TypeError, resp.Type)
		var payload wire.ErrorPayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, wire.CodeBadRequest, payload.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bad_request")
	}
}

func TestConnectTransitionsToActive(t *testing.T) {
	s, client := newTestSession(t)

	env, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "tok-a", ClientID: "tok-a"})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))

	select {
	case resp := <-client.Recv():
		require.Equal(t, wire.TypeConnected, resp.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected")
	}
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "tok-a", s.ClientID())
}

// TestConnectClientIDMismatchIsAuthFailed covers spec.md 4.5/6: the
// connect payload's client_id must match the identity VerifyToken
// resolves for the presented token, or the session must reject with
// auth_failed and close rather than trust the caller's claimed id.
func TestConnectClientIDMismatchIsAuthFailed(t *testing.T) {
	s, client := newTestSession(t)

	env, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "tok-a", ClientID: "someone-else"})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))

	select {
	case resp := <-client.Recv():
		require.Equal(t, wire.TypeError, resp.Type)
		var payload wire.ErrorPayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, wire.CodeAuthFailed, payload.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth_failed")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, s.State())
}

// TestBroadcastsBufferedDuringSyncThenFlushed covers spec.md 8 scenario
// 5 and P6: a Send() that arrives while a sync is in flight must not
// reach the transport until the sync completes, and must then be
// delivered in arrival order.
func TestBroadcastsBufferedDuringSyncThenFlushed(t *testing.T) {
	s, client := newTestSession(t)

	env, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "tok-a", ClientID: "tok-a"})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))
	select {
	case resp := <-client.Recv():
		require.Equal(t, wire.TypeConnected, resp.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected")
	}

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	broadcast, err := wire.Encode(wire.TypeEventBroadcast, wire.EventBroadcastPayload{ID: "evt-mid-sync", CommittedID: 150})
	require.NoError(t, err)
	require.NoError(t, s.Send(broadcast))

	select {
	case <-client.Recv():
		t.Fatal("broadcast must not be delivered while sync is in progress")
	case <-time.After(100 * time.Millisecond):
	}

	s.endSync()

	select {
	case resp := <-client.Recv():
		require.Equal(t, wire.TypeEventBroadcast, resp.Type)
		var payload wire.EventBroadcastPayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, "evt-mid-sync", payload.ID)
	case <-time.After(time.Second):
		t.Fatal("buffered broadcast was never flushed after sync completed")
	}
}

func TestProtocolVersionMismatchClosesSession(t *testing.T) {
	s, client := newTestSession(t)

	env, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "tok-a", ClientID: "a"})
	require.NoError(t, err)
	env.ProtocolVersion = "9.9"
	require.NoError(t, client.Send(env))

	select {
	case resp := <-client.Recv():
		require.Equal(t, wire.TypeError, resp.Type)
		var payload wire.ErrorPayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, wire.CodeProtocolVersionUnsupported, payload.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, s.State())
}
