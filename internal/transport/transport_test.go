package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insieme/insieme/internal/wire"
)

func TestPipeDeliversBothDirections(t *testing.T) {
	a, b := Pipe()
	env, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "t", ClientID: "c1"})
	require.NoError(t, err)

	require.NoError(t, a.Send(env))
	select {
	case got := <-b.Recv():
		assert.Equal(t, wire.TypeConnect, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestOfflineShimAnswersConnectLocallyThenReplaysOnAttach(t *testing.T) {
	shim := NewOfflineShim(2, 0)
	connectEnv, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "t", ClientID: "c1"})
	require.NoError(t, err)
	require.NoError(t, shim.Send(connectEnv))

	select {
	case resp := <-shim.Recv():
		assert.Equal(t, wire.TypeConnected, resp.Type)
	case <-time.After(time.Second):
		t.Fatal("expected synthetic connected reply")
	}

	submitEnv, err := wire.Encode(wire.TypeSubmitEvents, wire.SubmitEventsPayload{})
	require.NoError(t, err)
	require.NoError(t, shim.Send(submitEnv))
	assert.Equal(t, 1, shim.Buffered())

	serverSide, clientSide := Pipe()
	require.NoError(t, shim.Attach(clientSide))

	select {
	case got := <-serverSide.Recv():
		assert.Equal(t, wire.TypeConnect, got.Type, "attach must replay the last connect first")
	case <-time.After(time.Second):
		t.Fatal("attach did not replay connect")
	}
	select {
	case got := <-serverSide.Recv():
		assert.Equal(t, wire.TypeSubmitEvents, got.Type, "attach must drain the buffer after replay")
	case <-time.After(time.Second):
		t.Fatal("attach did not drain buffered submit")
	}
}

// TestOfflineShimSyncReplyEchoesRequestedSince covers spec.md 4.8: the
// synthetic sync reply must be an empty page with has_more=false and
// next_since_committed_id equal to the requested since, not a
// zero-valued payload - a non-zero since must round-trip unchanged so a
// client with a persisted cursor > 0 doesn't regress it.
func TestOfflineShimSyncReplyEchoesRequestedSince(t *testing.T) {
	shim := NewOfflineShim(2, 0)
	syncEnv, err := wire.Encode(wire.TypeSync, wire.SyncPayload{Partitions: []string{"p1"}, SinceCommittedID: 42, Limit: 50})
	require.NoError(t, err)
	require.NoError(t, shim.Send(syncEnv))

	select {
	case resp := <-shim.Recv():
		require.Equal(t, wire.TypeSyncResponse, resp.Type)
		var payload wire.SyncResponsePayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, uint64(42), payload.NextSinceCommittedID)
		assert.False(t, payload.HasMore)
		assert.Empty(t, payload.Events)
		assert.Equal(t, []string{"p1"}, payload.Partitions)
	case <-time.After(time.Second):
		t.Fatal("expected synthetic sync_response reply")
	}
}

// TestOfflineShimConnectedReplyCarriesConfiguredServerLastCommittedID
// covers spec.md 4.8: the synthetic connected reply must report the
// caller-provided server_last_committed_id, not a hardcoded zero.
func TestOfflineShimConnectedReplyCarriesConfiguredServerLastCommittedID(t *testing.T) {
	shim := NewOfflineShim(2, 99)
	connectEnv, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: "t", ClientID: "c1"})
	require.NoError(t, err)
	require.NoError(t, shim.Send(connectEnv))

	select {
	case resp := <-shim.Recv():
		require.Equal(t, wire.TypeConnected, resp.Type)
		var payload wire.ConnectedPayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, uint64(99), payload.ServerLastCommittedID)
	case <-time.After(time.Second):
		t.Fatal("expected synthetic connected reply")
	}
}

func TestOfflineShimRateLimitsOverCapacity(t *testing.T) {
	shim := NewOfflineShim(1, 0)
	env, err := wire.Encode(wire.TypeSubmitEvents, wire.SubmitEventsPayload{})
	require.NoError(t, err)

	require.NoError(t, shim.Send(env))
	require.NoError(t, shim.Send(env))

	select {
	case resp := <-shim.Recv():
		var payload wire.ErrorPayload
		require.NoError(t, resp.DecodePayload(&payload))
		assert.Equal(t, wire.CodeRateLimited, payload.Code)
	case <-time.After(time.Second):
		t.Fatal("expected rate_limited reply")
	}
}
