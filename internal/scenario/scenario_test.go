package scenario

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insieme/insieme/internal/canon"
	"github.com/insieme/insieme/internal/model"
)

// waitForMirror polls c's local mirror until the committed event id
// appears or the deadline passes.
func waitForMirror(t *testing.T, c *Client, since uint64, id string) model.CommittedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := c.Store.LoadMirroredSince(context.Background(), since)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.ID == id {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never mirrored to client %s", id, c.ID)
	return model.CommittedEvent{}
}

// TestHappyPathBroadcastsToSubscriber covers spec.md 8's baseline flow:
// c1 submits to partition "team/a", c2 (subscribed to the same
// partition) observes it via event_broadcast without having to poll.
func TestHappyPathBroadcastsToSubscriber(t *testing.T) {
	env := NewEnv(t)
	c1 := env.Connect("c1", []string{"team/a"})
	c2 := env.Connect("c2", []string{"team/a"})

	require.NoError(t, c1.Engine.SubmitEvent(context.Background(), "evt-1", []string{"team/a"},
		model.Event{Type: "note.created", Payload: []byte(`{"text":"hello"}`)}))

	ev := waitForMirror(t, c2, 0, "evt-1")
	assert.Equal(t, uint64(1), ev.CommittedID)
	assert.Equal(t, "c1", ev.ClientID)

	AssertGolden(t, Trace{
		Name: "happy_path_broadcast",
		Steps: []TraceEntry{
			{Kind: "broadcast", Observer: "c2", ID: ev.ID, CommittedID: ev.CommittedID, Partitions: ev.Partitions},
		},
	})
}

// TestDedupSamePayloadReturnsExistingCommittedID covers spec.md 8's
// resubmission-after-timeout case: submitting the same id and payload
// twice must not create a second committed row.
func TestDedupSamePayloadReturnsExistingCommittedID(t *testing.T) {
	env := NewEnv(t)
	c1 := env.Connect("c1", []string{"team/a"})

	event := model.Event{Type: "note.created", Payload: []byte(`{"text":"once"}`)}

	require.NoError(t, c1.Engine.SubmitEvent(context.Background(), "evt-dup", []string{"team/a"}, event))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c1.Engine.SubmitEvent(context.Background(), "evt-dup", []string{"team/a"}, event))

	ids, err := env.Store.GetMaxCommittedID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ids, "second identical submission must dedup, not create a new row")
}

// TestDedupDifferentPayloadIsRejectedAndFirstCommitUnchanged covers
// spec.md 8 scenario 3: resubmitting an id with a canonically different
// payload must be rejected, and the original commit must survive
// untouched.
func TestDedupDifferentPayloadIsRejectedAndFirstCommitUnchanged(t *testing.T) {
	env := NewEnv(t)
	c1 := env.Connect("c1", []string{"team/a"})

	require.NoError(t, c1.Engine.SubmitEvent(context.Background(), "evt-conflict", []string{"team/a"},
		model.Event{Type: "note.created", Payload: []byte(`{"text":"hi"}`)}))

	ev := waitForMirror(t, c1, 0, "evt-conflict")
	require.Equal(t, uint64(1), ev.CommittedID)

	require.NoError(t, c1.Engine.SubmitEvent(context.Background(), "evt-conflict", []string{"team/a"},
		model.Event{Type: "note.created", Payload: []byte(`{"text":"bye"}`)}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		drafts, err := c1.Store.LoadDraftsOrdered(context.Background())
		require.NoError(t, err)
		if len(drafts) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("conflicting draft was never resolved by the server")
		}
		time.Sleep(5 * time.Millisecond)
	}

	max, getErr := env.Store.GetMaxCommittedID(context.Background())
	require.NoError(t, getErr)
	assert.Equal(t, uint64(1), max, "the conflicting resubmission must not allocate a new committed_id")

	events, loadErr := env.Store.ListCommittedSince(context.Background(), []string{"team/a"}, 0, 10, max)
	require.NoError(t, loadErr)
	require.Len(t, events.Events, 1)
	assert.Equal(t, []byte(`{"text":"hi"}`), []byte(events.Events[0].Event.Payload), "first commit must be unchanged")
}

// TestPartitionSetNormalization covers spec.md 8 scenario 7: submitting
// with an unsorted, mixed-case partition list must persist the
// lexicographically sorted form, and canonical equality
// must hold against any permutation of the same set.
func TestPartitionSetNormalization(t *testing.T) {
	env := NewEnv(t)
	c1 := env.Connect("c1", []string{"A", "B"})

	event := model.Event{Type: "note.created", Payload: []byte(`{"text":"hi"}`)}
	require.NoError(t, c1.Engine.SubmitEvent(context.Background(), "evt-norm", []string{"B", "a", "A", "b"}, event))

	ev := waitForMirror(t, c1, 0, "evt-norm")
	assert.Equal(t, []string{"A", "B", "a", "b"}, ev.Partitions)

	permuted, err := canon.NormalizePartitions([]string{"b", "B", "A", "a"})
	require.NoError(t, err)
	assert.Equal(t, ev.Partitions, permuted)

	digestA, err := canon.EventDigest(ev.Partitions, ev.Event)
	require.NoError(t, err)
	digestB, err := canon.EventDigest(permuted, event)
	require.NoError(t, err)
	assert.Equal(t, digestA, digestB)
}

// TestPagedCatchUpSync covers spec.md 8's paging scenario: a client
// connecting after 120 prior commits with SyncLimit 50 pages through
// 50/50/20.
func TestPagedCatchUpSync(t *testing.T) {
	env := NewEnv(t)
	seed := env.Connect("seed", []string{"team/a"})
	for i := 0; i < 120; i++ {
		require.NoError(t, seed.Engine.SubmitEvent(context.Background(), "", []string{"team/a"},
			model.Event{Type: "note.created", Payload: []byte(`{"n":` + strconv.Itoa(i) + `}`)}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		max, err := env.Store.GetMaxCommittedID(context.Background())
		require.NoError(t, err)
		if max == 120 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("seed commits never settled, got %d", max)
		}
		time.Sleep(5 * time.Millisecond)
	}

	late := env.ConnectWithSyncLimit("late", []string{"team/a"}, 50)

	deadline = time.Now().Add(3 * time.Second)
	for {
		events, err := late.Store.LoadMirroredSince(context.Background(), 0)
		require.NoError(t, err)
		if len(events) == 120 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("paged catch-up never completed, mirrored %d/120", len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
