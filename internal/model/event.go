// Package model defines the shared data types of the Insieme sync protocol:
// the opaque event envelope, drafts, and committed events.
package model

import (
	"encoding/json"
	"time"
)

// Event is the opaque `{ type, payload }` structure carried by drafts and
// committed rows. The core never interprets Payload; it is handed to an
// injected validate.Validator keyed by Type.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Draft is a client-local, not-yet-committed event awaiting submission.
// DraftClock is allocated by the caller before insert (the client engine
// uses a clock.Allocator); the local store persists the value it is given
// and does not allocate one itself. It is never transmitted.
type Draft struct {
	DraftClock int64     `json:"-"`
	ID         string     `json:"id"`
	ClientID   string     `json:"client_id"`
	Partitions []string   `json:"partitions"`
	Event      Event      `json:"event"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CommittedEvent is the durable, globally-ordered record of an accepted
// event. It is the same shape on both the server and in the client's
// committed mirror; Canonical is a server-side-only equality aid and is
// not transmitted over the wire (the wire form omits it).
type CommittedEvent struct {
	CommittedID     uint64    `json:"committed_id"`
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	Partitions      []string  `json:"partitions"`
	Event           Event     `json:"event"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`

	// Canonical is the digest of the canonical form of {partitions, event}.
	// Server-only; never serialized to the wire.
	Canonical string `json:"-"`
}

// ReducerState is the opaque accumulator a Reducer folds events into. The
// core places no structure on it beyond "a value a reducer can replace".
type ReducerState = json.RawMessage
