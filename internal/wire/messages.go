package wire

import "github.com/insieme/insieme/internal/model"

// ConnectPayload is the client->server `connect` message payload.
type ConnectPayload struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// SubmitItem is one entry of a submit_events request. The core profile
// (spec.md 4.5) requires exactly one item per request.
type SubmitItem struct {
	ID         string      `json:"id"`
	Partitions []string    `json:"partitions"`
	Event      model.Event `json:"event"`
}

// SubmitEventsPayload is the client->server `submit_events` message payload.
type SubmitEventsPayload struct {
	Events []SubmitItem `json:"events"`
}

// SyncPayload is the client->server `sync` message payload. Since is
// exclusive; Limit is clamped to [1, 1000] server-side, default 500.
type SyncPayload struct {
	Partitions        []string `json:"partitions"`
	SinceCommittedID  uint64   `json:"since_committed_id"`
	Limit             int      `json:"limit"`
}

// DefaultSyncLimit and clamp bounds, per spec.md 6.
const (
	DefaultSyncLimit = 500
	MinSyncLimit     = 1
	MaxSyncLimit     = 1000
)

// ClampLimit normalizes a requested sync page size into [MinSyncLimit,
// MaxSyncLimit], defaulting to DefaultSyncLimit when zero.
func ClampLimit(requested int) int {
	if requested == 0 {
		return DefaultSyncLimit
	}
	if requested < MinSyncLimit {
		return MinSyncLimit
	}
	if requested > MaxSyncLimit {
		return MaxSyncLimit
	}
	return requested
}

// ConnectedPayload is the server->client `connected` message payload.
type ConnectedPayload struct {
	ClientID            string `json:"client_id"`
	ServerLastCommittedID uint64 `json:"server_last_committed_id"`
}

// SubmitResultStatus is the per-item outcome of a submission.
type SubmitResultStatus string

const (
	SubmitStatusCommitted SubmitResultStatus = "committed"
	SubmitStatusRejected  SubmitResultStatus = "rejected"
)

// SubmitItemResult is one entry of submit_events_result.results.
type SubmitItemResult struct {
	ID              string             `json:"id"`
	Status          SubmitResultStatus `json:"status"`
	CommittedID     uint64             `json:"committed_id,omitempty"`
	StatusUpdatedAt int64              `json:"status_updated_at"`
	Reason          ErrorCode          `json:"reason,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
}

// SubmitEventsResultPayload is the server->client `submit_events_result`
// message payload. Exactly one entry in the core profile.
type SubmitEventsResultPayload struct {
	Results []SubmitItemResult `json:"results"`
}

// EventBroadcastPayload is the server->client `event_broadcast` message
// payload: the full committed event record.
type EventBroadcastPayload struct {
	CommittedID     uint64      `json:"committed_id"`
	ID              string      `json:"id"`
	ClientID        string      `json:"client_id"`
	Partitions      []string    `json:"partitions"`
	Event           model.Event `json:"event"`
	StatusUpdatedAt int64       `json:"status_updated_at"`
}

// SyncResponsePayload is the server->client `sync_response` message payload.
type SyncResponsePayload struct {
	Partitions           []string                `json:"partitions"`
	Events               []EventBroadcastPayload `json:"events"`
	NextSinceCommittedID uint64                  `json:"next_since_committed_id"`
	HasMore              bool                    `json:"has_more"`
}

// ErrorPayload is the server->client `error` message payload.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// FromCommittedEvent converts a model.CommittedEvent into its wire
// representation, dropping the server-only Canonical field.
func FromCommittedEvent(ev model.CommittedEvent) EventBroadcastPayload {
	return EventBroadcastPayload{
		CommittedID:     ev.CommittedID,
		ID:              ev.ID,
		ClientID:        ev.ClientID,
		Partitions:      ev.Partitions,
		Event:           ev.Event,
		StatusUpdatedAt: ev.StatusUpdatedAt.UnixMilli(),
	}
}
