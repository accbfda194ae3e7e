package validate

import "github.com/insieme/insieme/internal/model"

// LastWriteWins is a Reducer demonstrating the protocol's conflict
// resolution policy (spec.md 1 Non-goals: "Conflict resolution is
// Last-Write-Wins by committed_id"): it simply replaces state with the
// incoming event's payload, since the committed log itself guarantees
// events are folded in committed_id order (serverstore.ListCommittedSince,
// client applying batches in order). The reducer does not need to compare
// timestamps or ids itself - LWW-by-committed_id is a property of *feeding*
// the reducer events in committed order, not of the reducer's logic.
func LastWriteWins(_ model.ReducerState, event model.Event, _ string) (model.ReducerState, error) {
	return model.ReducerState(event.Payload), nil
}
