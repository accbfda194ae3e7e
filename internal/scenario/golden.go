package scenario

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Trace is the ordered record of everything a scenario observed: each
// commit result the submitting client received, plus each broadcast a
// subscriber observed, in the order the scenario body appended them.
// Mirrors the teacher's TraceSnapshot: a flat, JSON-stable shape a
// golden file can pin byte-for-byte.
type Trace struct {
	Name  string       `json:"scenario_name"`
	Steps []TraceEntry `json:"steps"`
}

// TraceEntry is one observed outcome during a scenario.
type TraceEntry struct {
	Kind            string   `json:"kind"` // "commit" or "broadcast"
	Observer        string   `json:"observer"`
	ID              string   `json:"id"`
	Status          string   `json:"status,omitempty"`
	CommittedID     uint64   `json:"committed_id,omitempty"`
	Partitions      []string `json:"partitions,omitempty"`
	StatusUpdatedAt int64    `json:"status_updated_at,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// AssertGolden compares trace's canonical JSON rendering against
// testdata/golden/<trace.Name>.golden, following the teacher's
// goldie.New(WithFixtureDir, WithNameSuffix) convention. Run with
// `go test ./internal/scenario -update` to (re)write fixtures.
func AssertGolden(t *testing.T, trace Trace) {
	t.Helper()
	out, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		t.Fatalf("marshal trace: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, trace.Name, out)
}
