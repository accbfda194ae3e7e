// Package scenario drives end-to-end Insieme scenarios - a full
// serverstore + broadcast.Hub + session + client.Engine stack wired
// together over in-memory transport.Pipe connections - and snapshots
// their outcome with goldie, grounded on the teacher's harness package's
// "deterministic clock + golden trace" testing idiom, generalized from
// concept-invocation traces to sync-protocol commit traces.
package scenario

import (
	"sync"
	"time"
)

// Clock is a thread-safe logical clock that hands out strictly
// increasing one-second ticks from a fixed epoch. It replaces time.Now
// as a broadcast.Hub's source of "now" so status_updated_at fields are
// stable across runs (spec.md 8's scenarios need byte-identical golden
// output).
type Clock struct {
	mu   sync.Mutex
	tick int64
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock creates a Clock starting at the fixed epoch.
func NewClock() *Clock {
	return &Clock{}
}

// Now advances and returns the next logical instant, in the shape
// broadcast.WithClock expects.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick++
	return epoch.Add(time.Duration(c.tick) * time.Second)
}
