package client

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial up
// to Max, with uniform jitter of ±Jitter*delay (spec.md 4.7). The
// embedded *rand.Rand is injected so tests can seed it for determinism.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
	Rand    *rand.Rand

	// MaxAttempts caps how many reconnect attempts Engine.reconnect makes
	// before giving up (spec.md 4.7). Zero is treated as 1 by the caller.
	MaxAttempts int
}

// NewBackoff returns a Backoff with the spec's suggested defaults
// (1s initial, 30s max, factor 2, jitter 0.2, 10 attempts) and a
// fixed-seed RNG (seed 1).
func NewBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      0.2,
		Rand:        rand.New(rand.NewSource(1)),
		MaxAttempts: 10,
	}
}

// NextDelay returns the delay to wait before reconnect attempt number
// attempt (1-indexed).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Factor
		if delay > float64(b.Max) {
			delay = float64(b.Max)
			break
		}
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.New(rand.NewSource(1))
		}
		spread := delay * b.Jitter
		delay += (r.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}
