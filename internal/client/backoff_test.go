package client

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayGrowsExponentiallyAndCapsAtMax(t *testing.T) {
	b := Backoff{
		Initial: time.Second,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0,
		Rand:    rand.New(rand.NewSource(1)),
	}

	assert.Equal(t, time.Second, b.NextDelay(1))
	assert.Equal(t, 2*time.Second, b.NextDelay(2))
	assert.Equal(t, 4*time.Second, b.NextDelay(3))
	assert.Equal(t, 8*time.Second, b.NextDelay(4))
	assert.Equal(t, 10*time.Second, b.NextDelay(5), "must cap at Max")
	assert.Equal(t, 10*time.Second, b.NextDelay(20), "must stay capped for large attempt numbers")
}

func TestNextDelayJitterStaysWithinBounds(t *testing.T) {
	b := Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
		Rand:    rand.New(rand.NewSource(7)),
	}

	for attempt := 1; attempt <= 5; attempt++ {
		d := b.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Max+time.Duration(float64(b.Max)*b.Jitter)+1)
	}
}
