package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStartsAtZero(t *testing.T) {
	a := New()
	assert.EqualValues(t, 0, a.Current())
}

func TestNewAtSeedsHighWaterMark(t *testing.T) {
	a := NewAt(42)
	assert.EqualValues(t, 42, a.Current())
}

func TestObserveOnlyAdvances(t *testing.T) {
	a := New()
	a.Observe(10)
	assert.EqualValues(t, 10, a.Current())
	a.Observe(3)
	assert.EqualValues(t, 10, a.Current(), "Observe must never move the high-water mark backward")
	a.Observe(20)
	assert.EqualValues(t, 20, a.Current())
}

func TestNextIsStrictlyIncreasingUnderConcurrency(t *testing.T) {
	a := New()
	const n = 200
	seen := make(chan int64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- a.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool, n)
	for v := range seen {
		assert.False(t, unique[v], "Next must never return the same value twice")
		unique[v] = true
	}
	assert.Len(t, unique, n)
	assert.EqualValues(t, n, a.Current())
}
