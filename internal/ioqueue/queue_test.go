package ioqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		assert.True(t, q.Enqueue(i))
	}
	for i := 0; i < 5; i++ {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestWaitWakesOnEnqueue(t *testing.T) {
	q := New[string]()
	done := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for {
			if v, ok := q.TryDequeue(); ok {
				done <- v
				return
			}
			select {
			case <-ctx.Done():
				done <- ""
				return
			case <-q.Wait():
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("hello")

	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dequeue")
	}
}

func TestCloseWakesWaitersAndRejectsEnqueue(t *testing.T) {
	q := New[int]()
	woke := make(chan struct{})
	go func() {
		<-q.Wait()
		close(woke)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}
	assert.False(t, q.Enqueue(1))
	assert.True(t, q.Closed())
}
