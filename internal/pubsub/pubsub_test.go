package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	b := New[int](1)
	c1, cancel1 := b.Subscribe()
	c2, cancel2 := b.Subscribe()
	defer cancel2()

	assert.Equal(t, 2, b.Publish(1))
	assert.Equal(t, 1, <-c1)
	assert.Equal(t, 1, <-c2)

	cancel1()
	_, ok := <-c1
	assert.False(t, ok, "unsubscribed channel is closed")
	cancel1()

	assert.Equal(t, 1, b.Publish(2))
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := New[string](1)
	ch, cancel := b.Subscribe()
	defer cancel()

	require.Equal(t, 1, b.Publish("a"))
	assert.Equal(t, 0, b.Publish("b"), "full subscriber misses the value")
	assert.Equal(t, "a", <-ch)
}

func TestBrokerClose(t *testing.T) {
	b := New[int](0)
	ch, cancel := b.Subscribe()
	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	assert.Zero(t, b.Publish(1))
}

func TestQueuedBrokerKeepsEveryValue(t *testing.T) {
	b := NewQueued[int](2)
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := range 50 {
		require.Equal(t, 1, b.Publish(i))
	}
	for i := range 50 {
		assert.Equal(t, i, <-ch)
	}
}

func TestQueuedBrokerDrainsOnClose(t *testing.T) {
	b := NewQueued[string](0)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish("a")
	b.Publish("b")
	b.Close()

	var got []string
	for v := range ch {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, b.Publish("c"))
}

func TestQueuedBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewQueued[int](0)
	ch, cancel := b.Subscribe()
	b.Publish(1)
	cancel()

	for range ch {
	}
	assert.Zero(t, b.Publish(2))
}
