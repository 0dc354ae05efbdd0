package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestCache_ExpiresByClock(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	c := New[string](time.Minute, clock.Now)

	c.Set("alice", "granted")
	got, ok := c.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "granted", got)

	clock.now = clock.now.Add(time.Minute)
	_, ok = c.Get("alice")
	assert.False(t, ok, "entries expire exactly at their ttl")
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.Sweep())
	assert.Zero(t, c.Len())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[int](time.Minute, nil)
	c.Set("session-1:alice", 1)
	c.Set("session-1:bob", 2)
	c.Set("session-2:alice", 3)

	c.InvalidatePrefix("session-1:")

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("session-2:alice")
	assert.True(t, ok)
}

func TestCache_GetOrSet(t *testing.T) {
	c := New[string](time.Minute, nil)
	calls := 0
	fallback := func(context.Context) (string, time.Duration, error) {
		calls++
		return "token", time.Minute, nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrSet(context.Background(), "k", fallback)
		require.NoError(t, err)
		assert.Equal(t, "token", got)
	}
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrSetErrorAndZeroTTL(t *testing.T) {
	c := New[string](time.Minute, nil)

	_, err := c.GetOrSet(context.Background(), "k", func(context.Context) (string, time.Duration, error) {
		return "", 0, errors.New("down")
	})
	assert.Error(t, err)

	got, err := c.GetOrSet(context.Background(), "k", func(context.Context) (string, time.Duration, error) {
		return "short-lived", 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "short-lived", got)
	assert.Zero(t, c.Len())
}

func TestCache_RunCleanupStops(t *testing.T) {
	c := New[int](time.Millisecond, nil)
	c.Set("k", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunCleanup(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
