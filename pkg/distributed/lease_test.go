package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	addr := os.Getenv("DUOCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("DUOCALL_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLease_ExclusiveUntilReleased(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "participant:" + uuid.NewString()

	agentA := NewLeaseManager(client, "duocall:test:", "agent-a", time.Second)
	agentB := NewLeaseManager(client, "duocall:test:", "agent-b", time.Second)

	lease, err := agentA.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "duocall:test:"+key, lease.Key())

	_, err = agentB.Acquire(ctx, key)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, lease.Release(ctx))

	release, err := agentB.Claim(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestLease_RenewsPastTTL(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "participant:" + uuid.NewString()
	m := NewLeaseManager(client, "duocall:test:", "agent-a", 200*time.Millisecond)

	lease, err := m.Acquire(ctx, key)
	require.NoError(t, err)
	defer lease.Release(ctx)

	time.Sleep(500 * time.Millisecond)
	_, err = m.Acquire(ctx, key)
	assert.ErrorIs(t, err, ErrLeaseHeld)
}

func TestLease_SignalsLoss(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "participant:" + uuid.NewString()
	m := NewLeaseManager(client, "duocall:test:", "agent-a", 200*time.Millisecond)

	lease, err := m.Acquire(ctx, key)
	require.NoError(t, err)

	require.NoError(t, client.Set(ctx, lease.Key(), "someone-else", time.Minute).Err())
	t.Cleanup(func() { client.Del(ctx, lease.Key()) })

	select {
	case <-lease.Lost():
	case <-time.After(time.Second):
		t.Fatal("lease loss was not signalled")
	}
	assert.Error(t, lease.Release(ctx))
}
