package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// PermissionCache stores the grant time per identity. Redis expiry only evicts;
// freshness is judged against the injected clock.
type PermissionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  ports.Clock
}

func NewPermissionCache(client *redis.Client, ttl time.Duration, clock ports.Clock) *PermissionCache {
	if clock == nil {
		clock = ports.SystemClock
	}
	return &PermissionCache{
		client: client,
		prefix: keyPrefix + "consent:",
		ttl:    ttl,
		clock:  clock,
	}
}

func (c *PermissionCache) key(identity domain.Identity) string {
	return c.prefix + string(identity)
}

func (c *PermissionCache) GrantedRecently(ctx context.Context, identity domain.Identity) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read consent grant: %w", err)
	}

	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("malformed consent grant for %s: %w", identity, err)
	}
	return c.clock.Now().Sub(time.Unix(0, nanos)) < c.ttl, nil
}

func (c *PermissionCache) RecordGrant(ctx context.Context, identity domain.Identity) error {
	value := strconv.FormatInt(c.clock.Now().UnixNano(), 10)
	if err := c.client.Set(ctx, c.key(identity), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record consent grant: %w", err)
	}
	return nil
}
