package memory

import (
	"context"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/cache"
)

// PermissionCache keeps consent grants in process memory for ttl.
type PermissionCache struct {
	grants *cache.Cache[time.Time]
	clock  ports.Clock
}

func NewPermissionCache(ttl time.Duration, clock ports.Clock) *PermissionCache {
	if clock == nil {
		clock = ports.SystemClock
	}
	return &PermissionCache{
		grants: cache.New[time.Time](ttl, clock.Now),
		clock:  clock,
	}
}

func (c *PermissionCache) GrantedRecently(ctx context.Context, identity domain.Identity) (bool, error) {
	_, ok := c.grants.Get(string(identity))
	return ok, nil
}

func (c *PermissionCache) RecordGrant(ctx context.Context, identity domain.Identity) error {
	c.grants.Set(string(identity), c.clock.Now())
	return nil
}

// RunCleanup drops expired grants until ctx is done.
func (c *PermissionCache) RunCleanup(ctx context.Context, interval time.Duration) {
	c.grants.RunCleanup(ctx, interval)
}
