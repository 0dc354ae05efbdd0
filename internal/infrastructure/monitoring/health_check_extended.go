package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddCapacityCheck fails once count reaches limit.
func (h *HealthChecker) AddCapacityCheck(name string, count func() int, limit int) {
	h.AddCheck(name, func(ctx context.Context) error {
		if n := count(); limit > 0 && n >= limit {
			return fmt.Errorf("%d of %d in use", n, limit)
		}
		return nil
	}, time.Second)
}
