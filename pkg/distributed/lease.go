package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duocall/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another holder owns the key.
var ErrLeaseHeld = errors.New("lease held by another agent")

// Only the holder may extend or delete its key.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// Lease is a Redis key owned by one agent and kept alive until released.
type Lease struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration

	stop     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
	wg       sync.WaitGroup
}

func newLease(client redis.Cmdable, key, holder string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		value:  holder + ":" + utils.GenerateID("lease"),
		ttl:    ttl,
		stop:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
}

// Key returns the Redis key backing the lease.
func (l *Lease) Key() string {
	return l.key
}

// Lost is closed when a renewal finds the key gone or owned by someone else.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *Lease) acquire(ctx context.Context) error {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !acquired {
		return ErrLeaseHeld
	}
	l.wg.Add(1)
	go l.renew()
	return nil
}

// renew extends the key at half its TTL. It runs detached from the acquiring
// request.
func (l *Lease) renew() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// transient; the key survives until its TTL
				continue
			}
			if n == 0 {
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		case <-l.stop:
			return
		}
	}
}

// Release stops renewal and deletes the key if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lease %s was not held by this agent", l.key)
	}
	return nil
}

// LeaseManager hands out leases under a common key prefix.
type LeaseManager struct {
	client redis.Cmdable
	prefix string
	holder string
	ttl    time.Duration
}

// NewLeaseManager creates a lease manager. holder names this agent in the
// lease value so a stuck key can be traced back to its owner.
func NewLeaseManager(client redis.Cmdable, prefix, holder string, ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseManager{
		client: client,
		prefix: prefix,
		holder: holder,
		ttl:    ttl,
	}
}

// Acquire claims key without waiting. It returns ErrLeaseHeld when another
// agent owns it.
func (m *LeaseManager) Acquire(ctx context.Context, key string) (*Lease, error) {
	lease := newLease(m.client, m.prefix+key, m.holder, m.ttl)
	if err := lease.acquire(ctx); err != nil {
		return nil, err
	}
	return lease, nil
}

// Claim adapts Acquire to callers that only need a release func.
func (m *LeaseManager) Claim(ctx context.Context, key string) (func(context.Context) error, error) {
	lease, err := m.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}
