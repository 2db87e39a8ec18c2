package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Extend when another process owns the lease or it expired.
var ErrNotHeld = errors.New("lease not held")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLease makes a campaign runner exclusive across processes. Each
// process holds one owner token; keys are per campaign.
type RedisLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, owner: owner, ttl: ttl}
}

func key(campaignID int64) string {
	return fmt.Sprintf("lock:campaign-runner:%d", campaignID)
}

// TTL is how long a lease survives without Extend.
func (l *RedisLease) TTL() time.Duration { return l.ttl }

// Acquire reports whether this process now owns the campaign runner.
func (l *RedisLease) Acquire(ctx context.Context, campaignID int64) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(campaignID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for campaign %d: %w", campaignID, err)
	}
	return ok, nil
}

func (l *RedisLease) Extend(ctx context.Context, campaignID int64) error {
	n, err := extendScript.Run(ctx, l.client, []string{key(campaignID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release is a no-op when the lease belongs to someone else.
func (l *RedisLease) Release(ctx context.Context, campaignID int64) error {
	_, err := releaseScript.Run(ctx, l.client, []string{key(campaignID)}, l.owner).Result()
	return err
}
