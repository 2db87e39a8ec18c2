package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLeaseIsExclusive(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	a := NewRedisLease(client, "proc-a", 10*time.Second)
	b := NewRedisLease(client, "proc-b", 10*time.Second)

	ok, err := a.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = b.Acquire(ctx, 8)
	assert.True(t, ok, "leases are per campaign")

	// b cannot release or extend a's lease
	require.NoError(t, b.Release(ctx, 7))
	assert.ErrorIs(t, b.Extend(ctx, 7), ErrNotHeld)

	require.NoError(t, a.Release(ctx, 7))
	ok, _ = b.Acquire(ctx, 7)
	assert.True(t, ok)
}

func TestLeaseExpiresWithoutExtend(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	a := NewRedisLease(client, "proc-a", 5*time.Second)
	b := NewRedisLease(client, "proc-b", 5*time.Second)

	ok, _ := a.Acquire(ctx, 1)
	require.True(t, ok)

	mr.FastForward(3 * time.Second)
	require.NoError(t, a.Extend(ctx, 1))
	mr.FastForward(3 * time.Second)
	ok, _ = b.Acquire(ctx, 1)
	assert.False(t, ok, "extend pushed expiry out")

	mr.FastForward(6 * time.Second)
	assert.ErrorIs(t, a.Extend(ctx, 1), ErrNotHeld)
	ok, _ = b.Acquire(ctx, 1)
	assert.True(t, ok)
}
