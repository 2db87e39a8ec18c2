package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/config"
	"github.com/unclebandit/campaign-scheduler/internal/repository"
	"github.com/unclebandit/campaign-scheduler/internal/sender"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Sender:  config.SenderConfig{Driver: "log"},
		Runner: config.RunnerConfig{
			DispatchTimeout: time.Second,
			ClaimLease:      5 * time.Second,
			IdempotencyTTL:  time.Hour,
		},
		Drip: config.DripConfig{Tick: "@every 1m", ReconcileSchedule: "@every 10m"},
	}
}

func TestOpenMemory(t *testing.T) {
	c, err := Open(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.IsType(t, &sender.LogSender{}, c.Sender)
	assert.IsType(t, &repository.MemoryStore{}, c.Store.Idempotency)

	m := c.NewManager()
	svc := c.Service(m)
	require.NoError(t, c.StartManager(context.Background(), m, svc))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}

func TestOpenWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), LeaseTTL: time.Second}

	c, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Redis)
	assert.IsType(t, &repository.RedisIdempotency{}, c.Store.Idempotency)

	ok, err := c.Store.Idempotency.PutIfAbsent(context.Background(), "k", []byte("v"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("idem:k"))
}

func TestOpenRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{Addr: "127.0.0.1:1"}

	_, err := Open(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "ping redis")
}

func TestBadScheduleFailsStart(t *testing.T) {
	cfg := testConfig()
	cfg.Drip.ReconcileSchedule = "every now and then"

	c, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	m := c.NewManager()
	err = c.StartManager(context.Background(), m, c.Service(m))
	assert.ErrorContains(t, err, "reconcile")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}
