package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varistock/backend/internal/domain"
)

func TestNoopLockAlwaysGrants(t *testing.T) {
	ctx := context.Background()
	release, err := NoopLock{}.Acquire(ctx, "maintenance", time.Minute)
	require.NoError(t, err)
	_, err = NoopLock{}.Acquire(ctx, "maintenance", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, release(ctx))
}

func TestRedisLockAndStats(t *testing.T) {
	addr := os.Getenv("VARISTOCK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set VARISTOCK_TEST_REDIS_ADDR to run redis integration test")
	}
	ctx := context.Background()
	c := NewRedis(addr, "", 0, "varistock-test")
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(ctx))

	key := "lock-" + time.Now().Format("150405.000000")
	release, err := c.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, key, 5*time.Second)
	assert.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, release(ctx))
	again, err := c.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))

	stats := &domain.MaintenanceStats{Total: 4, Archived: 1, Active: 2}
	require.NoError(t, c.Set(ctx, key, stats, time.Minute))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *stats, *got)

	require.NoError(t, c.Invalidate(ctx, key))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
