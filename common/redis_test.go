package common

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)

	prevRDB := RDB
	prevEnabled := IsRedisEnabled()
	RDB = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	SetRedisEnabled(true)
	t.Cleanup(func() {
		RDB = prevRDB
		SetRedisEnabled(prevEnabled)
	})
	return mr
}

func TestRedisSetGetDel(t *testing.T) {
	setupMiniRedis(t)

	require.NoError(t, RedisSet("k1", "v1", time.Minute))
	val, err := RedisGet("k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	require.NoError(t, RedisDel("k1"))
	_, err = RedisGet("k1")
	assert.Error(t, err)
}

func TestAcquireRedisLock(t *testing.T) {
	setupMiniRedis(t)
	ctx := context.Background()

	acquired, token, err := AcquireRedisLock(ctx, "lock:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.NotEmpty(t, token)

	// A second holder cannot take the same lock while it is held.
	acquired2, _, err := AcquireRedisLock(ctx, "lock:test", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, ReleaseRedisLock(ctx, "lock:test", token))

	acquired3, _, err := AcquireRedisLock(ctx, "lock:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired3)
}

func TestReleaseRedisLockIgnoresStaleToken(t *testing.T) {
	mr := setupMiniRedis(t)
	ctx := context.Background()

	acquired, _, err := AcquireRedisLock(ctx, "lock:stale", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A holder whose lock expired and was reacquired must not delete the
	// new owner's lock.
	require.NoError(t, ReleaseRedisLock(ctx, "lock:stale", "stale-token"))
	assert.True(t, mr.Exists("lock:stale"))
}

func TestRedisLockDisabledFallback(t *testing.T) {
	prevRDB := RDB
	prevEnabled := IsRedisEnabled()
	RDB = nil
	SetRedisEnabled(false)
	t.Cleanup(func() {
		RDB = prevRDB
		SetRedisEnabled(prevEnabled)
	})

	acquired, token, err := AcquireRedisLock(context.Background(), "lock:none", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Empty(t, token)
	assert.NoError(t, ReleaseRedisLock(context.Background(), "lock:none", token))
}
