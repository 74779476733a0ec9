package common

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/common/random"
)

var RDB redis.Cmdable

var redisEnabled atomic.Bool

func IsRedisEnabled() bool {
	return redisEnabled.Load()
}

func SetRedisEnabled(enabled bool) {
	redisEnabled.Store(enabled)
}

// InitRedisClient connects the shared client. Redis is optional; when
// REDIS_CONN_STRING is unset the gateway runs single-node without it.
func InitRedisClient() (err error) {
	if config.RedisConnString == "" {
		SetRedisEnabled(false)
		logger.Logger.Info("REDIS_CONN_STRING not set, Redis is not enabled")
		return nil
	}
	if config.RedisMasterName == "" {
		logger.Logger.Info("Redis is enabled")
		opt, err := redis.ParseURL(config.RedisConnString)
		if err != nil {
			logger.Logger.Fatal("failed to parse Redis connection string", zap.Error(err))
		}
		RDB = redis.NewClient(opt)
	} else {
		// sentinel/cluster mode
		logger.Logger.Info("Redis cluster mode enabled")
		RDB = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      strings.Split(config.RedisConnString, ","),
			Password:   config.RedisPassword,
			MasterName: config.RedisMasterName,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = RDB.Ping(ctx).Result()
	if err != nil {
		logger.Logger.Fatal("Redis ping test failed", zap.Error(err))
	}
	SetRedisEnabled(true)
	return nil
}

func RedisSet(key string, value string, expiration time.Duration) error {
	ctx := context.Background()
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	err := RDB.Set(ctx, key, value, expiration).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to set redis key: %s", key)
	}
	return nil
}

func RedisGet(key string) (string, error) {
	ctx := context.Background()
	if RDB == nil {
		return "", errors.New("redis not initialized")
	}
	val, err := RDB.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to get redis key: %s", key)
	}
	return val, nil
}

func RedisDel(key string) error {
	ctx := context.Background()
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	err := RDB.Del(ctx, key).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to delete redis key: %s", key)
	}
	return nil
}

// AcquireRedisLock takes a best-effort distributed lock via SET NX. It returns
// (true, token) when the lock was acquired. When Redis is disabled it returns
// acquired=true so single-node deployments keep working.
func AcquireRedisLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	if !IsRedisEnabled() || RDB == nil {
		return true, "", nil
	}
	token := random.GetUUID()
	ok, err := RDB.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, "", errors.Wrapf(err, "failed to acquire redis lock: %s", key)
	}
	return ok, token, nil
}

// ReleaseRedisLock releases a lock only when it is still held by the token
// owner, so an expired-and-reacquired lock is never deleted by a stale holder.
func ReleaseRedisLock(ctx context.Context, key string, token string) error {
	if !IsRedisEnabled() || RDB == nil || token == "" {
		return nil
	}
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	if err := RDB.Eval(ctx, script, []string{key}, token).Err(); err != nil {
		return errors.Wrapf(err, "failed to release redis lock: %s", key)
	}
	return nil
}
