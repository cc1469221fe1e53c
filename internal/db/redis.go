package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore wraps a redis client for the gateway's daily counters.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// IncrementAppView increments the daily view counter for an app.
// A 48h TTL is applied on first set so yesterday's counter survives a day.
func (r *RedisStore) IncrementAppView(appID int) error {
	key := fmt.Sprintf("views:app:%d:%s", appID, time.Now().Format("2006-01-02"))
	val, err := r.Client.Incr(r.Ctx, key).Result()
	if err != nil {
		return err
	}
	if val == 1 {
		r.Client.Expire(r.Ctx, key, 48*time.Hour)
	}
	return nil
}

// IncrementAppConversion increments the daily counter for a conversion kind
// (install, reg, dep) on an app.
func (r *RedisStore) IncrementAppConversion(appID int, event string) error {
	key := fmt.Sprintf("conv:%s:app:%d:%s", event, appID, time.Now().Format("2006-01-02"))
	val, err := r.Client.Incr(r.Ctx, key).Result()
	if err != nil {
		return err
	}
	if val == 1 {
		r.Client.Expire(r.Ctx, key, 48*time.Hour)
	}
	return nil
}

// GetAppDayCounts returns today's views and installs for an app.
func (r *RedisStore) GetAppDayCounts(appID int) (views, installs int64) {
	day := time.Now().Format("2006-01-02")
	views, _ = r.Client.Get(r.Ctx, fmt.Sprintf("views:app:%d:%s", appID, day)).Int64()
	installs, _ = r.Client.Get(r.Ctx, fmt.Sprintf("conv:install:app:%d:%s", appID, day)).Int64()
	return views, installs
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
