package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters is a Counters backed by Redis, for deployments running
// more than one hub process against the same event bus topics (the
// in-process map in inProcessCounters only sees drops on its own
// instance). Keys are namespaced under a configurable prefix so several
// hubs can share one Redis database without colliding.
type RedisCounters struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCounters returns a Counters backed by the given Redis URL,
// e.g. "redis://localhost:6379/0". Counter keys expire after ttl of
// inactivity so cancelled subscriptions don't leak keys forever; pass
// 0 to disable expiry.
func NewRedisCounters(redisURL, prefix string, ttl time.Duration) (*RedisCounters, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "obshub:dropped"
	}
	return &RedisCounters{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisCounters) key(id int64) string {
	return r.prefix + ":" + strconv.FormatInt(id, 10)
}

// Increment atomically bumps the dropped-event count for a subscription.
func (r *RedisCounters) Increment(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key := r.key(id)
	if err := r.client.Incr(ctx, key).Err(); err != nil {
		return
	}
	if r.ttl > 0 {
		r.client.Expire(ctx, key, r.ttl)
	}
}

// Get returns the current dropped-event count for a subscription.
func (r *RedisCounters) Get(id int64) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.client.Get(ctx, r.key(id)).Int64()
	if err != nil {
		return 0
	}
	return v
}

// Remove deletes a subscription's dropped-event counter.
func (r *RedisCounters) Remove(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.client.Del(ctx, r.key(id))
}

// Close releases the underlying Redis client connection.
func (r *RedisCounters) Close() error {
	return r.client.Close()
}
