package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache backs the short-lived coordination state shared by replicas:
// job locks, webhook delivery dedupe and the notification outbox.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Acquire takes the named lock for ttl. ok is false when another holder
// has it. The returned release func is safe to call once the lock expired.
func (c *RedisCache) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	token := uuid.New().String()
	ok, err = c.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, c.client, []string{"lock:" + key}, token).Err()
	}
	return release, true, nil
}

// FirstSeen records id and reports whether it had not been seen within ttl.
func (c *RedisCache) FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "seen:"+id, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", id, err)
	}
	return ok, nil
}

// Forget removes a seen marker so a failed delivery can be retried.
func (c *RedisCache) Forget(ctx context.Context, id string) error {
	return c.client.Del(ctx, "seen:"+id).Err()
}

// Push appends a JSON-encoded value to the head of a list.
func (c *RedisCache) Push(ctx context.Context, queue string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.LPush(ctx, queue, data).Err()
}

// Pop removes the oldest value of a list into dest. It reports false when
// the list is empty.
func (c *RedisCache) Pop(ctx context.Context, queue string, dest any) (bool, error) {
	data, err := c.client.RPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
