package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Thin wrapper around go-redis so callers share one connection pool
type RedisClient struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Wraps an existing client, used by tests against miniredis
func NewRedisFromClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.client.Del(ctx, keys...).Result()
}

func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

// Negative when the key is missing (-2ns) or has no expiry (-1ns)
func (r *RedisClient) PTTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.PTTL(ctx, key).Result()
}

func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// Runs a Lua script, loading it on first use (EVALSHA with EVAL fallback)
func (r *RedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) ([]int64, error) {
	return script.Run(ctx, r.client, keys, args...).Int64Slice()
}

// Collects every key matching pattern using SCAN so large keyspaces don't block the server
func (r *RedisClient) ScanKeys(ctx context.Context, pattern string, batch int64) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		page, next, err := r.client.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func (r *RedisClient) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return r.client.MGet(ctx, keys...).Result()
}
