package grouplist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "studyengine:grouplist:"

// NewRedisClient connects to redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisCache keeps one session's subject lists in a Redis hash. The hash
// expires ttl after the last write, so abandoned sessions clean themselves up.
type RedisCache struct {
	rdb  goredis.UniversalClient
	hash string
	ttl  time.Duration
}

func NewRedisCache(rdb goredis.UniversalClient, sessionID string, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, hash: redisKeyPrefix + sessionID, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	raw, err := r.rdb.HGet(ctx, r.hash, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	var subjects []string
	if err := json.Unmarshal(raw, &subjects); err != nil {
		return nil, false, fmt.Errorf("decode cached subject list: %w", err)
	}
	return subjects, true, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, subjects []string) error {
	if subjects == nil {
		subjects = []string{}
	}
	raw, err := json.Marshal(subjects)
	if err != nil {
		return fmt.Errorf("encode subject list: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.hash, key, raw)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.hash, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context, key string) error {
	return r.rdb.HDel(ctx, r.hash, key).Err()
}

func (r *RedisCache) Keys(ctx context.Context) ([]string, error) {
	return r.rdb.HKeys(ctx, r.hash).Result()
}

func (r *RedisCache) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.hash).Err()
}

// RedisPinger adapts a go-redis client to the health check interface.
type RedisPinger struct {
	Client goredis.UniversalClient
}

func (p RedisPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}
