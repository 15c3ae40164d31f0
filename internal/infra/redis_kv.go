package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV wraps go-redis v9 behind the KV interface. The client pointer is
// guarded because Reconnect swaps it under live traffic: the kill-switch
// controller and the rate limiter share one adapter across request handlers.
type RedisKV struct {
	mu  sync.RWMutex
	rdb *redis.Client
	url string
}

// incrWindowScript sets the expiry only on the first increment so the window
// start is pinned to the first request.
var incrWindowScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// NewRedisKV connects to Redis using a redis:// URL and verifies
// connectivity before returning.
func NewRedisKV(url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisKV{rdb: rdb, url: url}, nil
}

func (a *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, NotFound(key)
	}
	return val, err
}

func (a *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisKV) Del(ctx context.Context, keys ...string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *RedisKV) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res, err := incrWindowScript.Run(ctx, a.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (a *RedisKV) Ping(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rdb.Ping(ctx).Err()
}

func (a *RedisKV) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rdb.Close()
}

// Reconnect dials a fresh client against the same URL. The kill-switch
// controller uses it for its retry-with-fresh-connection path.
func (a *RedisKV) Reconnect() error {
	opts, err := redis.ParseURL(a.url)
	if err != nil {
		return err
	}
	fresh := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fresh.Ping(ctx).Err(); err != nil {
		fresh.Close()
		return err
	}
	a.swap(fresh)
	return nil
}

// swap installs the fresh client and closes the old one only after the write
// lock drained every in-flight command, so no caller ever runs against a
// closed client.
func (a *RedisKV) swap(fresh *redis.Client) {
	a.mu.Lock()
	old := a.rdb
	a.rdb = fresh
	a.mu.Unlock()
	old.Close()
}
