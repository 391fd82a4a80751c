package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed decision store, sharing blocklist, counter, and
// KV state across every instance in the fleet. The three conceptually
// independent maps are namespaced into distinct Redis key prefixes so a
// block and a kv entry can never collide on the same underlying string key.
type Redis struct {
	client *redis.Client
	ctx    context.Context
}

const (
	blockPrefix   = "sentinai:block:"
	counterPrefix = "sentinai:counter:"
	kvPrefix      = "sentinai:kv:"
)

// NewRedis connects to the distributed store at url (e.g.
// "redis://localhost:6379/0"). The returned Store uses context.Background
// internally for all operations — callers on the synchronous path are
// expected to bound their own overall request deadline upstream; store
// operations themselves must stay O(1) and short.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Redis{client: client, ctx: context.Background()}, nil
}

func (r *Redis) IsBlocked(key string) (bool, error) {
	n, err := r.client.Exists(r.ctx, blockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Block(key, reason string, duration time.Duration) error {
	rk := blockPrefix + key
	if duration <= 0 {
		if err := r.client.Set(r.ctx, rk, reason, 0).Err(); err != nil {
			return fmt.Errorf("redis set block: %w", err)
		}
		return nil
	}
	if err := r.client.Set(r.ctx, rk, reason, duration).Err(); err != nil {
		return fmt.Errorf("redis set block: %w", err)
	}
	return nil
}

func (r *Redis) Unblock(key string) error {
	if err := r.client.Del(r.ctx, blockPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del block: %w", err)
	}
	return nil
}

func (r *Redis) GetAllBlocked() (map[string]string, error) {
	out := make(map[string]string)
	iter := r.client.Scan(r.ctx, 0, blockPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		rk := iter.Val()
		val, err := r.client.Get(r.ctx, rk).Result()
		if err == redis.Nil {
			continue // evicted between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("redis get during scan: %w", err)
		}
		out[rk[len(blockPrefix):]] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// incrementCounterScript atomically increments a counter, initializing its
// TTL only on the increment that creates the key — mirroring Memory's
// "replace if absent or expired, else increment" semantics without a
// round trip to check existence first.
var incrementCounterScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`)

func (r *Redis) IncrementCounter(key string, window time.Duration) (int64, error) {
	v, err := incrementCounterScript.Run(r.ctx, r.client, []string{counterPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr counter: %w", err)
	}
	return v, nil
}

func (r *Redis) GetCounter(key string) (int64, error) {
	v, err := r.client.Get(r.ctx, counterPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get counter: %w", err)
	}
	return v, nil
}

func (r *Redis) Put(key, value string, ttl time.Duration) error {
	if err := r.client.Set(r.ctx, kvPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set kv: %w", err)
	}
	return nil
}

func (r *Redis) Get(key string) (string, bool, error) {
	v, err := r.client.Get(r.ctx, kvPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get kv: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
