package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The methods in this file form the narrow key/value surface the cache
// package consumes as its backing store (cache.Backing). Keys arrive
// already namespaced as "<namespace>:<key>"; this layer treats them as
// opaque.

// GetKey reads a key. Absence is reported via the bool, not an error.
func (c *Client) GetKey(ctx context.Context, key string) (string, bool, error) {
	client, err := c.GetClient(ctx)
	if err != nil {
		return "", false, err
	}

	value, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	return value, true, nil
}

// SetKey writes a key with an explicit TTL. A non-positive TTL stores the
// key without expiry.
func (c *Client) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if ttl < 0 {
		ttl = 0
	}

	if err := client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}

	return nil
}

// DeleteKeys removes the given keys. Missing keys are not an error.
func (c *Client) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	client, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// DeletePrefix removes every key matching prefix* via SCAN, returning the
// number of keys deleted. SCAN keeps the sweep incremental instead of
// blocking the server the way KEYS would.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	client, err := c.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	iter := client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()

	batch := make([]string, 0, scanCount)

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())

		if len(batch) >= scanCount {
			if err := client.Del(ctx, batch...).Err(); err != nil {
				return deleted, fmt.Errorf("redis del prefix %q: %w", prefix, err)
			}

			deleted += len(batch)
			batch = batch[:0]
		}
	}

	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan prefix %q: %w", prefix, err)
	}

	if len(batch) > 0 {
		if err := client.Del(ctx, batch...).Err(); err != nil {
			return deleted, fmt.Errorf("redis del prefix %q: %w", prefix, err)
		}

		deleted += len(batch)
	}

	return deleted, nil
}

// ScanPrefix returns every key matching prefix* with its value. Keys
// deleted between the SCAN and the GET are skipped. Used to reload durable
// mirrors after a restart.
func (c *Client) ScanPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	client, err := c.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string)
	iter := client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()

		value, err := client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}

		result[key] = value
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan prefix %q: %w", prefix, err)
	}

	return result, nil
}

// IncrBy atomically adds delta to a counter key and refreshes its TTL in
// the same pipeline. Used for cross-shard cooldown and rate-limit counters.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	client, err := c.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	pipe := client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)

	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incrby %q: %w", key, err)
	}

	return incr.Val(), nil
}
