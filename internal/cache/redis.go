package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const latestKeyPrefix = "telemetry:latest:"

// ErrCacheDisabled is returned by every operation of a disabled cache
var ErrCacheDisabled = errors.New("cache is disabled")

// RedisCache mirrors the latest device state to Redis so other instances
// and restarted processes can serve current state before new telemetry
// arrives
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

type cachedSnapshot struct {
	models.Snapshot
	Sequence uint64 `json:"sequence"`
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
		ttl:     cfg.TTL,
	}, nil
}

// Enabled reports whether the cache is connected
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return errors.Wrap(models.ErrNotFound, "key not found in cache")
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// PutLatest mirrors the latest snapshot of a device
func (c *RedisCache) PutLatest(ctx context.Context, snap models.Snapshot) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}
	return c.Set(ctx, GetLatestCacheKey(snap.DeviceID), cachedSnapshot{Snapshot: snap, Sequence: snap.Sequence}, c.ttl)
}

// DeleteLatest removes the mirrored snapshot of a device
func (c *RedisCache) DeleteLatest(ctx context.Context, deviceID string) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}
	if err := c.client.Del(ctx, GetLatestCacheKey(deviceID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete value from Redis")
	}
	return nil
}

// Latest loads every mirrored snapshot
func (c *RedisCache) Latest(ctx context.Context) (map[string]models.Snapshot, error) {
	if !c.Enabled() {
		return nil, ErrCacheDisabled
	}

	var keys []string
	iter := c.client.Scan(ctx, 0, latestKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan Redis keys")
	}

	out := make(map[string]models.Snapshot, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load values from Redis")
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var cs cachedSnapshot
		if err := json.Unmarshal([]byte(raw), &cs); err != nil {
			continue
		}
		cs.Snapshot.Sequence = cs.Sequence
		out[DeviceIDFromKey(keys[i])] = cs.Snapshot
	}
	return out, nil
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

// GetLatestCacheKey generates the key holding a device's latest snapshot
func GetLatestCacheKey(deviceID string) string {
	return fmt.Sprintf("%s%s", latestKeyPrefix, deviceID)
}

// DeviceIDFromKey is the inverse of GetLatestCacheKey
func DeviceIDFromKey(key string) string {
	return strings.TrimPrefix(key, latestKeyPrefix)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
