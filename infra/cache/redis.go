// Package cache backs the tracking read-side caches with Redis so several
// instances can share last-known positions.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/dronefleet/core/tracking"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTLSec   int    `json:"ttl_sec"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.TTLSec <= 0 {
		c.TTLSec = 300
	}
}

// RedisCache implements tracking.PositionCache on Redis. Entries expire
// after the configured TTL so stale drones disappear from live views.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	cfg.SetDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCache{client: client, ttl: time.Duration(cfg.TTLSec) * time.Second}, nil
}

func positionKey(droneID string) string    { return "fleet:drone:" + droneID + ":pos" }
func progressKey(deliveryID string) string { return "fleet:delivery:" + deliveryID + ":progress" }

func (c *RedisCache) SetPosition(ctx context.Context, pos tracking.DronePosition) error {
	b, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, positionKey(pos.DroneID), b, c.ttl).Err()
}

func (c *RedisCache) Position(ctx context.Context, droneID string) (tracking.DronePosition, bool, error) {
	b, err := c.client.Get(ctx, positionKey(droneID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tracking.DronePosition{}, false, nil
	}
	if err != nil {
		return tracking.DronePosition{}, false, err
	}
	var pos tracking.DronePosition
	if err := json.Unmarshal(b, &pos); err != nil {
		return tracking.DronePosition{}, false, err
	}
	return pos, true, nil
}

func (c *RedisCache) SetProgress(ctx context.Context, prog tracking.DeliveryProgress) error {
	b, err := json.Marshal(prog)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, progressKey(prog.DeliveryID), b, c.ttl).Err()
}

func (c *RedisCache) Progress(ctx context.Context, deliveryID string) (tracking.DeliveryProgress, bool, error) {
	b, err := c.client.Get(ctx, progressKey(deliveryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tracking.DeliveryProgress{}, false, nil
	}
	if err != nil {
		return tracking.DeliveryProgress{}, false, err
	}
	var prog tracking.DeliveryProgress
	if err := json.Unmarshal(b, &prog); err != nil {
		return tracking.DeliveryProgress{}, false, err
	}
	return prog, true, nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error { return c.client.Close() }
