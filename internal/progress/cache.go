package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backline/internal/config"
	"backline/internal/models"

	"github.com/redis/go-redis/v9"
)

// Cache keeps the latest progress snapshot per job in redis so status reads
// do not have to hit sqlite on every poll. The job row stays authoritative;
// a cache miss simply falls through to the store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func snapshotKey(jobID string) string {
	return fmt.Sprintf("job_progress:%s", jobID)
}

// Get returns the cached snapshot, or (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, jobID string) (*models.Progress, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	val, err := c.client.Get(ctx, snapshotKey(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from redis: %w", err)
	}

	var p models.Progress
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &p, nil
}

func (c *Cache) Set(ctx context.Context, p *models.Progress) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey(p.JobID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in redis: %w", err)
	}
	return nil
}

func (c *Cache) Clear(ctx context.Context, jobID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, snapshotKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot from redis: %w", err)
	}
	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}
