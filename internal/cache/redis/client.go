package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/pkg/logger"
)

// Client caches dashboard query results. The session store stays the source
// of truth; everything here is reconstructible and safe to lose.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetTrajectory caches a rendered trajectory response for an identity.
func (c *Client) SetTrajectory(ctx context.Context, did string, response interface{}, ttl time.Duration) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal trajectory: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("trajectory:%s", did), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set trajectory cache: %w", err)
	}

	logger.Debug("Trajectory cached", zap.String("did", did), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetTrajectory(ctx context.Context, did string, response interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("trajectory:%s", did)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get trajectory cache: %w", err)
	}

	err = json.Unmarshal(data, response)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal trajectory: %w", err)
	}

	logger.Debug("Trajectory cache hit", zap.String("did", did))
	return true, nil
}

// InvalidateTrajectory drops an identity's cached trajectory after any
// session event touching it.
func (c *Client) InvalidateTrajectory(ctx context.Context, did string) error {
	err := c.client.Del(ctx, fmt.Sprintf("trajectory:%s", did)).Err()
	if err != nil {
		return fmt.Errorf("failed to invalidate trajectory cache: %w", err)
	}
	return nil
}

// SetDensity caches a camera's daily session count.
func (c *Client) SetDensity(ctx context.Context, cameraID, date string, count int, ttl time.Duration) error {
	err := c.client.Set(ctx, fmt.Sprintf("density:%s:%s", cameraID, date), count, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set density cache: %w", err)
	}
	return nil
}

func (c *Client) GetDensity(ctx context.Context, cameraID, date string) (int, bool, error) {
	count, err := c.client.Get(ctx, fmt.Sprintf("density:%s:%s", cameraID, date)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get density cache: %w", err)
	}
	return count, true, nil
}

// InvalidateAll clears every dashboard cache entry.
func (c *Client) InvalidateAll(ctx context.Context) error {
	for _, pattern := range []string{"trajectory:*", "density:*"} {
		iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				logger.Warn("Failed to delete cache key", zap.Error(err))
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to iterate cache keys: %w", err)
		}
	}
	logger.Info("Dashboard cache invalidated")
	return nil
}
