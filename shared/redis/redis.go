package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-web-chat-demo/backend/pkg/config"
)

// Client wraps the go-redis client used for anonymous chat storage
type Client struct {
	client *redis.Client
}

// NewClient creates a redis client from application configuration
func NewClient() *Client {
	cfg := config.Get()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &Client{client: client}
}

// NewClientWithOptions creates a redis client with explicit options (used in tests)
func NewClientWithOptions(opts *redis.Options) *Client {
	return &Client{client: redis.NewClient(opts)}
}

func (r *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *Client) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping checks connectivity to the redis server
func (r *Client) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
