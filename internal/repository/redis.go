package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/config"
	"github.com/heikotroetsch/simedge/internal/model"
)

// RedisRepository stores artifacts as plain string values under keyPrefix+hex.
type RedisRepository struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisRepository connects to Redis and verifies the connection
func NewRedisRepository(cfg *config.RedisRepositoryConfig, logger *zap.Logger) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRepositoryWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisRepositoryWithClient wraps an existing client
func NewRedisRepositoryWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisRepository {
	return &RedisRepository{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (r *RedisRepository) key(hash model.ModelHash) string {
	return r.keyPrefix + hash.String()
}

// Upload stores the artifact without expiry
func (r *RedisRepository) Upload(ctx context.Context, hash model.ModelHash, data []byte) error {
	if err := r.client.Set(ctx, r.key(hash), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store model in Redis: %w", err)
	}
	r.logger.Info("Uploaded model",
		zap.String("model", hash.String()),
		zap.Int("bytes", len(data)))
	return nil
}

// Download fetches the artifact
func (r *RedisRepository) Download(ctx context.Context, hash model.ModelHash) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model from Redis: %w", err)
	}
	return data, nil
}

// Ping checks the Redis connection
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
