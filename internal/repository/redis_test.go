package repository

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/config"
	"github.com/heikotroetsch/simedge/internal/model"
)

func TestRedisRepositoryKeys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	repo := NewRedisRepositoryWithClient(client, "simedge:model:", zap.NewNop())
	defer repo.Close()

	hash := model.ComputeHash([]byte("abc"))
	assert.Equal(t, "simedge:model:a9993e364706816aba3e25717850c26c9cd0d89d", repo.key(hash))
}

func TestRedisRepositoryUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	repo := NewRedisRepositoryWithClient(client, "p:", zap.NewNop())
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	hash := model.ComputeHash([]byte("abc"))
	_, err := repo.Download(ctx, hash)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, repo.Upload(ctx, hash, []byte("abc")))
	assert.Error(t, repo.Ping(ctx))
}

func TestNewRedisRepositoryFailsFast(t *testing.T) {
	_, err := NewRedisRepository(&config.RedisRepositoryConfig{Host: "127.0.0.1", Port: 1}, zap.NewNop())
	assert.Error(t, err)
}
