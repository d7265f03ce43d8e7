package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/config"
	"github.com/heikotroetsch/simedge/internal/model"
)

// ErrNotFound is returned when the repository holds no artifact for a hash.
var ErrNotFound = errors.New("model not found in repository")

// Repository is the shared model transfer channel between nodes and the broker.
type Repository interface {
	Upload(ctx context.Context, hash model.ModelHash, data []byte) error
	Download(ctx context.Context, hash model.ModelHash) ([]byte, error)
	Close() error
}

// New builds the repository selected by cfg.Kind.
func New(cfg *config.RepositoryConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPRepository(cfg.HTTP.BaseURL, cfg.HTTP.Timeout, logger), nil
	case "redis":
		return NewRedisRepository(&cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown repository kind %q", cfg.Kind)
	}
}
