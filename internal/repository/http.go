package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/model"
)

// HTTPRepository stores artifacts at {baseURL}/models/{hex}.
type HTTPRepository struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRepository creates a repository client for the given endpoint
func NewHTTPRepository(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRepository {
	return &HTTPRepository{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (r *HTTPRepository) modelURL(hash model.ModelHash) string {
	return fmt.Sprintf("%s/models/%s", r.baseURL, hash)
}

// Upload PUTs the artifact bytes
func (r *HTTPRepository) Upload(ctx context.Context, hash model.ModelHash, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.modelURL(hash), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload model: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload of model %s failed with status %d", hash, resp.StatusCode)
	}

	r.logger.Info("Uploaded model",
		zap.String("model", hash.String()),
		zap.Int("bytes", len(data)))
	return nil
}

// Download GETs the artifact bytes
func (r *HTTPRepository) Download(ctx context.Context, hash model.ModelHash) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.modelURL(hash), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download of model %s failed with status %d", hash, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read model body: %w", err)
	}
	return data, nil
}

// Close releases idle connections
func (r *HTTPRepository) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
