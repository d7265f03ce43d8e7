package repository

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/config"
	"github.com/heikotroetsch/simedge/internal/model"
)

type memoryServer struct {
	mu     sync.Mutex
	models map[string][]byte
}

func (s *memoryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/models/")
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		s.models[key] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := s.models[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPRepositoryRoundTrip(t *testing.T) {
	server := httptest.NewServer(&memoryServer{models: map[string][]byte{}})
	defer server.Close()

	repo := NewHTTPRepository(server.URL+"/", time.Second, zap.NewNop())
	defer repo.Close()

	data := []byte("model payload")
	hash := model.ComputeHash(data)
	ctx := context.Background()

	_, err := repo.Download(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Upload(ctx, hash, data))

	got, err := repo.Download(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHTTPRepositoryServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := NewHTTPRepository(server.URL, time.Second, zap.NewNop())
	hash := model.ComputeHash([]byte("x"))

	assert.Error(t, repo.Upload(context.Background(), hash, []byte("x")))
	_, err := repo.Download(context.Background(), hash)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewSelectsRepository(t *testing.T) {
	repo, err := New(&config.RepositoryConfig{Kind: "http", HTTP: config.HTTPRepositoryConfig{BaseURL: "http://x"}}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPRepository{}, repo)

	_, err = New(&config.RepositoryConfig{Kind: "ftp"}, zap.NewNop())
	assert.Error(t, err)
}
