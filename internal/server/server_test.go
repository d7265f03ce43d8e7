package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
)

type stubProbes struct{ ready bool }

func (p stubProbes) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (p stubProbes) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !p.ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type stubPeers struct{}

func (stubPeers) Snapshot() []model.PeerSnapshot {
	return []model.PeerSnapshot{{Address: "peer-a", State: model.PeerStateActive, RTT: 12}}
}

func (stubPeers) Probabilities() map[string]float64 {
	return map[string]float64{"peer-a": 1}
}

type stubCache struct{}

func (stubCache) Stats() model.CacheStats {
	return model.CacheStats{Entries: 1, UsedBytes: 10, MaxBytes: 100}
}

func (stubCache) Resident() []model.ModelHash {
	return []model.ModelHash{model.ComputeHash([]byte("m"))}
}

func newTestServer(t *testing.T) *MetricsServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	m.RecordCacheMiss()
	return NewMetricsServer(&MetricsServerConfig{Gatherer: reg}, stubProbes{}, stubPeers{}, stubCache{}, zap.NewNop())
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "simedge_cache_misses_total")
}

func TestProbeRoutes(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/ready").Code)
}

func TestPeersAndCacheRoutes(t *testing.T) {
	s := newTestServer(t)

	var peers peersResponse
	rec := get(t, s.Handler(), "/v1/peers")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers.Peers, 1)
	assert.Equal(t, "peer-a", peers.Peers[0].Address)
	assert.Equal(t, 1.0, peers.Probabilities["peer-a"])

	var cache cacheResponse
	rec = get(t, s.Handler(), "/v1/cache")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cache))
	assert.Equal(t, int64(10), cache.UsedBytes)
	assert.Equal(t, []string{model.ComputeHash([]byte("m")).String()}, cache.Resident)
}

func TestServeAndStop(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, <-done)
}

type flagReadiness struct{ ready atomic.Bool }

func (f *flagReadiness) IsReady() bool { return f.ready.Load() }

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	source := &flagReadiness{}
	s := NewGRPCHealthServer(source, 10*time.Millisecond, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	source.ready.Store(true)
	assert.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)
}

type panickingPeers struct{ stubPeers }

func (panickingPeers) Snapshot() []model.PeerSnapshot { panic("boom") }

func TestRecoveryAndRequestID(t *testing.T) {
	s := NewMetricsServer(&MetricsServerConfig{Gatherer: prometheus.NewRegistry()},
		stubProbes{}, panickingPeers{}, stubCache{}, zap.NewNop())

	rec := get(t, s.Handler(), "/v1/peers")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s.Handler(), "/v1/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "404"))
}
