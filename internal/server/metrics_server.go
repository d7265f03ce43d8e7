package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/model"
)

// ProbeHandlers serves liveness and readiness
type ProbeHandlers interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// PeerSource reports the scheduler's view of granted peers
type PeerSource interface {
	Snapshot() []model.PeerSnapshot
	Probabilities() map[string]float64
}

// CacheSource reports model cache occupancy
type CacheSource interface {
	Stats() model.CacheStats
	Resident() []model.ModelHash
}

// MetricsServer serves Prometheus metrics, probes and read-only node state over HTTP
type MetricsServer struct {
	router     *mux.Router
	httpServer *http.Server
	probes     ProbeHandlers
	peers      PeerSource
	cache      CacheSource
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port     int
	Gatherer prometheus.Gatherer
}

type cacheResponse struct {
	model.CacheStats
	Resident []string `json:"resident"`
}

type peersResponse struct {
	Peers         []model.PeerSnapshot `json:"peers"`
	Probabilities map[string]float64   `json:"probabilities"`
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, probes ProbeHandlers, peers PeerSource, cache CacheSource, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &MetricsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		probes: probes,
		peers:  peers,
		cache:  cache,
		logger: logger,
	}

	router.Use(recovery(logger), requestID, logging(logger))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", probes.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", probes.ReadinessHandler).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/cache", s.cacheHandler).Methods(http.MethodGet)

	return s
}

// Handler returns the router, for tests
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

// Serve serves on ln until Stop is called
func (s *MetricsServer) Serve(ln net.Listener) error {
	s.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured port
func (s *MetricsServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) peersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, peersResponse{
		Peers:         s.peers.Snapshot(),
		Probabilities: s.peers.Probabilities(),
	})
}

func (s *MetricsServer) cacheHandler(w http.ResponseWriter, r *http.Request) {
	resident := s.cache.Resident()
	resp := cacheResponse{
		CacheStats: s.cache.Stats(),
		Resident:   make([]string, 0, len(resident)),
	}
	for _, h := range resident {
		resp.Resident = append(resp.Resident, h.String())
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
