package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heikotroetsch/simedge/internal/client"
	"github.com/heikotroetsch/simedge/internal/config"
	"github.com/heikotroetsch/simedge/internal/engine"
	"github.com/heikotroetsch/simedge/internal/health"
	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/repository"
	"github.com/heikotroetsch/simedge/internal/server"
	"github.com/heikotroetsch/simedge/internal/service"
	"github.com/heikotroetsch/simedge/internal/storage/diskmanager"
	"github.com/heikotroetsch/simedge/internal/storage/modelstore"
	"github.com/heikotroetsch/simedge/internal/transport"
	"github.com/heikotroetsch/simedge/internal/util/workerpool"
)

// Node wires the broker session, the overlay transport, the scheduler, the
// model cache and the dispatch facade of one SimEdge process.
type Node struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	disk       *diskmanager.DiskManager
	store      *modelstore.Store
	repository repository.Repository
	pool       *workerpool.WorkerPool
	overlay    *transport.OverlayTransport
	broker     *client.BrokerClient
	traces     *service.TraceService

	commits   *service.CommitTracker
	cache     *service.ModelCacheService
	scheduler *service.SchedulerService
	dispatch  *service.DispatchService

	health        *health.HealthChecker
	metricsServer *server.MetricsServer
	grpcHealth    *server.GRPCHealthServer
}

// New builds every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, eng engine.Engine, logger *zap.Logger) (*Node, error) {
	if eng == nil {
		eng = engine.EchoEngine{}
	}

	n := &Node{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.NewMetrics(cfg.Node.ID, n.registry)

	if err := os.MkdirAll(cfg.Cache.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model cache directory: %w", err)
	}

	var err error
	n.disk, err = diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		Dir:                     cfg.Cache.Dir,
		CheckInterval:           cfg.Health.Interval,
		WarningThreshold:        cfg.Cache.WarningThreshold,
		CircuitBreakerThreshold: cfg.Cache.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	n.store, err = modelstore.New(&modelstore.Config{
		Dir:          cfg.Cache.Dir,
		ManifestPath: cfg.Cache.ManifestPath,
	}, n.disk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model store: %w", err)
	}

	n.repository, err = repository.New(&cfg.Repository, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model repository: %w", err)
	}

	n.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "simedge",
		MaxWorkers: cfg.Workers.MaxWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Logger:     logger,
		OnReject:   func(t workerpool.Task) { n.metrics.RecordRejectedTask(t.Name) },
	})

	n.overlay, err = transport.NewOverlayTransport(&transport.OverlayConfig{
		BindAddr:        cfg.Overlay.BindAddr,
		BindPort:        cfg.Overlay.BindPort,
		AdvertiseAddr:   cfg.Overlay.AdvertiseAddr,
		SeedNodes:       cfg.Overlay.SeedNodes,
		GossipInterval:  cfg.Overlay.GossipInterval,
		ProbeTimeout:    cfg.Overlay.ProbeTimeout,
		ProbeInterval:   cfg.Overlay.ProbeInterval,
		BestEffortLimit: cfg.Overlay.BestEffortLimit,
	}, cfg.Node.ID, n.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize overlay transport: %w", err)
	}

	n.broker = client.NewBrokerClient(cfg.Broker.Host, cfg.Broker.Port, &client.BrokerClientConfig{
		DialTimeout:   cfg.Broker.DialTimeout,
		RetryInterval: cfg.Broker.RetryInterval,
		MaxRetries:    cfg.Broker.MaxRetries,
	}, n.metrics, logger)

	if cfg.Trace.Enabled {
		n.traces, err = service.NewTraceService(&service.TraceConfig{SegmentSize: cfg.Trace.SegmentSize}, cfg.Trace.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize trace log: %w", err)
		}
	}

	n.commits = service.NewCommitTracker()

	n.cache, err = service.NewModelCacheService(&service.CacheConfig{
		MaxMemory:    cfg.Cache.MaxMemory,
		FetchTimeout: cfg.Cache.FetchTimeout,
	}, n.store, n.repository, n.broker, n.pool, n.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model cache: %w", err)
	}

	n.scheduler = service.NewSchedulerService(&service.SchedulerConfig{
		LocalAddress:   n.overlay.LocalAddress(),
		MaxInFlight:    cfg.Scheduler.MaxInFlight,
		Timeout:        cfg.Scheduler.Timeout,
		LatencyHistory: cfg.Scheduler.LatencyHistory,
		Smoothing:      cfg.Scheduler.Smoothing,
		SweepInterval:  cfg.Scheduler.SweepInterval,
	}, n.broker, n.overlay, n.commits, n.cache, n.metrics, logger)

	n.dispatch = service.NewDispatchService(&service.DispatchConfig{
		CheckTimeout:      cfg.Broker.CheckTimeout,
		MaxUploadAttempts: cfg.Broker.MaxUploadAttempts,
	}, n.scheduler, n.cache, n.commits, n.broker, n.overlay, n.repository, eng, n.pool, n.traces, n.metrics, logger)

	// a broker BYE arrives on the read loop, so the session is stopped without waiting for it
	handler := service.NewBrokerHandler(n.scheduler, n.cache, n.commits, n.broker, n.pool, n.broker.Stop, logger)
	n.broker.SetHandler(handler)
	n.overlay.SetListener(n.dispatch)

	n.health = health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:   cfg.Node.ID,
		CacheDir: cfg.Cache.Dir,
		Interval: cfg.Health.Interval,
	}, n.disk, n.broker.Connected, logger)

	if cfg.Metrics.Enabled {
		n.metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:     cfg.Metrics.Port,
			Gatherer: n.registry,
		}, n.health, n.scheduler, n.cache, logger)
	}
	if cfg.Health.GRPCPort > 0 {
		n.grpcHealth = server.NewGRPCHealthServer(n.health, cfg.Health.Interval, logger)
	}

	return n, nil
}

// Dispatch returns the application entry point
func (n *Node) Dispatch() *service.DispatchService {
	return n.dispatch
}

// Run joins the overlay, opens the broker session, restores the model cache
// and serves until ctx is done or the broker says BYE. A lost broker session
// leaves the node running on local execution only. Each model in commits is
// committed once the session is up.
func (n *Node) Run(ctx context.Context, commits [][]byte) error {
	joined := n.overlay.Join()
	n.logger.Info("Overlay started",
		zap.String("address", n.overlay.LocalAddress()),
		zap.Int("joined", joined))

	var metricsLn, grpcLn net.Listener
	var err error
	if n.metricsServer != nil {
		if metricsLn, err = net.Listen("tcp", fmt.Sprintf(":%d", n.config.Metrics.Port)); err != nil {
			n.closeResources()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
	}
	if n.grpcHealth != nil {
		if grpcLn, err = net.Listen("tcp", fmt.Sprintf(":%d", n.config.Health.GRPCPort)); err != nil {
			if metricsLn != nil {
				metricsLn.Close()
			}
			n.closeResources()
			return fmt.Errorf("failed to listen for grpc health: %w", err)
		}
	}

	if err := n.broker.Connect(ctx); err != nil {
		for _, ln := range []net.Listener{metricsLn, grpcLn} {
			if ln != nil {
				ln.Close()
			}
		}
		n.closeResources()
		return err
	}

	pings := client.MeasureLatencies(ctx, &http.Client{}, n.config.Broker.ProbeURLs, n.config.Broker.ProbeTimeout, n.logger)
	n.broker.Register(n.config.Node.ID, n.config.Broker.Resources, pings)

	// evictions during the restore send MODEL_EXPIRED, which must follow HELLO
	if err := n.cache.LoadFromDisk(); err != nil {
		n.logger.Error("Failed to restore model cache", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// the session outlives ctx so shutdown can still flush RETURN_RESOURCE and BYE
		if err := n.broker.Run(context.WithoutCancel(gctx)); err != nil {
			n.brokerLost(err)
			return nil
		}
		cancel()
		return nil
	})
	g.Go(func() error { return n.scheduler.Run(gctx) })
	g.Go(func() error {
		n.health.Start(gctx)
		return nil
	})
	g.Go(func() error { return n.reportStatus(gctx) })
	if metricsLn != nil {
		g.Go(func() error { return n.metricsServer.Serve(metricsLn) })
	}
	if grpcLn != nil {
		g.Go(func() error { return n.grpcHealth.Serve(grpcLn) })
		g.Go(func() error { return n.grpcHealth.Run(gctx) })
	}

	for i, data := range commits {
		i, data := i, data
		g.Go(func() error {
			hash, err := n.dispatch.CommitModel(gctx, data, n.config.Broker.Resources)
			if err != nil {
				if gctx.Err() == nil {
					n.logger.Error("Failed to commit model", zap.Int("index", i), zap.Error(err))
				}
				return nil
			}
			n.logger.Info("Committed model", zap.Stringer("hash", hash))
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// brokerLost puts the node in local-only mode. Peers granted by the broker
// are dropped without notices since nobody is left to receive them.
func (n *Node) brokerLost(err error) {
	n.logger.Error("Broker session lost, continuing with local execution only", zap.Error(err))
	n.health.SetReadiness(false)
	n.scheduler.DropAll()
}

// reportStatus refreshes the overlay metadata and disk gauges every health interval
func (n *Node) reportStatus(ctx context.Context) error {
	ticker := time.NewTicker(n.config.Health.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			disk := n.disk.GetDiskUsage()
			stats := n.cache.Stats()
			n.metrics.UpdateDiskStats(disk.UsagePercent, disk.AvailableBytes)
			n.overlay.UpdateHealthStatus(model.HealthMetrics{
				ActivePeers:     n.scheduler.ActivePeers(),
				CachedModels:    stats.Entries,
				CacheUsedBytes:  stats.UsedBytes,
				DiskUsage:       disk.UsagePercent,
				BrokerConnected: n.broker.Connected(),
			})
		}
	}
}

// shutdown returns every peer, saves the cache, says BYE and releases resources.
func (n *Node) shutdown() {
	n.logger.Info("Shutting down node")
	n.health.SetReadiness(false)

	if err := n.dispatch.Shutdown(); err != nil {
		n.logger.Error("Failed to save model cache during shutdown", zap.Error(err))
	}

	n.broker.Bye()
	if err := n.broker.Close(); err != nil {
		n.logger.Warn("Failed to close broker session", zap.Error(err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), n.config.Node.ShutdownTimeout)
	defer cancel()
	if n.metricsServer != nil {
		if err := n.metricsServer.Stop(stopCtx); err != nil {
			n.logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
	if n.grpcHealth != nil {
		n.grpcHealth.Stop()
	}

	n.closeResources()
}

func (n *Node) closeResources() {
	if err := n.pool.Stop(n.config.Node.ShutdownTimeout); err != nil {
		n.logger.Warn("Worker pool did not stop cleanly", zap.Error(err))
	}
	if n.traces != nil {
		if err := n.traces.Close(); err != nil {
			n.logger.Warn("Failed to close trace log", zap.Error(err))
		}
	}
	if err := n.overlay.Shutdown(); err != nil {
		n.logger.Warn("Failed to shut down overlay", zap.Error(err))
	}
	if err := n.repository.Close(); err != nil {
		n.logger.Warn("Failed to close model repository", zap.Error(err))
	}
}
