package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "simedge"

// Metrics holds all Prometheus metrics for a SimEdge node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Scheduler metrics
	ScheduleDecisionsTotal *prometheus.CounterVec
	PeersByState          *prometheus.GaugeVec
	PeerEvictionsTotal    *prometheus.CounterVec
	WindowFullTotal       prometheus.Counter
	WindowExpiredTotal    prometheus.Counter
	PeerRTT               prometheus.Histogram
	PeerExecutionTime     prometheus.Histogram

	// Cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheSizeBytes      prometheus.Gauge
	CacheMaxBytes       prometheus.Gauge
	CacheEntriesTotal   prometheus.Gauge
	DownloadsTotal      *prometheus.CounterVec
	DownloadDuration    prometheus.Histogram

	// Broker metrics
	BrokerMessagesTotal *prometheus.CounterVec
	BrokerConnected     prometheus.Gauge

	// Peer protocol metrics
	PeerMessagesTotal      *prometheus.CounterVec
	MalformedFramesTotal   prometheus.Counter
	ExecutionsTotal        *prometheus.CounterVec
	ExecutionDuration      prometheus.Histogram
	RejectedTasksTotal     *prometheus.CounterVec
	DroppedResultsTotal    prometheus.Counter
	OverlayMembersTotal    prometheus.Gauge
	DiskUsagePercent       prometheus.Gauge
	DiskAvailableBytes     prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)
	latencyBuckets := prometheus.ExponentialBuckets(1, 2, 12) // 1ms to ~2s

	return &Metrics{
		ScheduleDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "decisions_total",
			Help:        "Scheduling decisions by outcome (remote, local, rejected)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		PeersByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "peers",
			Help:        "Granted peers by lifecycle state",
			ConstLabels: labels,
		}, []string{"state"}),
		PeerEvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "evictions_total",
			Help:        "Peers returned to the broker by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		WindowFullTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "window_full_total",
			Help:        "Selections skipped because the in-flight window was full",
			ConstLabels: labels,
		}),
		WindowExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "window_expired_total",
			Help:        "In-flight entries dropped after the timeout",
			ConstLabels: labels,
		}),
		PeerRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "peer_rtt_milliseconds",
			Help:        "Measured network round trip to peers",
			ConstLabels: labels,
			Buckets:     latencyBuckets,
		}),
		PeerExecutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "peer_execution_milliseconds",
			Help:        "Execution time reported by peers",
			ConstLabels: labels,
			Buckets:     latencyBuckets,
		}),

		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Model cache hits by tier (memory, disk)",
			ConstLabels: labels,
		}, []string{"tier"}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Model cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Models evicted from memory",
			ConstLabels: labels,
		}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Bytes of model artifacts held in memory",
			ConstLabels: labels,
		}),
		CacheMaxBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "max_bytes",
			Help:        "Current memory budget of the model cache",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Models held in memory",
			ConstLabels: labels,
		}),
		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "downloads_total",
			Help:        "Model downloads by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "download_duration_seconds",
			Help:        "Model download durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		BrokerMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "messages_total",
			Help:        "Broker protocol lines by direction and code",
			ConstLabels: labels,
		}, []string{"direction", "code"}),
		BrokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "connected",
			Help:        "1 while the broker session is open",
			ConstLabels: labels,
		}),

		PeerMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "peer",
			Name:        "messages_total",
			Help:        "Peer frames by direction and type",
			ConstLabels: labels,
		}, []string{"direction", "type"}),
		MalformedFramesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "peer",
			Name:        "malformed_frames_total",
			Help:        "Peer frames dropped because they could not be decoded",
			ConstLabels: labels,
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "executions_total",
			Help:        "Inference executions by origin and outcome",
			ConstLabels: labels,
		}, []string{"origin", "outcome"}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "execution_duration_seconds",
			Help:        "Inference execution durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RejectedTasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "workers",
			Name:        "rejected_tasks_total",
			Help:        "Tasks dropped because the worker pool was saturated",
			ConstLabels: labels,
		}, []string{"task"}),
		DroppedResultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatch",
			Name:        "dropped_results_total",
			Help:        "Results dropped because no consumer kept up",
			ConstLabels: labels,
		}),
		OverlayMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "overlay",
			Name:        "members",
			Help:        "Members currently visible on the overlay",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage of the model cache volume",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Free bytes on the model cache volume",
			ConstLabels: labels,
		}),
	}
}

// RecordScheduleDecision records a scheduling outcome
func (m *Metrics) RecordScheduleDecision(outcome string) {
	if m == nil {
		return
	}
	m.ScheduleDecisionsTotal.WithLabelValues(outcome).Inc()
}

// UpdatePeerCounts sets the peer gauges
func (m *Metrics) UpdatePeerCounts(probing, active int) {
	if m == nil {
		return
	}
	m.PeersByState.WithLabelValues("probing").Set(float64(probing))
	m.PeersByState.WithLabelValues("active").Set(float64(active))
}

// RecordPeerEviction records a returned peer
func (m *Metrics) RecordPeerEviction(reason string) {
	if m == nil {
		return
	}
	m.PeerEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordWindowFull records a selection skipped on a full window
func (m *Metrics) RecordWindowFull() {
	if m == nil {
		return
	}
	m.WindowFullTotal.Inc()
}

// RecordWindowExpired records in-flight entries dropped by timeout
func (m *Metrics) RecordWindowExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.WindowExpiredTotal.Add(float64(n))
}

// RecordLatencySample records one measured rtt/exec pair in milliseconds
func (m *Metrics) RecordLatencySample(rtt, exec float64) {
	if m == nil {
		return
	}
	m.PeerRTT.Observe(rtt)
	m.PeerExecutionTime.Observe(exec)
}

// RecordCacheHit records a cache hit on the given tier
func (m *Metrics) RecordCacheHit(tier string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheEviction records a cache eviction
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// UpdateCacheSize updates cache occupancy gauges
func (m *Metrics) UpdateCacheSize(bytes, maxBytes int64, entries int) {
	if m == nil {
		return
	}
	m.CacheSizeBytes.Set(float64(bytes))
	m.CacheMaxBytes.Set(float64(maxBytes))
	m.CacheEntriesTotal.Set(float64(entries))
}

// RecordDownload records a model download
func (m *Metrics) RecordDownload(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
	m.DownloadDuration.Observe(duration)
}

// RecordBrokerMessage records a broker line
func (m *Metrics) RecordBrokerMessage(direction, code string) {
	if m == nil {
		return
	}
	m.BrokerMessagesTotal.WithLabelValues(direction, code).Inc()
}

// SetBrokerConnected updates the broker session gauge
func (m *Metrics) SetBrokerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BrokerConnected.Set(1)
	} else {
		m.BrokerConnected.Set(0)
	}
}

// RecordPeerMessage records a peer frame
func (m *Metrics) RecordPeerMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.PeerMessagesTotal.WithLabelValues(direction, messageType).Inc()
}

// RecordMalformedFrame records an undecodable peer frame
func (m *Metrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFramesTotal.Inc()
}

// RecordExecution records an inference execution
func (m *Metrics) RecordExecution(origin, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(origin, outcome).Inc()
	m.ExecutionDuration.Observe(duration)
}

// RecordRejectedTask records a task the worker pool refused
func (m *Metrics) RecordRejectedTask(task string) {
	if m == nil {
		return
	}
	m.RejectedTasksTotal.WithLabelValues(task).Inc()
}

// RecordDroppedResult records a result nobody consumed
func (m *Metrics) RecordDroppedResult() {
	if m == nil {
		return
	}
	m.DroppedResultsTotal.Inc()
}

// UpdateOverlayMembers sets the overlay member gauge
func (m *Metrics) UpdateOverlayMembers(n int) {
	if m == nil {
		return
	}
	m.OverlayMembersTotal.Set(float64(n))
}

// UpdateDiskStats sets the disk gauges
func (m *Metrics) UpdateDiskStats(usagePercent float64, available uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(available))
}
