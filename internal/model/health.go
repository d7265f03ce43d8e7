package model

// HealthStatus represents the health state of a SimEdge node
type HealthStatus struct {
	NodeID    string        `json:"node_id"`
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the figures reported alongside the status
type HealthMetrics struct {
	ActivePeers     int     `json:"active_peers"`
	CachedModels    int     `json:"cached_models"`
	CacheUsedBytes  int64   `json:"cache_used_bytes"`
	DiskUsage       float64 `json:"disk_usage"`
	BrokerConnected bool    `json:"broker_connected"`
}
