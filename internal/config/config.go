package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NodeConfig holds node identity configuration
type NodeConfig struct {
	ID              string        `yaml:"id"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OverlayConfig holds peer overlay (memberlist) configuration
type OverlayConfig struct {
	BindAddr        string        `yaml:"bind_addr"`
	BindPort        int           `yaml:"bind_port"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	SeedNodes       []string      `yaml:"seed_nodes"`
	GossipInterval  time.Duration `yaml:"gossip_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	BestEffortLimit int           `yaml:"best_effort_limit"`
}

// BrokerConfig holds broker session configuration
type BrokerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	CheckTimeout      time.Duration `yaml:"check_timeout"`
	MaxUploadAttempts int           `yaml:"max_upload_attempts"`
	Resources         int           `yaml:"resources"`
	ProbeURLs         []string      `yaml:"probe_urls"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
}

// SchedulerConfig holds resource scheduler configuration
type SchedulerConfig struct {
	MaxInFlight    int           `yaml:"max_in_flight"`
	Timeout        time.Duration `yaml:"timeout"`
	LatencyHistory int           `yaml:"latency_history"`
	Smoothing      float64       `yaml:"smoothing"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// CacheConfig holds model cache configuration
type CacheConfig struct {
	MaxMemory               int64         `yaml:"max_memory"`
	Dir                     string        `yaml:"dir"`
	ManifestPath            string        `yaml:"manifest_path"`
	FetchTimeout            time.Duration `yaml:"fetch_timeout"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// HTTPRepositoryConfig holds the HTTP model repository endpoint
type HTTPRepositoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisRepositoryConfig holds the Redis model repository connection
type RedisRepositoryConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RepositoryConfig selects the model transfer channel
type RepositoryConfig struct {
	Kind  string                `yaml:"kind"`
	HTTP  HTTPRepositoryConfig  `yaml:"http"`
	Redis RedisRepositoryConfig `yaml:"redis"`
}

// WorkersConfig holds the execution worker pool configuration
type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// TraceConfig holds execution trace log configuration
type TraceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	SegmentSize int64  `yaml:"segment_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig holds health reporting configuration
type HealthConfig struct {
	GRPCPort int           `yaml:"grpc_port"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a SimEdge node
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Broker     BrokerConfig     `yaml:"broker"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Cache      CacheConfig      `yaml:"cache"`
	Repository RepositoryConfig `yaml:"repository"`
	Workers    WorkersConfig    `yaml:"workers"`
	Trace      TraceConfig      `yaml:"trace"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated only from defaults and environment.
func Default() *Config {
	var cfg Config
	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("SIMEDGE_NODE_ID"); nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if host := os.Getenv("SIMEDGE_BROKER_HOST"); host != "" {
		cfg.Broker.Host = host
	}
	if port := os.Getenv("SIMEDGE_BROKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Broker.Port = p
		}
	}
	if mem := os.Getenv("SIMEDGE_CACHE_MAX_MEMORY"); mem != "" {
		if m, err := strconv.ParseInt(mem, 10, 64); err == nil {
			cfg.Cache.MaxMemory = m
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "/var/lib/simedge"
	}
	if cfg.Node.ShutdownTimeout == 0 {
		cfg.Node.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Overlay.BindAddr == "" {
		cfg.Overlay.BindAddr = "0.0.0.0"
	}
	if cfg.Overlay.BindPort == 0 {
		cfg.Overlay.BindPort = 7946
	}
	if cfg.Overlay.GossipInterval == 0 {
		cfg.Overlay.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Overlay.ProbeTimeout == 0 {
		cfg.Overlay.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Overlay.ProbeInterval == 0 {
		cfg.Overlay.ProbeInterval = time.Second
	}
	if cfg.Overlay.BestEffortLimit == 0 {
		cfg.Overlay.BestEffortLimit = 1200
	}

	if cfg.Broker.Host == "" {
		cfg.Broker.Host = "localhost"
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 12244
	}
	if cfg.Broker.DialTimeout == 0 {
		cfg.Broker.DialTimeout = 5 * time.Second
	}
	if cfg.Broker.RetryInterval == 0 {
		cfg.Broker.RetryInterval = 5 * time.Second
	}
	if cfg.Broker.MaxRetries == 0 {
		cfg.Broker.MaxRetries = 10
	}
	if cfg.Broker.CheckTimeout == 0 {
		cfg.Broker.CheckTimeout = 30 * time.Second
	}
	if cfg.Broker.MaxUploadAttempts == 0 {
		cfg.Broker.MaxUploadAttempts = 3
	}
	if cfg.Broker.Resources == 0 {
		cfg.Broker.Resources = 1
	}
	if cfg.Broker.ProbeTimeout == 0 {
		cfg.Broker.ProbeTimeout = 2 * time.Second
	}

	if cfg.Scheduler.MaxInFlight == 0 {
		cfg.Scheduler.MaxInFlight = 1
	}
	if cfg.Scheduler.Timeout == 0 {
		cfg.Scheduler.Timeout = 500 * time.Millisecond
	}
	if cfg.Scheduler.LatencyHistory == 0 {
		cfg.Scheduler.LatencyHistory = 10
	}
	if cfg.Scheduler.Smoothing == 0 {
		cfg.Scheduler.Smoothing = 0.9
	}
	if cfg.Scheduler.SweepInterval == 0 {
		cfg.Scheduler.SweepInterval = cfg.Scheduler.Timeout
	}

	if cfg.Cache.MaxMemory == 0 {
		cfg.Cache.MaxMemory = 1 << 30 // 1GB
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(cfg.Node.DataDir, "modelCache")
	}
	if cfg.Cache.ManifestPath == "" {
		cfg.Cache.ManifestPath = filepath.Join(cfg.Node.DataDir, "cache.manifest")
	}
	if cfg.Cache.FetchTimeout == 0 {
		cfg.Cache.FetchTimeout = 2 * time.Minute
	}
	if cfg.Cache.WarningThreshold == 0 {
		cfg.Cache.WarningThreshold = 0.80
	}
	if cfg.Cache.CircuitBreakerThreshold == 0 {
		cfg.Cache.CircuitBreakerThreshold = 0.95
	}

	if cfg.Repository.Kind == "" {
		cfg.Repository.Kind = "http"
	}
	if cfg.Repository.HTTP.Timeout == 0 {
		cfg.Repository.HTTP.Timeout = time.Minute
	}
	if cfg.Repository.Redis.Port == 0 {
		cfg.Repository.Redis.Port = 6379
	}
	if cfg.Repository.Redis.KeyPrefix == "" {
		cfg.Repository.Redis.KeyPrefix = "simedge:model:"
	}

	if cfg.Workers.MaxWorkers == 0 {
		cfg.Workers.MaxWorkers = 4
	}
	if cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = 256
	}

	if cfg.Trace.Dir == "" {
		cfg.Trace.Dir = filepath.Join(cfg.Node.DataDir, "trace")
	}
	if cfg.Trace.SegmentSize == 0 {
		cfg.Trace.SegmentSize = 64 << 20 // 64MB
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535")
	}
	if c.Overlay.BindPort < 1 || c.Overlay.BindPort > 65535 {
		return fmt.Errorf("overlay.bind_port must be between 1 and 65535")
	}
	if c.Scheduler.MaxInFlight < 1 {
		return fmt.Errorf("scheduler.max_in_flight must be at least 1")
	}
	if c.Scheduler.Timeout <= 0 {
		return fmt.Errorf("scheduler.timeout must be positive")
	}
	if c.Scheduler.Smoothing <= 0 || c.Scheduler.Smoothing >= 1 {
		return fmt.Errorf("scheduler.smoothing must be between 0 and 1 exclusive")
	}
	if c.Cache.MaxMemory < 1 {
		return fmt.Errorf("cache.max_memory must be positive")
	}
	if c.Cache.CircuitBreakerThreshold <= 0 || c.Cache.CircuitBreakerThreshold > 1 {
		return fmt.Errorf("cache.circuit_breaker_threshold must be between 0 and 1")
	}
	if c.Broker.Resources < 1 {
		return fmt.Errorf("broker.resources must be at least 1")
	}
	switch c.Repository.Kind {
	case "http":
		if c.Repository.HTTP.BaseURL == "" {
			return fmt.Errorf("repository.http.base_url is required for the http repository")
		}
	case "redis":
		if c.Repository.Redis.Host == "" {
			return fmt.Errorf("repository.redis.host is required for the redis repository")
		}
	default:
		return fmt.Errorf("repository.kind must be http or redis, got %q", c.Repository.Kind)
	}
	return nil
}

// BrokerAddress returns host:port of the broker.
func (c *Config) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port)
}
