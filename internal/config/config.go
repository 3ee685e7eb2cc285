package config

import (
	"fmt"
	"math/bits"
	"time"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendLog      = "log"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PartitionsConfig lists the partitions hosted by this node
type PartitionsConfig struct {
	IDs []uint16 `yaml:"ids"`
}

// MVCCConfig holds write path configuration
type MVCCConfig struct {
	ConflictPolicy  string        `yaml:"conflict_policy"` // retry | strict
	MaxWriteRetries int           `yaml:"max_write_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// CompactionConfig holds version compaction configuration
type CompactionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	PurgeRate  float64       `yaml:"purge_rate"` // purges per second, 0 = unlimited
	PurgeBurst int           `yaml:"purge_burst"`
}

// TopologyConfig holds the initial cluster topology
type TopologyConfig struct {
	InitialInstances int `yaml:"initial_instances"`
	ChunkCount       int `yaml:"chunk_count"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	RetransmitMult int           `yaml:"retransmit_mult"`
}

// StorageConfig selects and configures the version store
type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory | log | postgres
	DataDir     string `yaml:"data_dir"`
	SegmentSize int64  `yaml:"segment_size"`
	SyncWrites  bool   `yaml:"sync_writes"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
}

// PlanStoreConfig selects and configures the scale plan store
type PlanStoreConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a grid node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Partitions PartitionsConfig `yaml:"partitions"`
	MVCC       MVCCConfig       `yaml:"mvcc"`
	Compaction CompactionConfig `yaml:"compaction"`
	Topology   TopologyConfig   `yaml:"topology"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Storage    StorageConfig    `yaml:"storage"`
	PlanStore  PlanStoreConfig  `yaml:"plan_store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if len(cfg.Partitions.IDs) == 0 {
		cfg.Partitions.IDs = []uint16{1}
	}

	if cfg.MVCC.ConflictPolicy == "" {
		cfg.MVCC.ConflictPolicy = "retry"
	}
	if cfg.MVCC.MaxWriteRetries == 0 {
		cfg.MVCC.MaxWriteRetries = 5
	}
	if cfg.MVCC.RetryInterval == 0 {
		cfg.MVCC.RetryInterval = 10 * time.Millisecond
	}

	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 30 * time.Second
	}
	if cfg.Compaction.Workers == 0 {
		cfg.Compaction.Workers = 4
	}
	if cfg.Compaction.QueueSize == 0 {
		cfg.Compaction.QueueSize = 1024
	}
	if cfg.Compaction.PurgeBurst == 0 {
		cfg.Compaction.PurgeBurst = 100
	}

	if cfg.Topology.InitialInstances == 0 {
		cfg.Topology.InitialInstances = 1
	}
	if cfg.Topology.ChunkCount == 0 {
		cfg.Topology.ChunkCount = 2048
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = 1 * time.Second
	}
	if cfg.Gossip.RetransmitMult == 0 {
		cfg.Gossip.RetransmitMult = 3
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/gridnode"
	}
	if cfg.Storage.SegmentSize == 0 {
		cfg.Storage.SegmentSize = 64 * 1024 * 1024
	}
	if cfg.Storage.MaxConns == 0 {
		cfg.Storage.MaxConns = 10
	}

	if cfg.PlanStore.Backend == "" {
		cfg.PlanStore.Backend = BackendMemory
	}
	if cfg.PlanStore.RedisAddr == "" {
		cfg.PlanStore.RedisAddr = "localhost:6379"
	}
	if cfg.PlanStore.TTL == 0 {
		cfg.PlanStore.TTL = 24 * time.Hour
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
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
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	seen := make(map[uint16]bool, len(c.Partitions.IDs))
	for _, id := range c.Partitions.IDs {
		if id == 0 {
			return fmt.Errorf("partitions.ids must be between 1 and 65535")
		}
		if seen[id] {
			return fmt.Errorf("partitions.ids contains %d twice", id)
		}
		seen[id] = true
	}

	if c.MVCC.ConflictPolicy != "retry" && c.MVCC.ConflictPolicy != "strict" {
		return fmt.Errorf("mvcc.conflict_policy must be retry or strict")
	}
	if c.MVCC.MaxWriteRetries < 0 {
		return fmt.Errorf("mvcc.max_write_retries must not be negative")
	}

	if c.Compaction.Workers < 1 {
		return fmt.Errorf("compaction.workers must be positive")
	}
	if c.Compaction.PurgeRate < 0 {
		return fmt.Errorf("compaction.purge_rate must not be negative")
	}

	if c.Topology.ChunkCount < 1 || bits.OnesCount(uint(c.Topology.ChunkCount)) != 1 {
		return fmt.Errorf("topology.chunk_count must be a power of two")
	}
	if c.Topology.InitialInstances < 1 || c.Topology.InitialInstances > c.Topology.ChunkCount {
		return fmt.Errorf("topology.initial_instances must be between 1 and topology.chunk_count")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendLog:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, log or postgres")
	}

	switch c.PlanStore.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("plan_store.backend must be memory or redis")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
