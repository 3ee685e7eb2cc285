package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GRIDNODE_SERVER_PORT
const EnvPrefix = "GRIDNODE"

// LoadConfig loads configuration from a YAML file. A missing file is not an
// error; defaults and environment variables are applied on top either way.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override with environment variables (these take precedence)
	applyEnvironmentOverrides(&cfg, newEnvViper())

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config, v *viper.Viper) {
	// Server configuration
	overrideString(v, "server.node_id", &cfg.Server.NodeID)
	overrideString(v, "server.host", &cfg.Server.Host)
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}

	if v.IsSet("partitions.ids") {
		cfg.Partitions.IDs = nil
		for _, id := range splitList(v.GetString("partitions.ids")) {
			var pid uint16
			if _, err := fmt.Sscanf(id, "%d", &pid); err == nil {
				cfg.Partitions.IDs = append(cfg.Partitions.IDs, pid)
			}
		}
	}

	// MVCC configuration
	overrideString(v, "mvcc.conflict_policy", &cfg.MVCC.ConflictPolicy)
	if v.IsSet("mvcc.max_write_retries") {
		cfg.MVCC.MaxWriteRetries = v.GetInt("mvcc.max_write_retries")
	}

	// Compaction configuration
	if v.IsSet("compaction.enabled") {
		cfg.Compaction.Enabled = v.GetBool("compaction.enabled")
	}
	if v.IsSet("compaction.interval") {
		cfg.Compaction.Interval = v.GetDuration("compaction.interval")
	}

	// Topology configuration
	if v.IsSet("topology.initial_instances") {
		cfg.Topology.InitialInstances = v.GetInt("topology.initial_instances")
	}

	// Gossip configuration
	if v.IsSet("gossip.enabled") {
		cfg.Gossip.Enabled = v.GetBool("gossip.enabled")
	}
	if v.IsSet("gossip.bind_port") {
		cfg.Gossip.BindPort = v.GetInt("gossip.bind_port")
	}
	if v.IsSet("gossip.seed_nodes") {
		cfg.Gossip.SeedNodes = splitList(v.GetString("gossip.seed_nodes"))
	}

	// Storage configuration
	overrideString(v, "storage.backend", &cfg.Storage.Backend)
	overrideString(v, "storage.data_dir", &cfg.Storage.DataDir)
	overrideString(v, "storage.postgres_dsn", &cfg.Storage.PostgresDSN)

	// Plan store configuration
	overrideString(v, "plan_store.backend", &cfg.PlanStore.Backend)
	overrideString(v, "plan_store.redis_addr", &cfg.PlanStore.RedisAddr)
	overrideString(v, "plan_store.redis_password", &cfg.PlanStore.RedisPassword)

	// Logging configuration
	overrideString(v, "logging.level", &cfg.Logging.Level)
	overrideString(v, "logging.format", &cfg.Logging.Format)
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	return parts
}
