package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, "server:\n  node_id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []uint16{1}, cfg.Partitions.IDs)
	assert.Equal(t, "retry", cfg.MVCC.ConflictPolicy)
	assert.Equal(t, 2048, cfg.Topology.ChunkCount)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, config.BackendMemory, cfg.PlanStore.Backend)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 30*time.Second, cfg.Compaction.Interval)
}

func TestLoadConfig_FileValues(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, `
server:
  node_id: node-2
  port: 9090
partitions:
  ids: [1, 2, 7]
mvcc:
  conflict_policy: strict
  max_write_retries: 2
topology:
  initial_instances: 3
  chunk_count: 4096
storage:
  backend: log
  data_dir: /tmp/grid
compaction:
  enabled: true
  interval: 5s
  purge_rate: 50
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []uint16{1, 2, 7}, cfg.Partitions.IDs)
	assert.Equal(t, "strict", cfg.MVCC.ConflictPolicy)
	assert.Equal(t, 2, cfg.MVCC.MaxWriteRetries)
	assert.Equal(t, 3, cfg.Topology.InitialInstances)
	assert.Equal(t, 4096, cfg.Topology.ChunkCount)
	assert.Equal(t, config.BackendLog, cfg.Storage.Backend)
	assert.True(t, cfg.Compaction.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Compaction.Interval)
	assert.Equal(t, 50.0, cfg.Compaction.PurgeRate)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("GRIDNODE_SERVER_NODE_ID", "from-env")
	t.Setenv("GRIDNODE_SERVER_PORT", "7070")
	t.Setenv("GRIDNODE_PARTITIONS_IDS", "3,4")
	t.Setenv("GRIDNODE_GOSSIP_SEED_NODES", "a:7946,b:7946")
	t.Setenv("GRIDNODE_COMPACTION_INTERVAL", "2s")

	cfg, err := config.LoadConfig(writeConfig(t, "server:\n  node_id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.NodeID)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []uint16{3, 4}, cfg.Partitions.IDs)
	assert.Equal(t, []string{"a:7946", "b:7946"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, 2*time.Second, cfg.Compaction.Interval)
}

func TestLoadConfig_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("GRIDNODE_SERVER_NODE_ID", "env-only")

	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.Server.NodeID)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing node id", "server:\n  port: 80\n"},
		{"bad policy", "server:\n  node_id: n\nmvcc:\n  conflict_policy: yolo\n"},
		{"chunk count not power of two", "server:\n  node_id: n\ntopology:\n  chunk_count: 1000\n"},
		{"too many instances", "server:\n  node_id: n\ntopology:\n  chunk_count: 4\n  initial_instances: 5\n"},
		{"duplicate partition", "server:\n  node_id: n\npartitions:\n  ids: [2, 2]\n"},
		{"postgres without dsn", "server:\n  node_id: n\nstorage:\n  backend: postgres\n"},
		{"unknown plan store", "server:\n  node_id: n\nplan_store:\n  backend: etcd\n"},
		{"malformed yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
