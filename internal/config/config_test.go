package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, "local", cfg.Cluster.EventBusBackend)
	assert.Equal(t, "memory", cfg.Cluster.MapBackend)
	assert.Equal(t, int64(100), cfg.Sequence.BlockSize)
	assert.True(t, cfg.Database.MigrateOnStart)
	assert.Equal(t, 30*time.Second, cfg.Engine.StopGracePeriod)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  dsn: "postgres://localhost/engine"
cluster:
  serverId: "node-1"
  leaseTtl: 15s
engine:
  shadowMode: true
  stopGracePeriod: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/engine", cfg.Database.DSN)
	assert.Equal(t, "node-1", cfg.Cluster.ServerID)
	assert.Equal(t, 15e9, float64(cfg.Cluster.LeaseTTL))
	assert.True(t, cfg.Engine.ShadowMode)
	assert.Equal(t, 5*time.Second, cfg.Engine.StopGracePeriod)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Cluster.EventBusBackend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  serverId: from-file\n"), 0o644))

	t.Setenv("CLUSTER_SERVER_ID", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Cluster.ServerID)
}
