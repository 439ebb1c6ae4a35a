package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcengine/integration-engine/internal/config"
	"github.com/hcengine/integration-engine/internal/engine"
	"github.com/hcengine/integration-engine/internal/model"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Cluster.ServerID = "node-a"
	cfg.Cluster.MapBackend = "memory"
	cfg.Cluster.EventBusBackend = "local"
	return cfg
}

func TestNew_InMemoryBackends(t *testing.T) {
	a, err := New(context.Background(), newTestConfig(t))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Sequence)
	assert.NotNil(t, a.EventBus)
	assert.NotNil(t, a.Leases)
	assert.NotNil(t, a.DataTypes)
	assert.NotNil(t, a.Script)
	assert.NotNil(t, a.Metrics)
	assert.NotNil(t, a.Engine)
}

func TestNew_UnknownMapBackendFails(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Cluster.MapBackend = "nonsense"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestDeployChannel_FileSourceToFileDestination(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "input.txt"), []byte(`{"hello":"world"}`), 0o644))

	a, err := New(context.Background(), newTestConfig(t))
	require.NoError(t, err)

	ch := &model.Channel{
		ID:      "chan_1",
		Name:    "file to file",
		Enabled: true,
		Source: model.ConnectorConfig{
			Name:          "source",
			TransportType: TransportFileReader,
			DataType:      "JSON",
			Properties: map[string]string{
				"directory":          srcDir,
				"pollIntervalMillis": "20",
			},
		},
		Destinations: []model.ConnectorConfig{
			{
				MetaDataID:    1,
				Name:          "dest",
				TransportType: TransportFileWriter,
				DataType:      "JSON",
				Properties: map[string]string{
					"directory":        dstDir,
					"fileNameTemplate": "out-%d.json",
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.DeployChannel(ctx, ch))

	state, ok := a.Engine.State(ch.ID)
	require.True(t, ok)
	assert.Equal(t, engine.StateDeployed, state)

	require.NoError(t, a.Engine.Start(ctx, ch.ID))
	defer a.Engine.Stop(context.Background(), ch.ID)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dstDir)
		return err == nil && len(entries) > 0
	}, 2*time.Second, 20*time.Millisecond, "expected the dispatched message to be written to the destination directory")
}

func TestDeployChannel_UnknownSourceTransportFails(t *testing.T) {
	a, err := New(context.Background(), newTestConfig(t))
	require.NoError(t, err)

	ch := &model.Channel{
		ID:   "chan_bad",
		Name: "bad channel",
		Source: model.ConnectorConfig{
			TransportType: "NOT_A_TRANSPORT",
			DataType:      "JSON",
		},
	}

	err = a.DeployChannel(context.Background(), ch)
	assert.Error(t, err)
}
