package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	t.Setenv("VOXEL_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxel.yaml")
	content := `
pipeline:
  max_sdf_jobs_per_tick: 5
  remesh_delay: 250ms
streaming:
  carpet_radius: 3
storage:
  backend: badger
  path: /tmp/chunks
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("VOXEL_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.MaxSDFJobsPerTick)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RemeshDelay)
	assert.Equal(t, 3, cfg.Streaming.CarpetRadius)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	// Незаданные поля сохраняют значения по умолчанию
	assert.Equal(t, Default().Pipeline.MaxMeshesPerTick, cfg.Pipeline.MaxMeshesPerTick)
	assert.Equal(t, Default().Terrain, cfg.Terrain)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  min_resolution: 1\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "нет.yaml"))
	assert.Error(t, err)
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("VOXEL_METRICS_PORT", "9100")
	m := MetricsConfig{}
	assert.Equal(t, 9100, m.GetMetricsPort())

	m.Port = 9200
	assert.Equal(t, 9200, m.GetMetricsPort())

	t.Setenv("VOXEL_DATA_PATH", "/srv/chunks")
	s := StorageConfig{}
	assert.Equal(t, "/srv/chunks", s.GetPath())
}

func TestEventLogKeepsFullHistoryByDefault(t *testing.T) {
	assert.Zero(t, Default().EventLog.Retention)

	cfg := Default()
	cfg.EventLog.Retention = -time.Hour
	assert.Error(t, cfg.Validate())
}
