package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 75, cfg.Tracking.BlockSize)
	assert.Equal(t, 100, cfg.Metrics.MinVoxels)
	assert.Equal(t, 6, cfg.Reconstruction.Connectivity)
	assert.True(t, cfg.Reconstruction.KeepLargestOnly)
	assert.InDelta(t, 0.016*0.016*0.05, cfg.Calibration.VoxelVolume(), 1e-12)

	ref := cfg.ReferencePoint()
	require.NotNil(t, ref)
	assert.Equal(t, 58.0, ref.Z)
	assert.Equal(t, 2464.0, ref.X)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Metrics, cfg.Metrics)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Reconstruction.Strategy = "nearest"
	cfg.Reconstruction.MaxLinkRadius = 12.5
	cfg.Processing.NumCores = 3
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "nearest", loaded.Reconstruction.Strategy)
	assert.Equal(t, 12.5, loaded.Reconstruction.MaxLinkRadius)
	assert.Equal(t, 3, loaded.Processing.NumCores)
	assert.Equal(t, cfg.Calibration, loaded.Calibration)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"strategy":     "reconstruction:\n  strategy: flood\n",
		"connectivity": "reconstruction:\n  connectivity: 4\n",
		"calibration":  "calibration:\n  xyVoxelSize: 0\n",
		"reference":    "spatial:\n  referencePoint: [1, 2]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "watershed", loaded.Reconstruction.Strategy)
}
