// Package config provides configuration loading and management for organelle3d.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"organelle3d/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Calibration is the physical voxel size of every mask stack
	Calibration models.Calibration `yaml:"calibration"`

	// Tracking export parameters
	Tracking struct {
		// BlockSize is the number of track slots per block in wide exports
		BlockSize int `yaml:"blockSize"`

		// SeparatorPrefix marks the rows that start a new block
		SeparatorPrefix string `yaml:"separatorPrefix"`

		// MinTracks is the minimum number of tracks a frame needs to be
		// included in tracking overlays
		MinTracks int `yaml:"minTracks"`
	} `yaml:"tracking"`

	// Instance reconstruction parameters
	Reconstruction struct {
		// Strategy selects the marker region-growing policy: "watershed" or "nearest"
		Strategy string `yaml:"strategy"`

		// Connectivity for 3D connected components: 6, 18 or 26
		Connectivity int `yaml:"connectivity"`

		// MaxLinkRadius is the largest distance in pixels between a marker and
		// the foreground it may claim; 0 disables the limit
		MaxLinkRadius float64 `yaml:"maxLinkRadius"`

		// KeepLargestOnly keeps only the largest component of single-instance organelles
		KeepLargestOnly bool `yaml:"keepLargestOnly"`
	} `yaml:"reconstruction"`

	// Metric computation parameters
	Metrics struct {
		// MinVoxels is the size below which surface metrics are not computed
		MinVoxels int `yaml:"minVoxels"`

		// IsoLevel is the occupancy threshold of the isosurface
		IsoLevel float64 `yaml:"isoLevel"`

		// SurfaceSmoothing is the Gaussian sigma in voxels applied to the label
		// indicator before isosurface extraction; 0 meshes the raw indicator
		SurfaceSmoothing float64 `yaml:"surfaceSmoothing"`
	} `yaml:"metrics"`

	// Spatial reference parameters
	Spatial struct {
		// ReferencePoint is the anatomical target in global (z, y, x) voxels
		ReferencePoint []float64 `yaml:"referencePoint"`
	} `yaml:"spatial"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many cells are processed concurrently
		NumCores int `yaml:"numCores"`

		// MaskThreshold is the luminance above which a mask pixel is foreground
		MaskThreshold uint8 `yaml:"maskThreshold"`

		// RestrictToCell clips mitochondria and nucleus masks to the cell mask
		RestrictToCell bool `yaml:"restrictToCell"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// JSONLogs switches the console writer for JSON lines
		JSONLogs bool `yaml:"jsonLogs"`

		// SaveMeshes writes one STL file per instance
		SaveMeshes bool `yaml:"saveMeshes"`

		// SaveOverlays writes labeled slice images per organelle
		SaveOverlays bool `yaml:"saveOverlays"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Calibration = models.Calibration{XYVoxelSize: 0.016, ZSliceThickness: 0.05}

	cfg.Tracking.BlockSize = 75
	cfg.Tracking.SeparatorPrefix = "Tracks "
	cfg.Tracking.MinTracks = 2

	cfg.Reconstruction.Strategy = "watershed"
	cfg.Reconstruction.Connectivity = 6
	cfg.Reconstruction.MaxLinkRadius = 0
	cfg.Reconstruction.KeepLargestOnly = true

	cfg.Metrics.MinVoxels = 100
	cfg.Metrics.IsoLevel = 0.5
	cfg.Metrics.SurfaceSmoothing = 0.6

	// Center of the spermathecal valve in the full image
	cfg.Spatial.ReferencePoint = []float64{58, 1256, 2464}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.MaskThreshold = 128
	cfg.Processing.RestrictToCell = true

	cfg.Output.Verbose = true
	cfg.Output.JSONLogs = false
	cfg.Output.SaveMeshes = false
	cfg.Output.SaveOverlays = false

	return cfg
}

// Validate checks value ranges that the components rely on
func (c *Config) Validate() error {
	if err := c.Calibration.Validate(); err != nil {
		return err
	}
	if c.Tracking.BlockSize <= 0 {
		return fmt.Errorf("tracking.blockSize must be positive, got %d", c.Tracking.BlockSize)
	}
	switch c.Reconstruction.Strategy {
	case "watershed", "nearest":
	default:
		return fmt.Errorf("unknown reconstruction.strategy %q", c.Reconstruction.Strategy)
	}
	switch c.Reconstruction.Connectivity {
	case 6, 18, 26:
	default:
		return fmt.Errorf("reconstruction.connectivity must be 6, 18 or 26, got %d", c.Reconstruction.Connectivity)
	}
	if c.Metrics.MinVoxels < 1 {
		return fmt.Errorf("metrics.minVoxels must be at least 1, got %d", c.Metrics.MinVoxels)
	}
	if c.Metrics.IsoLevel <= 0 || c.Metrics.IsoLevel >= 1 {
		return fmt.Errorf("metrics.isoLevel must be in (0,1), got %g", c.Metrics.IsoLevel)
	}
	if c.Metrics.SurfaceSmoothing < 0 {
		return fmt.Errorf("metrics.surfaceSmoothing must not be negative, got %g", c.Metrics.SurfaceSmoothing)
	}
	if n := len(c.Spatial.ReferencePoint); n != 0 && n != 3 {
		return fmt.Errorf("spatial.referencePoint needs 3 coordinates (z, y, x), got %d", n)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores)
	}
	return nil
}

// ReferencePoint returns the configured target, or nil when none is set
func (c *Config) ReferencePoint() *models.Point3 {
	if len(c.Spatial.ReferencePoint) != 3 {
		return nil
	}
	p := c.Spatial.ReferencePoint
	return &models.Point3{Z: p[0], Y: p[1], X: p[2]}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
