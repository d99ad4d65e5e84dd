package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-correction-core/pkg/xray"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Engine.Plugin = "/opt/engines/vendor.so"
	cfg.Calibration.MaxAge = Duration(30 * 24 * time.Hour)
	require.NoError(t, cfg.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_age: 720h0m0s")

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed on round trip (-want +got):\n%s", diff)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
detector:
  width: 1024
  height: 768
engine:
  init_timeout: 750ms
processing:
  mode: preview
  noise:
    enabled: true
    method: median
    kernel_size: 7
  window:
    width: 2048
    center: 1024
    auto: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Detector.Width)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.InitTimeout.Std())
	assert.Equal(t, Default().Calibration, cfg.Calibration)

	pc, err := cfg.ProcessingConfig()
	require.NoError(t, err)
	assert.Equal(t, xray.ModePreview, pc.Mode)
	assert.True(t, pc.Noise.Enabled)
	assert.Equal(t, xray.NoiseMedian, pc.Noise.Method)
	assert.Equal(t, 7, pc.Noise.KernelSize)
	assert.True(t, pc.AutoWindow)
	assert.Equal(t, xray.WindowLevel{Width: 2048, Center: 1024}, pc.Window)
	assert.Nil(t, pc.DarkFrame)
	assert.True(t, pc.PreserveRaw)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "detector: [1, 2"},
		{"bad duration", "engine:\n  init_timeout: soon\n"},
		{"numeric duration", "calibration:\n  max_age: [1]\n"},
		{"invalid value", "detector:\n  width: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadFromFile(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"detector too wide", func(c *Config) { c.Detector.Width = xray.MaxDimension + 1 }, "detector.width"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"negative timeout", func(c *Config) { c.Engine.InitTimeout = Duration(-time.Second) }, "engine.init_timeout"},
		{"unknown mode", func(c *Config) { c.Processing.Mode = "turbo" }, "processing.mode"},
		{"unknown noise method", func(c *Config) { c.Processing.Noise.Method = "wiener" }, "processing.noise.method"},
		{"even median kernel", func(c *Config) {
			c.Processing.Noise.Enabled = true
			c.Processing.Noise.Method = "median"
			c.Processing.Noise.KernelSize = 4
		}, "processing.noise"},
		{"flattening order", func(c *Config) {
			c.Processing.Flattening.Enabled = true
			c.Processing.Flattening.Order = xray.MaxPolynomialOrder + 1
		}, "processing.flattening"},
		{"narrow window", func(c *Config) { c.Processing.Window.Width = 0 }, "processing.window"},
		{"thumbnail format", func(c *Config) { c.Output.ThumbnailFormat = "gif" }, "output.thumbnail_format"},
		{"quality", func(c *Config) { c.Output.Quality = 0 }, "output.quality"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDisabledStagesSkipValidation(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Processing.Noise.KernelSize = 4
	cfg.Processing.Noise.Method = "median"
	assert.NoError(t, cfg.Validate())
}

func TestCalibrationPaths(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Calibration.Dir = "/data/cal"
	cfg.Calibration.GainMap = "/elsewhere/gain.xcal"
	cfg.Calibration.Scatter = ""

	paths := cfg.CalibrationPaths()
	assert.Equal(t, filepath.Join("/data/cal", "dark.xcal"), paths.DarkFrame)
	assert.Equal(t, "/elsewhere/gain.xcal", paths.GainMap)
	assert.Empty(t, paths.ScatterParams)
	assert.Len(t, paths.ByType(), 3)
}
