package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"xray-correction-core/internal/calibration"
	"xray-correction-core/pkg/xray"
)

// Config holds the application configuration
type Config struct {
	Detector    DetectorConfig    `yaml:"detector"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Engine      EngineConfig      `yaml:"engine"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Output      OutputConfig      `yaml:"output"`
	Logging     LoggingConfig     `yaml:"logging"`
	Workers     int               `yaml:"workers"` // 0 means one per CPU
}

// DetectorConfig describes the detector geometry every frame and dataset
// must match.
type DetectorConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CalibrationConfig names the calibration files. Relative paths are
// resolved against Dir.
type CalibrationConfig struct {
	Dir       string   `yaml:"dir"`
	DarkFrame string   `yaml:"dark_frame"`
	GainMap   string   `yaml:"gain_map"`
	DefectMap string   `yaml:"defect_map"`
	Scatter   string   `yaml:"scatter"`
	MaxAge    Duration `yaml:"max_age"`
	Watch     bool     `yaml:"watch"`
	Debounce  Duration `yaml:"debounce"`
}

// EngineConfig selects the processing engine.
type EngineConfig struct {
	Plugin        string   `yaml:"plugin"` // empty selects the reference engine
	InitTimeout   Duration `yaml:"init_timeout"`
	SpectralLimit int      `yaml:"spectral_limit"` // largest frame, in pixels, corrected in the frequency domain
	DisableFFT    bool     `yaml:"disable_fft"`
}

// ProcessingConfig holds the processing defaults
type ProcessingConfig struct {
	Mode            string           `yaml:"mode"` // full, preview
	PreserveRaw     bool             `yaml:"preserve_raw"`
	RetainCorrected bool             `yaml:"retain_corrected"`
	CollectMetrics  bool             `yaml:"collect_metrics"`
	Noise           NoiseConfig      `yaml:"noise"`
	Flattening      FlatteningConfig `yaml:"flattening"`
	Window          WindowConfig     `yaml:"window"`
}

type NoiseConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Method     string  `yaml:"method"` // gaussian, median, bilateral
	Sigma      float64 `yaml:"sigma"`
	KernelSize int     `yaml:"kernel_size"`
	SigmaRange float64 `yaml:"sigma_range"`
}

type FlatteningConfig struct {
	Enabled bool    `yaml:"enabled"`
	Method  string  `yaml:"method"` // polynomial, gaussian
	Order   int     `yaml:"order"`
	Sigma   float64 `yaml:"sigma"`
}

type WindowConfig struct {
	Width  float64 `yaml:"width"`
	Center float64 `yaml:"center"`
	Auto   bool    `yaml:"auto"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Dir             string `yaml:"dir"`
	Suffix          string `yaml:"suffix"`
	WriteRaw        bool   `yaml:"write_raw"`
	Thumbnail       bool   `yaml:"thumbnail"`
	ThumbnailFormat string `yaml:"thumbnail_format"` // png, webp
	ThumbnailSize   int    `yaml:"thumbnail_size"`
	Quality         int    `yaml:"quality"`
	Histogram       bool   `yaml:"histogram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with default values
func Default() *Config {
	noise := xray.DefaultNoiseReductionParams()
	flat := xray.DefaultFlatteningParams()
	wl := xray.DefaultWindowLevel()
	return &Config{
		Detector: DetectorConfig{
			Width:  3072,
			Height: 3072,
		},
		Calibration: CalibrationConfig{
			Dir:       "./calibration",
			DarkFrame: "dark.xcal",
			GainMap:   "gain.xcal",
			DefectMap: "defect.xcal",
			Scatter:   "scatter.xcal",
			MaxAge:    Duration(calibration.DefaultMaxAge),
			Watch:     false,
			Debounce:  Duration(calibration.DefaultDebounce),
		},
		Engine: EngineConfig{
			InitTimeout:   Duration(5 * time.Second),
			SpectralLimit: 4096 * 4096,
		},
		Processing: ProcessingConfig{
			Mode:            xray.ModeFull.String(),
			PreserveRaw:     true,
			RetainCorrected: true,
			Noise: NoiseConfig{
				Method:     noise.Method.String(),
				Sigma:      noise.Sigma,
				KernelSize: noise.KernelSize,
				SigmaRange: noise.SigmaRange,
			},
			Flattening: FlatteningConfig{
				Method: flat.Method.String(),
				Order:  flat.Order,
				Sigma:  flat.Sigma,
			},
			Window: WindowConfig{Width: wl.Width, Center: wl.Center},
		},
		Output: OutputConfig{
			Dir:             "./output",
			Suffix:          "_corrected",
			ThumbnailFormat: "png",
			ThumbnailSize:   512,
			Quality:         90,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads a YAML file over the defaults, so a file only needs
// the keys it changes.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Detector.Width > 0 && c.Detector.Width <= xray.MaxDimension,
		"detector.width must be in [1, %d]", xray.MaxDimension)
	check(c.Detector.Height > 0 && c.Detector.Height <= xray.MaxDimension,
		"detector.height must be in [1, %d]", xray.MaxDimension)
	check(c.Calibration.MaxAge >= 0, "calibration.max_age cannot be negative")
	check(c.Calibration.Debounce >= 0, "calibration.debounce cannot be negative")
	check(c.Engine.InitTimeout >= 0, "engine.init_timeout cannot be negative")
	check(c.Workers >= 0, "workers cannot be negative")

	if _, err := c.ProcessingConfig(); err != nil {
		errs = append(errs, err)
	}

	switch c.Output.ThumbnailFormat {
	case "png", "webp":
	default:
		errs = append(errs, fmt.Errorf("output.thumbnail_format must be png or webp, got %q", c.Output.ThumbnailFormat))
	}
	check(!c.Output.Thumbnail || c.Output.ThumbnailSize > 0, "output.thumbnail_size must be positive")
	check(c.Output.Quality >= 1 && c.Output.Quality <= 100, "output.quality must be between 1 and 100")

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// CalibrationPaths resolves the calibration file names against the
// calibration directory.
func (c *Config) CalibrationPaths() calibration.Paths {
	resolve := func(name string) string {
		if name == "" || filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(c.Calibration.Dir, name)
	}
	return calibration.Paths{
		DarkFrame:     resolve(c.Calibration.DarkFrame),
		GainMap:       resolve(c.Calibration.GainMap),
		DefectMap:     resolve(c.Calibration.DefectMap),
		ScatterParams: resolve(c.Calibration.Scatter),
	}
}

// ProcessingConfig translates the processing section into the per-frame
// config. Calibration references are left nil for the orchestrator to
// fill from the store.
func (c *Config) ProcessingConfig() (xray.ProcessingConfig, error) {
	p := c.Processing
	out := xray.DefaultProcessingConfig()

	mode, err := xray.ParseProcessingMode(p.Mode)
	if err != nil {
		return out, fmt.Errorf("processing.mode: %w", err)
	}
	noiseMethod, err := parseNoiseMethod(p.Noise.Method)
	if err != nil {
		return out, fmt.Errorf("processing.noise.method: %w", err)
	}
	flatMethod, err := parseFlatteningMethod(p.Flattening.Method)
	if err != nil {
		return out, fmt.Errorf("processing.flattening.method: %w", err)
	}

	out.Mode = mode
	out.PreserveRaw = p.PreserveRaw
	out.RetainCorrected = p.RetainCorrected
	out.CollectMetrics = p.CollectMetrics
	out.Noise = xray.NoiseReductionParams{
		Enabled:    p.Noise.Enabled,
		Method:     noiseMethod,
		Sigma:      p.Noise.Sigma,
		KernelSize: p.Noise.KernelSize,
		SigmaRange: p.Noise.SigmaRange,
	}
	out.Flattening = xray.FlatteningParams{
		Enabled: p.Flattening.Enabled,
		Method:  flatMethod,
		Order:   p.Flattening.Order,
		Sigma:   p.Flattening.Sigma,
	}
	out.Window = xray.WindowLevel{Width: p.Window.Width, Center: p.Window.Center}
	out.AutoWindow = p.Window.Auto

	if out.Noise.Enabled {
		if err := out.Noise.Validate(); err != nil {
			return out, fmt.Errorf("processing.noise: %w", err)
		}
	}
	if out.Flattening.Enabled {
		if err := out.Flattening.Validate(); err != nil {
			return out, fmt.Errorf("processing.flattening: %w", err)
		}
	}
	if err := out.Window.Validate(); err != nil {
		return out, fmt.Errorf("processing.window: %w", err)
	}
	return out, nil
}

func parseNoiseMethod(s string) (xray.NoiseMethod, error) {
	for _, m := range []xray.NoiseMethod{xray.NoiseGaussian, xray.NoiseMedian, xray.NoiseBilateral} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return xray.NoiseGaussian, fmt.Errorf("unknown noise method %q", s)
}

func parseFlatteningMethod(s string) (xray.FlatteningMethod, error) {
	for _, m := range []xray.FlatteningMethod{xray.FlattenPolynomial, xray.FlattenGaussian} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return xray.FlattenPolynomial, fmt.Errorf("unknown flattening method %q", s)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./xray.yaml"
	}
	return filepath.Join(home, ".config", "xray-correction", "config.yaml")
}
