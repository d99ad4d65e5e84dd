// xrayproc runs detector frames through the correction pipeline and writes
// the corrected results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"xray-correction-core/internal/algorithms"
	"xray-correction-core/internal/calibration"
	"xray-correction-core/internal/config"
	"xray-correction-core/internal/engine/reference"
	"xray-correction-core/internal/export"
	"xray-correction-core/internal/loader"
	"xray-correction-core/internal/logging"
	"xray-correction-core/internal/metrics"
	"xray-correction-core/internal/pipeline"
	"xray-correction-core/internal/rawio"
	"xray-correction-core/pkg/xray"
)

const AppVersion = "1.0.0"

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when empty)")
	debugMode := flag.Bool("debug", false, "Enable debug mode with verbose logging")
	plugin := flag.String("plugin", "", "engine plugin to load, overrides engine.plugin")
	outDir := flag.String("out", "", "output directory, overrides output.dir")
	workers := flag.Int("workers", -1, "concurrent frames, overrides workers (0 = one per CPU)")
	mode := flag.String("mode", "", "full or preview, overrides processing.mode")
	autoWindow := flag.Bool("auto-window", false, "estimate window/level from each corrected frame")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this file and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] frame|dir ...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *plugin != "" {
		cfg.Engine.Plugin = *plugin
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *workers >= 0 {
		cfg.Workers = *workers
	}
	if *mode != "" {
		cfg.Processing.Mode = *mode
	}
	if *autoWindow {
		cfg.Processing.Window.Auto = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *writeConfig != "" {
		if err := cfg.SaveToFile(*writeConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, *debugMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"debug_mode": *debugMode,
		"abi":        xray.ABIVersion,
	}).Info("Starting X-ray correction")

	inputs, err := collectInputs(flag.Args())
	if err != nil {
		logger.WithError(err).Fatal("Failed to collect input frames")
	}
	if len(inputs) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, inputs); err != nil {
		logger.WithError(err).Error("Processing finished with errors")
		os.Exit(1)
	}
	logger.Info("Application shutting down gracefully")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(path)
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, inputs []string) error {
	store := calibration.NewStore(cfg.Detector.Width, cfg.Detector.Height,
		calibration.WithMaxAge(cfg.Calibration.MaxAge.Std()),
		calibration.WithLogger(logger))
	paths := cfg.CalibrationPaths()
	if err := store.LoadAll(paths); err != nil {
		logger.WithError(err).Warn("Some calibration datasets could not be loaded")
	}
	for _, status := range store.GetCalibrationStatus() {
		logger.WithFields(logrus.Fields{
			"type":   status.Type.String(),
			"loaded": status.Loaded,
			"source": status.Source,
		}).Info("Calibration status")
	}

	if cfg.Calibration.Watch {
		watcher, err := calibration.NewWatcher(store, paths,
			calibration.WithDebounce(cfg.Calibration.Debounce.Std()),
			calibration.WithWatcherLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to watch calibration files: %w", err)
		}
		defer watcher.Close()
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Calibration watcher stopped")
			}
		}()
	}

	refOpts := []reference.Option{reference.WithSpectralLimit(cfg.Engine.SpectralLimit)}
	if cfg.Engine.DisableFFT {
		refOpts = append(refOpts, reference.WithoutSpectral())
	}
	ld := loader.New(
		loader.WithLogger(logger),
		loader.WithInitTimeout(cfg.Engine.InitTimeout.Std()),
		loader.WithReferenceOptions(refOpts...),
	)
	handle, err := ld.Create(cfg.Engine.Plugin)
	if err != nil {
		logger.WithError(err).Warn("Engine plugin unavailable, using reference engine")
	}
	logger.WithField("engine", handle.Info().String()).Info("Engine selected")

	procCfg, err := cfg.ProcessingConfig()
	if err != nil {
		return err
	}

	frames := rawio.NewFrameLoader(logger, cfg.Detector.Width, cfg.Detector.Height)
	exporter := export.NewExporter(logger, export.Options{
		Dir:             cfg.Output.Dir,
		Suffix:          cfg.Output.Suffix,
		WriteRaw:        cfg.Output.WriteRaw,
		Thumbnail:       cfg.Output.Thumbnail,
		ThumbnailFormat: cfg.Output.ThumbnailFormat,
		ThumbnailSize:   cfg.Output.ThumbnailSize,
		Quality:         cfg.Output.Quality,
		Histogram:       cfg.Output.Histogram,
	})
	evaluator := metrics.NewEvaluator()
	logProcessing(logger, procCfg, evaluator)
	batch := pipeline.NewBatchProcessor(ld, store, cfg.Workers,
		pipeline.WithLogger(logger),
		pipeline.WithEvaluator(evaluator))

	// Frames are loaded a few batches at a time to bound memory.
	chunk := batch.Workers() * 4
	var errs []error
	for start := 0; start < len(inputs); start += chunk {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		names := inputs[start:min(start+chunk, len(inputs))]

		var loaded []*xray.ImageBuffer
		var loadedNames []string
		for _, name := range names {
			frame, err := frames.LoadFrame(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			frame.FrameID = uint64(start + len(loadedNames))
			loaded = append(loaded, frame)
			loadedNames = append(loadedNames, name)
		}

		results, err := batch.Process(ctx, loaded, procCfg)
		if err != nil {
			errs = append(errs, err)
		}
		for i, result := range results {
			if result == nil || !result.Succeeded() {
				continue
			}
			base := strings.TrimSuffix(filepath.Base(loadedNames[i]), filepath.Ext(loadedNames[i]))
			if _, err := exporter.Export(result, base); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", loadedNames[i], err))
			}
		}
	}

	stats := batch.Stats()
	fields := logrus.Fields{
		"frames":   stats.Frames,
		"failures": stats.Failures,
		"warnings": stats.Warnings,
		"total_ms": stats.Total.Milliseconds(),
	}
	for stage, s := range stats.Stages {
		fields[stage.String()+"_mean_us"] = s.Mean().Microseconds()
	}
	logger.WithFields(fields).Info("Processing summary")
	return errors.Join(errs...)
}

// logProcessing records the filter and metrics a run will use.
func logProcessing(logger logrus.FieldLogger, cfg xray.ProcessingConfig, evaluator *metrics.Evaluator) {
	logger.WithFields(logrus.Fields{
		"mode":        cfg.Mode.String(),
		"auto_window": cfg.AutoWindow,
		"width":       cfg.Window.Width,
		"center":      cfg.Window.Center,
	}).Info("Processing configured")

	if cfg.Noise.Enabled {
		if name, desc, ok := algorithms.Describe(cfg.Noise.Method); ok {
			logger.WithFields(logrus.Fields{
				"filter":      name,
				"description": desc,
			}).Info("Noise reduction enabled")
		}
	}
	if cfg.CollectMetrics {
		descriptions := evaluator.Descriptions()
		for _, name := range evaluator.Names() {
			logger.WithFields(logrus.Fields{
				"metric":      name,
				"description": descriptions[name],
			}).Info("Stage metric enabled")
		}
	}
}

// collectInputs expands directories into the frame files they contain.
func collectInputs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && rawio.IsSupported(e.Name()) {
				names = append(names, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(names)
		out = append(out, names...)
	}
	return out, nil
}
