// Package pipeline drives a frame through the correction stages on the
// active engine and records what happened to it.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"xray-correction-core/internal/algorithms"
	"xray-correction-core/internal/calibration"
	"xray-correction-core/internal/loader"
	"xray-correction-core/internal/metrics"
	"xray-correction-core/pkg/xray"
)

var (
	ErrClosed      = errors.New("orchestrator is closed")
	ErrNilFrame    = errors.New("frame is nil")
	ErrNilConfig   = errors.New("processing config is nil")
	ErrNoCorrected = errors.New("result has no retained corrected frame")
)

// EngineSource hands out the engine module to process with. The loader
// satisfies it.
type EngineSource interface {
	Active() *loader.Handle
	Fallback() *loader.Handle
}

// CalibrationSource provides a consistent view of the current calibration.
// The calibration store satisfies it.
type CalibrationSource interface {
	Snapshot() calibration.Snapshot
}

// StageError reports the stage a frame run stopped at.
type StageError struct {
	Stage xray.Stage
	Err   xray.EngineError
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type options struct {
	logger    logrus.FieldLogger
	recorder  *Recorder
	evaluator *metrics.Evaluator
}

// Option configures an Orchestrator or a BatchProcessor.
type Option func(*options)

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder shares a run recorder between orchestrators.
func WithRecorder(r *Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithEvaluator sets the metrics used when a config asks for per-stage
// statistics.
func WithEvaluator(e *metrics.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		o.logger = quiet
	}
	if o.recorder == nil {
		o.recorder = NewRecorder(o.logger, defaultHistory)
	}
	if o.evaluator == nil {
		o.evaluator = metrics.NewEvaluator()
	}
	return o
}

// Orchestrator runs frames one at a time through a single engine instance.
// It follows the source's active module between frames, so a reloaded
// plugin takes over from the next frame on. Use one Orchestrator per
// concurrent frame stream.
type Orchestrator struct {
	logger    logrus.FieldLogger
	source    EngineSource
	store     CalibrationSource
	recorder  *Recorder
	evaluator *metrics.Evaluator

	mu     sync.Mutex
	handle *loader.Handle
	engine xray.Engine
	failed *loader.Handle
	closed bool
}

// New creates an orchestrator. store may be nil, in which case every
// calibration reference must come with the config.
func New(source EngineSource, store CalibrationSource, opts ...Option) *Orchestrator {
	o := buildOptions(opts)
	return &Orchestrator{
		logger:    o.logger,
		source:    source,
		store:     store,
		recorder:  o.recorder,
		evaluator: o.evaluator,
	}
}

// ProcessFrame corrects frame in place following cfg.
//
// The raw copy is taken before anything else and is always present in
// the result. When a stage fails the remaining stages are not run; the
// result still carries the stages applied so far, their timings and the
// failure, and the returned error is a *StageError.
func (o *Orchestrator) ProcessFrame(frame *xray.ImageBuffer, cfg *xray.ProcessingConfig) (*xray.ProcessedFrameResult, error) {
	if frame == nil {
		return nil, ErrNilFrame
	}

	start := time.Now()
	result := &xray.ProcessedFrameResult{
		RunID:     uuid.New(),
		Processed: frame,
		Raw:       frame.Clone(),
		State:     xray.StateReceived,
	}
	if cfg == nil {
		return result, ErrNilConfig
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return result, ErrClosed
	}

	run := *cfg
	result.Mode = run.Mode
	if !run.PreserveRaw {
		o.logger.WithField("frame_id", frame.FrameID).Warn("PIPELINE: PreserveRaw disabled, raw copy kept anyway")
	}
	o.attachCalibration(&run)

	engine, err := o.ensureEngine()
	if err != nil {
		result.State = xray.StateFailed
		result.Failure = xray.NewEngineError(xray.ErrEngineLoad, "engine", "%v", err)
		result.TotalDuration = time.Since(start)
		o.recorder.Record(result)
		return result, fmt.Errorf("no engine available: %w", err)
	}
	result.Engine = o.handle.Info()

	for _, stage := range run.Sequence() {
		if skipped(stage, &run) {
			result.Skipped = result.Skipped.With(stage)
			continue
		}
		if stage == xray.StageWindowLevel {
			if run.RetainCorrected {
				result.Corrected = frame.Clone()
			}
			if run.AutoWindow {
				run.Window = algorithms.EstimateWindow(frame, algorithms.DefaultWindowClip)
				o.logger.WithFields(logrus.Fields{
					"frame_id": frame.FrameID,
					"width":    run.Window.Width,
					"center":   run.Window.Center,
				}).Debug("PIPELINE: Window estimated from histogram")
			}
			result.Window = run.Window
		}
		result.State = xray.StateFor(stage)

		timing, lastErr, ok := o.runStage(engine, stage, frame, &run)
		result.Timings = append(result.Timings, timing)

		if !ok {
			result.State = xray.StateFailed
			result.FailedStage = stage
			result.Failure = lastErr
			result.TotalDuration = time.Since(start)
			o.recorder.Record(result)
			return result, &StageError{Stage: stage, Err: lastErr}
		}
		if !lastErr.IsZero() {
			result.Warnings = append(result.Warnings, lastErr)
			if stage == xray.StageScatter && lastErr.Code == xray.ErrDegraded {
				result.Skipped = result.Skipped.With(stage)
				continue
			}
		}
		result.Applied = result.Applied.With(stage)
	}

	result.State = xray.StateDone
	result.TotalDuration = time.Since(start)
	o.recorder.Record(result)
	return result, nil
}

func (o *Orchestrator) runStage(engine xray.Engine, stage xray.Stage, frame *xray.ImageBuffer, cfg *xray.ProcessingConfig) (xray.StageTiming, xray.EngineError, bool) {
	var before *xray.ImageBuffer
	if cfg.CollectMetrics {
		before = frame.Clone()
	}

	start := time.Now()
	ok := xray.RunStage(engine, stage, frame, cfg)
	timing := xray.StageTiming{
		Stage:    stage,
		Start:    start,
		Duration: time.Since(start),
		OK:       ok,
	}

	lastErr := engine.GetLastError()
	if !ok && lastErr.IsZero() {
		lastErr = xray.NewEngineError(xray.ErrExecution, stage.String(), "stage reported failure without an error record")
	}
	if ok && before != nil {
		timing.Metrics = o.evaluator.EvaluateStep(before, frame)
	}

	o.logger.WithFields(logrus.Fields{
		"stage":       stage.String(),
		"frame_id":    frame.FrameID,
		"ok":          ok,
		"duration_us": timing.Duration.Microseconds(),
	}).Debug("PIPELINE: Stage finished")
	return timing, lastErr, ok
}

// skipped reports whether an optional stage is switched off by cfg.
func skipped(stage xray.Stage, cfg *xray.ProcessingConfig) bool {
	switch stage {
	case xray.StageScatter:
		return cfg.Scatter == nil || !cfg.Scatter.Enabled
	case xray.StageNoise:
		return !cfg.Noise.Enabled
	case xray.StageFlatten:
		return !cfg.Flattening.Enabled
	default:
		return false
	}
}

// attachCalibration fills the references cfg leaves nil from a single
// store snapshot. The frame keeps those references for its whole run, so a
// concurrent hot reload only affects later frames.
func (o *Orchestrator) attachCalibration(cfg *xray.ProcessingConfig) {
	if o.store == nil {
		return
	}
	if cfg.DarkFrame != nil && cfg.GainMap != nil && cfg.DefectMap != nil && cfg.Scatter != nil {
		return
	}
	snap := o.store.Snapshot()
	if cfg.DarkFrame == nil {
		cfg.DarkFrame = snap.DarkFrame
	}
	if cfg.GainMap == nil {
		cfg.GainMap = snap.GainMap
	}
	if cfg.DefectMap == nil {
		cfg.DefectMap = snap.DefectMap
	}
	if cfg.Scatter == nil {
		cfg.Scatter = snap.Scatter
	}
}

// ensureEngine returns an engine from the source's active module, creating
// one when the active module changed since the last frame. A module that
// cannot produce an engine is remembered and the fallback is used until
// another module becomes active.
func (o *Orchestrator) ensureEngine() (xray.Engine, error) {
	want := o.source.Active()
	if want == o.failed {
		want = o.source.Fallback()
	} else {
		o.failed = nil
	}
	if o.engine != nil && o.handle == want {
		return o.engine, nil
	}

	engine, err := want.NewEngine()
	if err != nil && !want.IsFallback() {
		o.logger.WithFields(logrus.Fields{
			"engine": want.Info().String(),
			"error":  err,
		}).Warn("PIPELINE: Engine creation failed, using reference engine")
		o.failed = want
		want = o.source.Fallback()
		if o.engine != nil && o.handle == want {
			return o.engine, nil
		}
		engine, err = want.NewEngine()
	}
	if err != nil {
		return nil, err
	}

	previous := o.handle
	o.releaseEngine()
	o.handle, o.engine = want, engine
	if previous != nil {
		o.recorder.RecordEngineSwap(previous.Info(), want.Info())
	}
	return engine, nil
}

func (o *Orchestrator) releaseEngine() {
	if o.engine == nil {
		return
	}
	if err := o.handle.DestroyEngine(o.engine); err != nil {
		o.logger.WithFields(logrus.Fields{
			"engine": o.handle.Info().String(),
			"error":  err,
		}).Error("PIPELINE: Failed to destroy engine")
	}
	o.handle, o.engine = nil, nil
}

// ApplyWindowLevel re-runs the display mapping on result.Processed from the
// retained corrected frame, so repeated calls never accumulate. If the
// engine rejects wl, Processed is left holding the corrected frame.
func (o *Orchestrator) ApplyWindowLevel(result *xray.ProcessedFrameResult, wl xray.WindowLevel) error {
	if result == nil || result.Processed == nil {
		return ErrNilFrame
	}
	if result.Corrected == nil {
		return ErrNoCorrected
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	engine, err := o.ensureEngine()
	if err != nil {
		return fmt.Errorf("no engine available: %w", err)
	}

	if err := result.Processed.CopyPixelsFrom(result.Corrected); err != nil {
		return err
	}
	start := time.Now()
	ok := engine.ApplyWindowLevel(result.Processed, wl)
	timing := xray.StageTiming{
		Stage:    xray.StageWindowLevel,
		Start:    start,
		Duration: time.Since(start),
		OK:       ok,
	}
	if !ok {
		lastErr := engine.GetLastError()
		if lastErr.IsZero() {
			lastErr = xray.NewEngineError(xray.ErrExecution, xray.StageWindowLevel.String(), "stage reported failure without an error record")
		}
		return &StageError{Stage: xray.StageWindowLevel, Err: lastErr}
	}

	replaced := false
	for i := range result.Timings {
		if result.Timings[i].Stage == xray.StageWindowLevel {
			result.Timings[i] = timing
			replaced = true
		}
	}
	if !replaced {
		result.Timings = append(result.Timings, timing)
	}
	result.Applied = result.Applied.With(xray.StageWindowLevel)
	result.Window = wl
	if result.State == xray.StateFailed && result.FailedStage == xray.StageWindowLevel {
		result.State = xray.StateDone
		result.FailedStage = xray.StageNone
		result.Failure = xray.EngineError{}
	}

	o.logger.WithFields(logrus.Fields{
		"run_id": result.RunID.String(),
		"width":  wl.Width,
		"center": wl.Center,
	}).Debug("PIPELINE: Window/level re-applied")
	return nil
}

// Engine describes the engine the orchestrator currently holds.
func (o *Orchestrator) Engine() (xray.EngineInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil {
		return xray.EngineInfo{}, false
	}
	return o.handle.Info(), true
}

// Stats returns the recorder's statistics.
func (o *Orchestrator) Stats() Stats {
	return o.recorder.Stats()
}

// Recorder returns the run recorder.
func (o *Orchestrator) Recorder() *Recorder {
	return o.recorder
}

// Close destroys the held engine. Further calls fail with ErrClosed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.releaseEngine()
	return nil
}
