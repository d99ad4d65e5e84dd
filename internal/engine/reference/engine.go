// Package reference is the built-in processing engine. It is always
// available and is what the loader falls back to when a plugin cannot be
// used.
package reference

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"xray-correction-core/internal/algorithms"
	"xray-correction-core/pkg/xray"
)

const (
	Name    = "reference"
	Vendor  = "xray-correction-core"
	Version = "1.0.0"
)

// lutCacheSize is the number of window/level tables kept between calls.
const lutCacheSize = 8

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for stage diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSpectralLimit caps the frame size, in pixels, that the FFT scatter
// path accepts. Larger frames degrade to pass-through.
func WithSpectralLimit(pixels int) Option {
	return func(e *Engine) { e.spectralLimit = pixels }
}

// WithoutSpectral disables the FFT backend entirely.
func WithoutSpectral() Option {
	return func(e *Engine) { e.spectralLimit = 0 }
}

// Engine implements xray.Engine with gocv and gonum kernels. Like every
// engine it must not be shared between goroutines.
type Engine struct {
	logger        logrus.FieldLogger
	spectralLimit int

	initialized bool
	spectral    *algorithms.Spectral
	luts        *algorithms.LUTCache

	lastErr    xray.EngineError
	lastTiming xray.StageTiming
}

var _ xray.Engine = (*Engine)(nil)

// New creates an uninitialized engine.
func New(opts ...Option) *Engine {
	e := &Engine{spectralLimit: algorithms.DefaultSpectralLimit}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		e.logger = quiet
	}
	return e
}

func (e *Engine) Initialize() bool {
	e.lastErr = xray.EngineError{}
	e.spectral = algorithms.NewSpectral(e.spectralLimit)
	e.luts = algorithms.NewLUTCache(lutCacheSize)
	e.initialized = true
	e.logger.WithFields(logrus.Fields{
		"engine":         Name,
		"spectral_limit": e.spectralLimit,
	}).Debug("Engine initialized")
	return true
}

// Shutdown drops the FFT plans and LUT cache. The engine can be
// initialized again afterwards.
func (e *Engine) Shutdown() {
	if e.spectral != nil {
		e.spectral.Reset()
	}
	if e.luts != nil {
		e.luts.Clear()
	}
	e.spectral = nil
	e.luts = nil
	e.initialized = false
}

func (e *Engine) GetEngineInfo() xray.EngineInfo {
	return Info()
}

// Info describes the reference engine without instantiating it.
func Info() xray.EngineInfo {
	return xray.EngineInfo{
		Name:       Name,
		Vendor:     Vendor,
		Version:    Version,
		ABIVersion: xray.ABIVersion,
		Capabilities: []string{
			"offset", "gain", "defect.nearest", "defect.bilinear", "defect.median3x3",
			"scatter.fft", "scatter.polynomial",
			"noise.gaussian", "noise.median", "noise.bilateral",
			"flatten.polynomial", "flatten.gaussian", "window_level",
		},
	}
}

func (e *Engine) GetLastError() xray.EngineError {
	return e.lastErr
}

func (e *Engine) GetLastTiming() xray.StageTiming {
	return e.lastTiming
}

// run wraps one stage: it resets the last error, validates the frame,
// times fn and converts its error into the last-error record. fn may leave
// a recoverable warning in e.lastErr and still succeed.
func (e *Engine) run(stage xray.Stage, frame *xray.ImageBuffer, fn func() error) (ok bool) {
	e.lastErr = xray.EngineError{}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.fail(stage, xray.NewEngineError(xray.ErrExecution, stage.String(), "panic: %v", r))
			ok = false
		}
		e.lastTiming = xray.StageTiming{Stage: stage, Start: start, Duration: time.Since(start), OK: ok}
	}()

	if !e.initialized {
		e.fail(stage, xray.NewEngineError(xray.ErrInitialization, stage.String(), "engine not initialized"))
		return false
	}
	if err := frame.Validate(); err != nil {
		e.fail(stage, xray.NewEngineError(xray.ErrInvalidParameter, stage.String(), "%v", err))
		return false
	}
	if err := fn(); err != nil {
		var engineErr xray.EngineError
		if !errors.As(err, &engineErr) {
			engineErr = xray.NewEngineError(xray.ErrExecution, stage.String(), "%v", err)
		}
		e.fail(stage, engineErr)
		return false
	}

	e.logger.WithFields(logrus.Fields{
		"stage":    stage.String(),
		"frame_id": frame.FrameID,
		"duration": time.Since(start),
	}).Debug("Stage applied")
	return true
}

func (e *Engine) fail(stage xray.Stage, err xray.EngineError) {
	if err.Stage == "" {
		err.Stage = stage.String()
	}
	e.lastErr = err
	e.logger.WithFields(logrus.Fields{
		"stage": err.Stage,
		"code":  err.Code.String(),
	}).Warn(err.Message)
}

func (e *Engine) warn(stage xray.Stage, code xray.ErrorCode, format string, args ...any) {
	w := xray.NewEngineError(code, stage.String(), format, args...)
	w.Recoverable = true
	e.lastErr = w
	e.logger.WithFields(logrus.Fields{
		"stage": w.Stage,
		"code":  code.String(),
	}).Warn(w.Message)
}

func checkCalibration(stage xray.Stage, frame *xray.ImageBuffer, c *xray.CalibrationData) error {
	if c == nil {
		return xray.NewEngineError(xray.ErrCalibrationInvalid, stage.String(), "no calibration data")
	}
	if !c.Valid {
		return xray.NewEngineError(xray.ErrCalibrationInvalid, stage.String(), "calibration from %q is not valid", c.Source)
	}
	if !c.Matches(frame.Width, frame.Height) {
		return xray.NewEngineError(xray.ErrDimensionMismatch, stage.String(),
			"calibration is %dx%d with %d coefficients, frame is %dx%d",
			c.Width, c.Height, len(c.Coefficients), frame.Width, frame.Height)
	}
	return nil
}

func (e *Engine) ApplyOffsetCorrection(frame *xray.ImageBuffer, dark *xray.CalibrationData) bool {
	return e.run(xray.StageOffset, frame, func() error {
		if err := checkCalibration(xray.StageOffset, frame, dark); err != nil {
			return err
		}
		for y := 0; y < frame.Height; y++ {
			coeffs := dark.Coefficients[y*frame.Width : (y+1)*frame.Width]
			for x, d := range coeffs {
				frame.Set(x, y, algorithms.Quantize(float64(frame.At(x, y))-float64(d)))
			}
		}
		return nil
	})
}

// ApplyGainCorrection multiplies by the per-pixel gain. Zero and
// non-finite coefficients are treated as 1.
func (e *Engine) ApplyGainCorrection(frame *xray.ImageBuffer, gain *xray.CalibrationData) bool {
	return e.run(xray.StageGain, frame, func() error {
		if err := checkCalibration(xray.StageGain, frame, gain); err != nil {
			return err
		}
		for y := 0; y < frame.Height; y++ {
			coeffs := gain.Coefficients[y*frame.Width : (y+1)*frame.Width]
			for x, g := range coeffs {
				factor := float64(g)
				if factor == 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
					factor = 1
				}
				frame.Set(x, y, algorithms.Quantize(float64(frame.At(x, y))*factor))
			}
		}
		return nil
	})
}

func (e *Engine) ApplyDefectPixelMap(frame *xray.ImageBuffer, defects *xray.DefectMap) bool {
	return e.run(xray.StageDefect, frame, func() error {
		if defects == nil {
			return xray.NewEngineError(xray.ErrCalibrationInvalid, xray.StageDefect.String(), "no defect map")
		}
		if !defects.Valid {
			return xray.NewEngineError(xray.ErrCalibrationInvalid, xray.StageDefect.String(), "defect map from %q is not valid", defects.Source)
		}
		if defects.Width != frame.Width || defects.Height != frame.Height {
			return xray.NewEngineError(xray.ErrDimensionMismatch, xray.StageDefect.String(),
				"defect map is %dx%d, frame is %dx%d", defects.Width, defects.Height, frame.Width, frame.Height)
		}
		for i, d := range defects.Entries {
			if d.X < 0 || d.Y < 0 || d.X >= frame.Width || d.Y >= frame.Height {
				return xray.NewEngineError(xray.ErrInvalidParameter, xray.StageDefect.String(),
					"defect entry %d at (%d, %d) is outside the frame", i, d.X, d.Y)
			}
		}
		if unresolved := algorithms.RepairDefects(frame, defects.Entries); unresolved > 0 {
			e.warn(xray.StageDefect, xray.ErrDegraded, "%d of %d defects had no valid neighbour and were left as is",
				unresolved, len(defects.Entries))
		}
		return nil
	})
}

// ApplyScatterCorrection suppresses scatter. Nil or disabled parameters
// leave the frame untouched. When the FFT backend cannot serve the frame
// the stage passes through and records a recoverable Degraded warning.
func (e *Engine) ApplyScatterCorrection(frame *xray.ImageBuffer, params *xray.ScatterParams) bool {
	return e.run(xray.StageScatter, frame, func() error {
		if params == nil || !params.Enabled {
			return nil
		}
		if !params.Valid {
			return xray.NewEngineError(xray.ErrCalibrationInvalid, xray.StageScatter.String(), "scatter parameters from %q are not valid", params.Source)
		}
		if err := params.Validate(); err != nil {
			return xray.NewEngineError(xray.ErrInvalidParameter, xray.StageScatter.String(), "%v", err)
		}

		switch params.Algorithm {
		case xray.ScatterPolynomial:
			plane := algorithms.PlaneFrom(frame)
			background, err := algorithms.FitSurface(plane, params.PolynomialOrder)
			if err != nil {
				return err
			}
			algorithms.SubtractScaled(plane, background, params.SuppressionRatio,
				params.Flags&xray.ScatterFlagPreserveMean != 0)
			plane.Store(frame)
		default:
			if err := e.spectral.Available(frame.Width, frame.Height); err != nil {
				e.warn(xray.StageScatter, xray.ErrDegraded, "scatter correction skipped: %v", err)
				return nil
			}
			plane := algorithms.PlaneFrom(frame)
			if err := e.spectral.SuppressLowFrequency(plane, params.CutoffFrequency, params.SuppressionRatio); err != nil {
				return fmt.Errorf("frequency-domain suppression: %w", err)
			}
			plane.Store(frame)
		}
		return nil
	})
}

func (e *Engine) ApplyNoiseReduction(frame *xray.ImageBuffer, params *xray.NoiseReductionParams) bool {
	return e.run(xray.StageNoise, frame, func() error {
		if params == nil || !params.Enabled {
			return nil
		}
		if err := params.Validate(); err != nil {
			return xray.NewEngineError(xray.ErrInvalidParameter, xray.StageNoise.String(), "%v", err)
		}
		return algorithms.Apply(frame, *params)
	})
}

// ApplyFlattening subtracts the estimated background and restores its
// mean.
func (e *Engine) ApplyFlattening(frame *xray.ImageBuffer, params *xray.FlatteningParams) bool {
	return e.run(xray.StageFlatten, frame, func() error {
		if params == nil || !params.Enabled {
			return nil
		}
		if err := params.Validate(); err != nil {
			return xray.NewEngineError(xray.ErrInvalidParameter, xray.StageFlatten.String(), "%v", err)
		}

		plane := algorithms.PlaneFrom(frame)
		var background *algorithms.Plane
		var err error
		if params.Method == xray.FlattenGaussian {
			background, err = algorithms.GaussianBackground(plane, params.Sigma)
		} else {
			background, err = algorithms.FitSurface(plane, params.Order)
		}
		if err != nil {
			return err
		}
		algorithms.Flatten(plane, background)
		plane.Store(frame)
		return nil
	})
}

// ApplyWindowLevel maps the frame through the linear VOI table for wl.
// Tables are cached, so repeated calls with the same window are cheap.
func (e *Engine) ApplyWindowLevel(frame *xray.ImageBuffer, wl xray.WindowLevel) bool {
	return e.run(xray.StageWindowLevel, frame, func() error {
		if err := wl.Validate(); err != nil {
			return xray.NewEngineError(xray.ErrInvalidParameter, xray.StageWindowLevel.String(), "%v", err)
		}
		e.luts.Get(wl).Apply(frame)
		return nil
	})
}

// ProcessFrame runs cfg's sequence and stops at the first failure. The
// last error and timing are those of the final stage attempted. With
// AutoWindow set the window is estimated from the frame as it reaches
// window/level.
func (e *Engine) ProcessFrame(frame *xray.ImageBuffer, cfg *xray.ProcessingConfig) bool {
	if cfg == nil {
		e.lastErr = xray.NewEngineError(xray.ErrInvalidParameter, "", "no processing config")
		return false
	}
	for _, stage := range cfg.Sequence() {
		if stage == xray.StageWindowLevel && cfg.AutoWindow {
			if !e.ApplyWindowLevel(frame, algorithms.EstimateWindow(frame, algorithms.DefaultWindowClip)) {
				return false
			}
			continue
		}
		if !xray.RunStage(e, stage, frame, cfg) {
			return false
		}
	}
	return true
}
