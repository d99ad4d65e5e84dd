package xray

import (
	"fmt"
	"time"
)

// ABIVersion is bumped whenever Engine or any type crossing the plugin
// boundary changes shape. Plugins built against another value are refused.
const ABIVersion = 1

// Symbols every engine plugin exports.
const (
	CreateSymbol   = "CreateEngine"
	DestroySymbol  = "DestroyEngine"
	ManifestSymbol = "EngineManifest"
)

// CreateFunc is the signature of a plugin's CreateSymbol export.
type CreateFunc = func() Engine

// DestroyFunc is the signature of a plugin's DestroySymbol export. An
// instance must be destroyed by the module that created it.
type DestroyFunc = func(Engine)

// Manifest is the optional metadata variable a plugin exports as
// ManifestSymbol. It is checked before any instance is created.
type Manifest struct {
	Name       string
	Vendor     string
	Version    string
	ABIVersion int
}

// Engine is the processing-engine contract.
//
// Every stage mutates the frame in place and reports success with its
// boolean result. Failures are described by GetLastError, which is reset
// at the start of every call; a successful call may leave a recoverable
// warning there. Implementations must not panic out of any method and must
// not replace the frame's data block. A single instance is not safe for
// concurrent use.
type Engine interface {
	Initialize() bool
	Shutdown()

	ApplyOffsetCorrection(frame *ImageBuffer, dark *CalibrationData) bool
	ApplyGainCorrection(frame *ImageBuffer, gain *CalibrationData) bool
	ApplyDefectPixelMap(frame *ImageBuffer, defects *DefectMap) bool
	ApplyScatterCorrection(frame *ImageBuffer, params *ScatterParams) bool
	ApplyNoiseReduction(frame *ImageBuffer, params *NoiseReductionParams) bool
	ApplyFlattening(frame *ImageBuffer, params *FlatteningParams) bool
	ApplyWindowLevel(frame *ImageBuffer, wl WindowLevel) bool

	// ProcessFrame runs the configured sequence in order and stops at the
	// first failing stage.
	ProcessFrame(frame *ImageBuffer, cfg *ProcessingConfig) bool

	GetEngineInfo() EngineInfo
	GetLastError() EngineError
	GetLastTiming() StageTiming
}

// EngineInfo identifies an engine implementation.
type EngineInfo struct {
	Name         string
	Vendor       string
	Version      string
	ABIVersion   int
	Capabilities []string
}

func (i EngineInfo) String() string {
	return fmt.Sprintf("%s/%s %s (abi %d)", i.Vendor, i.Name, i.Version, i.ABIVersion)
}

// ErrorCode classifies engine and pipeline failures.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInitialization
	ErrInvalidParameter
	ErrDimensionMismatch
	ErrCalibrationInvalid
	ErrEngineLoad
	ErrExecution
	ErrTimeout
	ErrAllocation
	ErrUnsupported
	ErrDegraded
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrInitialization:
		return "initialization"
	case ErrInvalidParameter:
		return "invalid_parameter"
	case ErrDimensionMismatch:
		return "dimension_mismatch"
	case ErrCalibrationInvalid:
		return "calibration_invalid"
	case ErrEngineLoad:
		return "engine_load"
	case ErrExecution:
		return "execution"
	case ErrTimeout:
		return "timeout"
	case ErrAllocation:
		return "allocation"
	case ErrUnsupported:
		return "unsupported"
	case ErrDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("error_code(%d)", int(c))
	}
}

// EngineError is the last-error record of an engine. The zero value means
// no error.
type EngineError struct {
	Code        ErrorCode
	Message     string
	Stage       string
	Recoverable bool
	Time        time.Time
}

// NewEngineError builds an error record stamped with the current time.
func NewEngineError(code ErrorCode, stage, format string, args ...any) EngineError {
	return EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stage:   stage,
		Time:    time.Now(),
	}
}

// IsZero reports whether no error is recorded.
func (e EngineError) IsZero() bool {
	return e.Code == ErrNone
}

func (e EngineError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
}

// RunStage calls the Engine method implementing stage with the matching
// part of cfg. Unknown stages report failure.
func RunStage(e Engine, stage Stage, frame *ImageBuffer, cfg *ProcessingConfig) bool {
	switch stage {
	case StageOffset:
		return e.ApplyOffsetCorrection(frame, cfg.DarkFrame)
	case StageGain:
		return e.ApplyGainCorrection(frame, cfg.GainMap)
	case StageDefect:
		return e.ApplyDefectPixelMap(frame, cfg.DefectMap)
	case StageScatter:
		return e.ApplyScatterCorrection(frame, cfg.Scatter)
	case StageNoise:
		return e.ApplyNoiseReduction(frame, &cfg.Noise)
	case StageFlatten:
		return e.ApplyFlattening(frame, &cfg.Flattening)
	case StageWindowLevel:
		return e.ApplyWindowLevel(frame, cfg.Window)
	default:
		return false
	}
}
