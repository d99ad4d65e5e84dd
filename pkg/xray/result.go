package xray

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is a single correction stage. Stages double as bits of a StageMask.
type Stage uint16

const (
	StageOffset Stage = 1 << iota
	StageGain
	StageDefect
	StageScatter
	StageNoise
	StageFlatten
	StageWindowLevel
)

// StageNone marks the absence of a stage, e.g. no failure.
const StageNone Stage = 0

var (
	// FullSequence is the fixed order of the full correction pipeline.
	FullSequence = []Stage{StageOffset, StageGain, StageDefect, StageScatter, StageNoise, StageFlatten, StageWindowLevel}
	// PreviewSequence is the reduced path used for fast previews.
	PreviewSequence = []Stage{StageOffset, StageGain, StageWindowLevel}
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageOffset:
		return "offset"
	case StageGain:
		return "gain"
	case StageDefect:
		return "defect"
	case StageScatter:
		return "scatter"
	case StageNoise:
		return "noise"
	case StageFlatten:
		return "flatten"
	case StageWindowLevel:
		return "window_level"
	default:
		return fmt.Sprintf("stage(%d)", uint16(s))
	}
}

// StageMask is a set of stages.
type StageMask uint16

// Has reports whether s is in the mask.
func (m StageMask) Has(s Stage) bool {
	return m&StageMask(s) != 0
}

// With returns the mask with s added.
func (m StageMask) With(s Stage) StageMask {
	return m | StageMask(s)
}

// Stages lists the members in pipeline order.
func (m StageMask) Stages() []Stage {
	var out []Stage
	for _, s := range FullSequence {
		if m.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m StageMask) String() string {
	stages := m.Stages()
	if len(stages) == 0 {
		return "[]"
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}

// StageTiming records one stage execution.
type StageTiming struct {
	Stage    Stage
	Start    time.Time
	Duration time.Duration
	OK       bool
	Metrics  map[string]float64
}

// FrameState is a position in the per-frame processing state machine.
type FrameState int

const (
	StateReceived FrameState = iota
	StateOffset
	StateGain
	StateDefect
	StateScatter
	StateNoise
	StateFlatten
	StateWindowLevel
	StateDone
	StateFailed
)

func (s FrameState) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateOffset:
		return "OFFSET"
	case StateGain:
		return "GAIN"
	case StateDefect:
		return "DEFECT"
	case StateScatter:
		return "SCATTER"
	case StateNoise:
		return "NOISE"
	case StateFlatten:
		return "FLATTEN"
	case StateWindowLevel:
		return "WINDOW_LEVEL"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// StateFor maps a stage onto the state entered while it runs.
func StateFor(s Stage) FrameState {
	switch s {
	case StageOffset:
		return StateOffset
	case StageGain:
		return StateGain
	case StageDefect:
		return StateDefect
	case StageScatter:
		return StateScatter
	case StageNoise:
		return StateNoise
	case StageFlatten:
		return StateFlatten
	case StageWindowLevel:
		return StateWindowLevel
	default:
		return StateReceived
	}
}

// ProcessedFrameResult is handed to the caller once per frame run.
//
// Processed is the caller's frame, corrected in place. Raw is a deep copy
// of that frame taken before any stage ran and never shares storage with
// Processed. Corrected, when retained, is the frame just before
// window/level. Window is the display mapping last applied to Processed.
type ProcessedFrameResult struct {
	RunID         uuid.UUID
	Processed     *ImageBuffer
	Raw           *ImageBuffer
	Corrected     *ImageBuffer
	Mode          ProcessingMode
	TotalDuration time.Duration
	Applied       StageMask
	Skipped       StageMask
	Timings       []StageTiming
	Engine        EngineInfo
	Window        WindowLevel
	State         FrameState
	FailedStage   Stage
	Failure       EngineError
	Warnings      []EngineError
}

// Succeeded reports whether every stage of the sequence completed.
func (r *ProcessedFrameResult) Succeeded() bool {
	return r.State == StateDone
}

// Timing returns the recorded timing for s.
func (r *ProcessedFrameResult) Timing(s Stage) (StageTiming, bool) {
	for _, t := range r.Timings {
		if t.Stage == s {
			return t, true
		}
	}
	return StageTiming{}, false
}
