package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"xray-correction-core/pkg/xray"
)

// defaultHistory is the number of runs kept by a Recorder.
const defaultHistory = 256

// RunRecord summarizes one frame run.
type RunRecord struct {
	RunID       uuid.UUID
	FrameID     uint64
	Timestamp   time.Time
	Mode        xray.ProcessingMode
	Engine      string
	Success     bool
	Applied     xray.StageMask
	Skipped     xray.StageMask
	FailedStage xray.Stage
	Duration    time.Duration
	Warnings    int
	Error       string
}

// StageStats aggregates the timings of one stage across runs.
type StageStats struct {
	Runs     int
	Failures int
	Total    time.Duration
	Max      time.Duration
}

// Mean returns the average stage duration.
func (s StageStats) Mean() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Runs)
}

// Stats is a snapshot of everything a Recorder has seen.
type Stats struct {
	Frames      int
	Failures    int
	Warnings    int
	Total       time.Duration
	Stages      map[xray.Stage]StageStats
	LastRun     time.Time
	EngineSwaps int
}

// Recorder keeps per-run records and aggregated stage timings. It is safe
// for concurrent use, so batch workers can share one.
type Recorder struct {
	logger  logrus.FieldLogger
	mu      sync.Mutex
	history []RunRecord
	limit   int
	stats   Stats
}

// NewRecorder creates a recorder keeping the last limit runs.
func NewRecorder(logger logrus.FieldLogger, limit int) *Recorder {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &Recorder{
		logger: logger,
		limit:  limit,
		stats:  Stats{Stages: make(map[xray.Stage]StageStats)},
	}
}

// Record adds a finished run.
func (r *Recorder) Record(result *xray.ProcessedFrameResult) {
	rec := RunRecord{
		RunID:       result.RunID,
		Timestamp:   time.Now(),
		Mode:        result.Mode,
		Engine:      result.Engine.String(),
		Success:     result.Succeeded(),
		Applied:     result.Applied,
		Skipped:     result.Skipped,
		FailedStage: result.FailedStage,
		Duration:    result.TotalDuration,
		Warnings:    len(result.Warnings),
	}
	if result.Processed != nil {
		rec.FrameID = result.Processed.FrameID
	}
	if !result.Failure.IsZero() {
		rec.Error = result.Failure.Error()
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}
	r.stats.Frames++
	if !rec.Success {
		r.stats.Failures++
	}
	r.stats.Warnings += rec.Warnings
	r.stats.Total += rec.Duration
	r.stats.LastRun = rec.Timestamp
	for _, t := range result.Timings {
		s := r.stats.Stages[t.Stage]
		s.Runs++
		if !t.OK {
			s.Failures++
		}
		s.Total += t.Duration
		if t.Duration > s.Max {
			s.Max = t.Duration
		}
		r.stats.Stages[t.Stage] = s
	}
	r.mu.Unlock()

	fields := logrus.Fields{
		"run_id":      rec.RunID.String(),
		"frame_id":    rec.FrameID,
		"mode":        rec.Mode.String(),
		"engine":      rec.Engine,
		"applied":     rec.Applied.String(),
		"skipped":     rec.Skipped.String(),
		"duration_ms": rec.Duration.Milliseconds(),
		"warnings":    rec.Warnings,
	}
	if rec.Success {
		r.logger.WithFields(fields).Info("PIPELINE: Frame processed")
		return
	}
	fields["failed_stage"] = rec.FailedStage.String()
	fields["error"] = rec.Error
	r.logger.WithFields(fields).Error("PIPELINE: Frame processing failed")
}

// RecordEngineSwap notes that the orchestrator moved to another engine.
func (r *Recorder) RecordEngineSwap(from, to xray.EngineInfo) {
	r.mu.Lock()
	r.stats.EngineSwaps++
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("PIPELINE: Engine switched")
}

// Stats returns a copy of the aggregated statistics.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Stages = make(map[xray.Stage]StageStats, len(r.stats.Stages))
	for k, v := range r.stats.Stages {
		out.Stages[k] = v
	}
	return out
}

// History returns up to n of the most recent runs, oldest first.
func (r *Recorder) History(n int) []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]RunRecord, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// Reset clears history and statistics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
	r.stats = Stats{Stages: make(map[xray.Stage]StageStats)}
}
