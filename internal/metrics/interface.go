// Image statistics and quality metrics for 16-bit frames.
package metrics

import (
	"fmt"
	"sort"

	"xray-correction-core/pkg/xray"
)

// Metric compares a frame before and after a processing step.
type Metric interface {
	// Calculate computes the metric value
	Calculate(original, processed *xray.ImageBuffer) (float64, error)

	// GetName returns the metric name
	GetName() string

	// GetDescription returns the metric description
	GetDescription() string

	// IsHigherBetter returns true if higher values indicate better quality
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates a new metrics evaluator
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
	}
	e.RegisterDefaultMetrics()
	return e
}

// RegisterDefaultMetrics registers all default metrics
func (e *Evaluator) RegisterDefaultMetrics() {
	e.Register("psnr", NewPSNR())
	e.Register("mse", NewMSE())
	e.Register("mean_shift", NewMeanShift())
}

// Register registers a metric
func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names lists the registered metrics in sorted order.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptions maps every registered metric name to its description.
func (e *Evaluator) Descriptions() map[string]string {
	out := make(map[string]string, len(e.metrics))
	for name, metric := range e.metrics {
		out[name] = metric.GetDescription()
	}
	return out
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, original, processed *xray.ImageBuffer) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(original, processed)
}

// CalculateAll calculates all registered metrics, skipping those that fail.
func (e *Evaluator) CalculateAll(original, processed *xray.ImageBuffer) map[string]float64 {
	results := make(map[string]float64, len(e.metrics))
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(original, processed); err == nil {
			results[name] = value
		}
	}
	return results
}

// EvaluateStep combines the pairwise metrics with the statistics of the
// processed frame.
func (e *Evaluator) EvaluateStep(before, after *xray.ImageBuffer) map[string]float64 {
	results := e.CalculateAll(before, after)
	for k, v := range FrameStats(after).Map() {
		results[k] = v
	}
	return results
}
