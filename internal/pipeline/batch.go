package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"xray-correction-core/pkg/xray"
)

// BatchProcessor corrects independent frames concurrently. Each worker owns
// an Orchestrator, and with it an engine instance, so no engine is ever
// called from two goroutines. All workers share one Recorder.
type BatchProcessor struct {
	source  EngineSource
	store   CalibrationSource
	workers int
	opts    []Option
	rec     *Recorder
}

// NewBatchProcessor creates a processor with the given worker count; zero
// or less means one worker per CPU.
func NewBatchProcessor(source EngineSource, store CalibrationSource, workers int, opts ...Option) *BatchProcessor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	o := buildOptions(opts)
	return &BatchProcessor{
		source:  source,
		store:   store,
		workers: workers,
		opts: []Option{
			WithLogger(o.logger),
			WithRecorder(o.recorder),
			WithEvaluator(o.evaluator),
		},
		rec: o.recorder,
	}
}

// Workers returns the number of concurrent orchestrators.
func (b *BatchProcessor) Workers() int {
	return b.workers
}

// Stats returns the shared recorder's statistics.
func (b *BatchProcessor) Stats() Stats {
	return b.rec.Stats()
}

// Process runs cfg over every frame. results[i] belongs to frames[i] and is
// nil only for frames never started because ctx was cancelled. A failing
// frame does not stop the others; all frame errors are joined into the
// returned error.
func (b *BatchProcessor) Process(ctx context.Context, frames []*xray.ImageBuffer, cfg xray.ProcessingConfig) ([]*xray.ProcessedFrameResult, error) {
	results := make([]*xray.ProcessedFrameResult, len(frames))
	errs := make([]error, len(frames))

	g, ctx := errgroup.WithContext(ctx)
	next := make(chan int)

	g.Go(func() error {
		defer close(next)
		for i := range frames {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case next <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	workers := min(b.workers, max(len(frames), 1))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			orch := New(b.source, b.store, b.opts...)
			defer orch.Close()
			for i := range next {
				res, err := orch.ProcessFrame(frames[i], &cfg)
				results[i] = res
				if err != nil {
					errs[i] = fmt.Errorf("frame %d: %w", i, err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return results, errors.Join(append(errs, err)...)
}
