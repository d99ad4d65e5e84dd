package loader

import (
	"xray-correction-core/pkg/xray"
)

// guardedEngine keeps panics raised inside plugin code from reaching the
// host. A recovered panic fails the call and becomes the last error.
type guardedEngine struct {
	inner  xray.Engine
	handle *Handle
	panic  xray.EngineError
}

var _ xray.Engine = (*guardedEngine)(nil)

func (g *guardedEngine) guard(stage string, ok *bool) {
	if r := recover(); r != nil {
		g.panic = xray.NewEngineError(xray.ErrExecution, stage, "engine panicked: %v", r)
		if ok != nil {
			*ok = false
		}
		g.handle.logger.WithField("engine", g.handle.info.String()).WithField("stage", stage).
			Error("Recovered panic from engine")
	}
}

func (g *guardedEngine) call(stage xray.Stage, fn func() bool) (ok bool) {
	g.panic = xray.EngineError{}
	defer g.guard(stage.String(), &ok)
	return fn()
}

func (g *guardedEngine) Initialize() (ok bool) {
	g.panic = xray.EngineError{}
	defer g.guard("initialize", &ok)
	return g.inner.Initialize()
}

func (g *guardedEngine) Shutdown() {
	defer g.guard("shutdown", nil)
	g.inner.Shutdown()
}

func (g *guardedEngine) ApplyOffsetCorrection(frame *xray.ImageBuffer, dark *xray.CalibrationData) bool {
	return g.call(xray.StageOffset, func() bool { return g.inner.ApplyOffsetCorrection(frame, dark) })
}

func (g *guardedEngine) ApplyGainCorrection(frame *xray.ImageBuffer, gain *xray.CalibrationData) bool {
	return g.call(xray.StageGain, func() bool { return g.inner.ApplyGainCorrection(frame, gain) })
}

func (g *guardedEngine) ApplyDefectPixelMap(frame *xray.ImageBuffer, defects *xray.DefectMap) bool {
	return g.call(xray.StageDefect, func() bool { return g.inner.ApplyDefectPixelMap(frame, defects) })
}

func (g *guardedEngine) ApplyScatterCorrection(frame *xray.ImageBuffer, params *xray.ScatterParams) bool {
	return g.call(xray.StageScatter, func() bool { return g.inner.ApplyScatterCorrection(frame, params) })
}

func (g *guardedEngine) ApplyNoiseReduction(frame *xray.ImageBuffer, params *xray.NoiseReductionParams) bool {
	return g.call(xray.StageNoise, func() bool { return g.inner.ApplyNoiseReduction(frame, params) })
}

func (g *guardedEngine) ApplyFlattening(frame *xray.ImageBuffer, params *xray.FlatteningParams) bool {
	return g.call(xray.StageFlatten, func() bool { return g.inner.ApplyFlattening(frame, params) })
}

func (g *guardedEngine) ApplyWindowLevel(frame *xray.ImageBuffer, wl xray.WindowLevel) bool {
	return g.call(xray.StageWindowLevel, func() bool { return g.inner.ApplyWindowLevel(frame, wl) })
}

func (g *guardedEngine) ProcessFrame(frame *xray.ImageBuffer, cfg *xray.ProcessingConfig) (ok bool) {
	g.panic = xray.EngineError{}
	defer g.guard("process_frame", &ok)
	return g.inner.ProcessFrame(frame, cfg)
}

func (g *guardedEngine) GetEngineInfo() (info xray.EngineInfo) {
	defer g.guard("info", nil)
	return g.inner.GetEngineInfo()
}

func (g *guardedEngine) GetLastError() (err xray.EngineError) {
	if !g.panic.IsZero() {
		return g.panic
	}
	defer func() {
		if r := recover(); r != nil {
			err = xray.NewEngineError(xray.ErrExecution, "", "engine panicked reporting its last error: %v", r)
		}
	}()
	return g.inner.GetLastError()
}

func (g *guardedEngine) GetLastTiming() (timing xray.StageTiming) {
	defer g.guard("timing", nil)
	return g.inner.GetLastTiming()
}
