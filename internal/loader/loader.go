// Package loader resolves engine modules at runtime, checks them against
// the engine ABI and falls back to the reference engine whenever a module
// cannot be used.
//
// Go plugins cannot be unloaded from a running process. Unloading a module
// here only drops it from the registry and stops handing it out; engines
// already created from it keep working until destroyed.
//
// Holding a *Handle is holding a strong reference: the registry keeps only
// weak pointers, so a handle stays loaded exactly as long as a caller, the
// active slot or one of its engines can reach it. Handle.Refs counts the
// active slot and live engine instances, not plain pointer holders.
package loader

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"
	"weak"

	"github.com/sirupsen/logrus"

	"xray-correction-core/internal/engine/reference"
	"xray-correction-core/pkg/xray"
)

// DefaultInitTimeout bounds plugin engine initialization.
const DefaultInitTimeout = 5 * time.Second

var (
	ErrMissingSymbol = errors.New("required symbol missing")
	ErrBadSymbol     = errors.New("symbol has the wrong type")
	ErrABIMismatch   = errors.New("engine ABI version mismatch")
)

// Option configures a Loader.
type Option func(*Loader)

func WithLogger(l logrus.FieldLogger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithOpener replaces the plugin opener, mostly for tests.
func WithOpener(o Opener) Option {
	return func(ld *Loader) { ld.opener = o }
}

func WithInitTimeout(d time.Duration) Option {
	return func(ld *Loader) { ld.initTimeout = d }
}

// WithReferenceOptions configures engines created by the fallback handle.
func WithReferenceOptions(opts ...reference.Option) Option {
	return func(ld *Loader) { ld.referenceOpts = opts }
}

// Loader owns the engine module registry and the active engine selection.
// The registry references modules weakly: a loaded module that is neither
// active nor held by a caller is forgotten after the next collection.
type Loader struct {
	logger        logrus.FieldLogger
	opener        Opener
	initTimeout   time.Duration
	referenceOpts []reference.Option

	mu       sync.Mutex
	plugins  map[string]weak.Pointer[Handle]
	active   *Handle
	fallback *Handle
	lastErr  xray.EngineError
}

// New creates a loader whose active engine is the reference engine.
func New(opts ...Option) *Loader {
	ld := &Loader{
		opener:      OpenPlugin,
		initTimeout: DefaultInitTimeout,
		plugins:     make(map[string]weak.Pointer[Handle]),
	}
	for _, opt := range opts {
		opt(ld)
	}
	if ld.logger == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		ld.logger = quiet
	}

	refOpts := ld.referenceOpts
	ld.fallback = newHandle("", func() xray.Engine {
		return reference.New(refOpts...)
	}, func(xray.Engine) {}, true, 0, ld.logger)
	ld.fallback.info = reference.Info()
	ld.active = ld.fallback
	ld.fallback.Retain()
	return ld
}

// Fallback returns the reference engine handle.
func (ld *Loader) Fallback() *Handle {
	return ld.fallback
}

// Active returns the handle new engines should be created from. It is
// never nil.
func (ld *Loader) Active() *Handle {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.active
}

// LoadPlugin opens, validates and registers the module at path. Loading an
// already registered path returns the registered handle, also when another
// goroutine registered it while this call was opening it. A probe engine is
// created and destroyed to check initialization and the reported ABI.
func (ld *Loader) LoadPlugin(path string) (*Handle, error) {
	path = filepath.Clean(path)

	ld.mu.Lock()
	if h := ld.registeredLocked(path); h != nil {
		ld.mu.Unlock()
		return h, nil
	}
	ld.mu.Unlock()

	h, err := ld.open(path)
	if err != nil {
		ld.recordError(err, path)
		return nil, err
	}

	ld.mu.Lock()
	if winner := ld.registeredLocked(path); winner != nil {
		ld.mu.Unlock()
		return winner, nil
	}
	ld.plugins[path] = weak.Make(h)
	ld.mu.Unlock()

	ld.logger.WithFields(logrus.Fields{
		"path":    path,
		"engine":  h.info.String(),
		"handle":  h.id.String(),
		"timeout": ld.initTimeout,
	}).Info("Engine plugin loaded")
	return h, nil
}

// registeredLocked returns the live handle registered for path, pruning a
// collected entry.
func (ld *Loader) registeredLocked(path string) *Handle {
	wp, ok := ld.plugins[path]
	if !ok {
		return nil
	}
	if h := wp.Value(); h != nil {
		return h
	}
	delete(ld.plugins, path)
	return nil
}

func (ld *Loader) open(path string) (*Handle, error) {
	mod, err := ld.opener(path)
	if err != nil {
		return nil, xray.NewEngineError(xray.ErrEngineLoad, "load", "%s: %v", path, err)
	}

	create, err := lookup[xray.CreateFunc](mod, xray.CreateSymbol)
	if err != nil {
		return nil, loadError(path, err)
	}
	destroy, err := lookup[xray.DestroyFunc](mod, xray.DestroySymbol)
	if err != nil {
		return nil, loadError(path, err)
	}

	h := newHandle(path, create, destroy, false, ld.initTimeout, ld.logger)

	if sym, err := mod.Lookup(xray.ManifestSymbol); err == nil {
		manifest, ok := sym.(*xray.Manifest)
		if !ok || manifest == nil {
			return nil, loadError(path, fmt.Errorf("%w: %s is %T", ErrBadSymbol, xray.ManifestSymbol, sym))
		}
		if manifest.ABIVersion != xray.ABIVersion {
			return nil, loadError(path, fmt.Errorf("%w: manifest declares %d, host requires %d",
				ErrABIMismatch, manifest.ABIVersion, xray.ABIVersion))
		}
		h.info = xray.EngineInfo{
			Name:       manifest.Name,
			Vendor:     manifest.Vendor,
			Version:    manifest.Version,
			ABIVersion: manifest.ABIVersion,
		}
	}

	probe, err := h.NewEngine()
	if err != nil {
		return nil, err
	}
	info := probe.GetEngineInfo()
	if err := h.DestroyEngine(probe); err != nil {
		return nil, loadError(path, err)
	}
	if info.ABIVersion != xray.ABIVersion {
		return nil, loadError(path, fmt.Errorf("%w: engine reports %d, host requires %d",
			ErrABIMismatch, info.ABIVersion, xray.ABIVersion))
	}
	h.info = info
	return h, nil
}

func lookup[T any](mod Module, symbol string) (T, error) {
	var zero T
	sym, err := mod.Lookup(symbol)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrMissingSymbol, symbol, err)
	}
	if v, ok := sym.(T); ok {
		return v, nil
	}
	// Exported variables of function type come back as pointers.
	if p, ok := sym.(*T); ok && p != nil {
		return *p, nil
	}
	return zero, fmt.Errorf("%w: %s is %T", ErrBadSymbol, symbol, sym)
}

// loadError wraps cause as an engine load error keeping it reachable
// through errors.Is.
func loadError(path string, cause error) error {
	return &LoadError{Path: path, Err: cause}
}

// LoadError describes why a module was refused.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load engine %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// UnloadPlugin drops h from the registry. If h is active the reference
// engine becomes active. Engines created from h stay valid.
func (ld *Loader) UnloadPlugin(h *Handle) {
	if h == nil || h.fallback {
		return
	}
	ld.mu.Lock()
	if wp, ok := ld.plugins[h.path]; ok && wp.Value() == h {
		delete(ld.plugins, h.path)
	}
	if ld.active == h {
		ld.setActiveLocked(ld.fallback)
	}
	ld.mu.Unlock()

	ld.logger.WithFields(logrus.Fields{
		"path":      h.path,
		"handle":    h.id.String(),
		"instances": h.Instances(),
	}).Info("Engine plugin unloaded")
}

// ReloadPlugin loads path again and makes it active. On failure the
// previous active engine stays in place.
func (ld *Loader) ReloadPlugin(path string) (*Handle, error) {
	path = filepath.Clean(path)

	h, err := ld.open(path)
	if err != nil {
		ld.recordError(err, path)
		return nil, err
	}

	ld.mu.Lock()
	previous := ld.active
	ld.plugins[path] = weak.Make(h)
	ld.setActiveLocked(h)
	ld.mu.Unlock()

	ld.logger.WithFields(logrus.Fields{
		"path":     path,
		"engine":   h.info.String(),
		"previous": previous.info.String(),
	}).Info("Engine plugin reloaded")
	return h, nil
}

// Create makes the module at path active and returns its handle. An empty
// path activates the reference engine. It always returns a usable handle:
// when the module cannot be loaded the previously active engine stays in
// place and is returned together with the load error. That is the
// reference engine unless another module was active.
func (ld *Loader) Create(path string) (*Handle, error) {
	if path == "" {
		ld.Activate(ld.fallback)
		return ld.fallback, nil
	}
	h, err := ld.LoadPlugin(path)
	if err != nil {
		active := ld.Active()
		ld.logger.WithFields(logrus.Fields{
			"path":   path,
			"engine": active.info.String(),
			"error":  err,
		}).Warn("Keeping active engine")
		return active, err
	}
	ld.Activate(h)
	return h, nil
}

// Activate makes h the active handle.
func (ld *Loader) Activate(h *Handle) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.setActiveLocked(h)
}

func (ld *Loader) setActiveLocked(h *Handle) {
	if ld.active == h {
		return
	}
	h.Retain()
	if ld.active != nil {
		ld.active.Release()
	}
	ld.active = h
}

// GetLoadedPlugins lists the registered modules still alive, pruning the
// ones that have been collected.
func (ld *Loader) GetLoadedPlugins() []*Handle {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	var out []*Handle
	for path, wp := range ld.plugins {
		h := wp.Value()
		if h == nil {
			delete(ld.plugins, path)
			continue
		}
		out = append(out, h)
	}
	return out
}

// FindPlugin returns a loaded module from vendor, or nil.
func (ld *Loader) FindPlugin(vendor string) *Handle {
	for _, h := range ld.GetLoadedPlugins() {
		if h.info.Vendor == vendor {
			return h
		}
	}
	return nil
}

// GetLastError returns the most recent load failure.
func (ld *Loader) GetLastError() xray.EngineError {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.lastErr
}

func (ld *Loader) ClearLastError() {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.lastErr = xray.EngineError{}
}

func (ld *Loader) recordError(err error, path string) {
	var engineErr xray.EngineError
	if !errors.As(err, &engineErr) {
		engineErr = xray.NewEngineError(xray.ErrEngineLoad, "load", "%v", err)
	}
	engineErr.Recoverable = true

	ld.mu.Lock()
	ld.lastErr = engineErr
	ld.mu.Unlock()

	ld.logger.WithFields(logrus.Fields{
		"path":  path,
		"code":  engineErr.Code.String(),
		"error": err,
	}).Error("Engine plugin rejected")
}
