package loader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"xray-correction-core/pkg/xray"
)

// ErrForeignEngine is returned when an engine is handed to a handle that
// did not create it.
var ErrForeignEngine = errors.New("engine was not created by this handle")

// Handle is a loaded engine module. It creates engine instances and must
// be the one to destroy them, since the module that allocated an instance
// owns its teardown.
type Handle struct {
	id          uuid.UUID
	path        string
	info        xray.EngineInfo
	create      xray.CreateFunc
	destroy     xray.DestroyFunc
	fallback    bool
	initTimeout time.Duration
	loadedAt    time.Time
	logger      logrus.FieldLogger

	refs atomic.Int32

	mu        sync.Mutex
	instances map[*guardedEngine]struct{}
}

func newHandle(path string, create xray.CreateFunc, destroy xray.DestroyFunc, fallback bool, initTimeout time.Duration, logger logrus.FieldLogger) *Handle {
	return &Handle{
		id:          uuid.New(),
		path:        path,
		create:      create,
		destroy:     destroy,
		fallback:    fallback,
		initTimeout: initTimeout,
		loadedAt:    time.Now(),
		logger:      logger,
		instances:   make(map[*guardedEngine]struct{}),
	}
}

func (h *Handle) ID() uuid.UUID         { return h.id }
func (h *Handle) Path() string          { return h.path }
func (h *Handle) Info() xray.EngineInfo { return h.info }
func (h *Handle) IsFallback() bool      { return h.fallback }
func (h *Handle) LoadedAt() time.Time   { return h.loadedAt }
func (h *Handle) Refs() int             { return int(h.refs.Load()) }
func (h *Handle) Retain()               { h.refs.Add(1) }
func (h *Handle) Release()              { h.refs.Add(-1) }

// Instances returns the number of live engines created by h.
func (h *Handle) Instances() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.instances)
}

// NewEngine creates and initializes an engine. Initialization is bounded
// by the loader's init timeout; an engine that does not answer in time is
// abandoned.
func (h *Handle) NewEngine() (xray.Engine, error) {
	inner, err := h.safeCreate()
	if err != nil {
		return nil, err
	}
	g := &guardedEngine{inner: inner, handle: h}

	if err := h.initialize(g); err != nil {
		var engineErr xray.EngineError
		if !errors.As(err, &engineErr) || engineErr.Code != xray.ErrTimeout {
			h.safeDestroy(inner)
		}
		return nil, err
	}

	h.mu.Lock()
	h.instances[g] = struct{}{}
	h.mu.Unlock()
	h.Retain()
	return g, nil
}

// DestroyEngine shuts down an engine created by h and hands it back to the
// module's destroy function.
func (h *Handle) DestroyEngine(e xray.Engine) error {
	g, ok := e.(*guardedEngine)
	if !ok || g.handle != h {
		return ErrForeignEngine
	}
	h.mu.Lock()
	if _, live := h.instances[g]; !live {
		h.mu.Unlock()
		return fmt.Errorf("%w: already destroyed", ErrForeignEngine)
	}
	delete(h.instances, g)
	h.mu.Unlock()

	g.Shutdown()
	h.safeDestroy(g.inner)
	h.Release()
	return nil
}

func (h *Handle) safeCreate() (e xray.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xray.NewEngineError(xray.ErrEngineLoad, "create", "engine factory panicked: %v", r)
		}
	}()
	e = h.create()
	if e == nil {
		return nil, xray.NewEngineError(xray.ErrAllocation, "create", "engine factory returned nil")
	}
	return e, nil
}

func (h *Handle) safeDestroy(e xray.Engine) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"engine": h.info.String(),
				"panic":  r,
			}).Error("Engine destroy function panicked")
		}
	}()
	h.destroy(e)
}

func (h *Handle) initialize(g *guardedEngine) error {
	done := make(chan bool, 1)
	go func() { done <- g.Initialize() }()

	var timeout <-chan time.Time
	if h.initTimeout > 0 {
		timer := time.NewTimer(h.initTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ok := <-done:
		if ok {
			return nil
		}
		cause := g.GetLastError()
		err := xray.NewEngineError(xray.ErrInitialization, "initialize", "engine failed to initialize")
		if !cause.IsZero() {
			err.Message += ": " + cause.Message
		}
		return err
	case <-timeout:
		return xray.NewEngineError(xray.ErrTimeout, "initialize", "engine did not initialize within %s", h.initTimeout)
	}
}
