package calibration

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"xray-correction-core/pkg/xray"
)

// DefaultMaxAge is how old a calibration may be before it is refused.
const DefaultMaxAge = 90 * 24 * time.Hour

// ErrNotLoaded is reported for dataset types that were never loaded.
var ErrNotLoaded = errors.New("calibration not loaded")

// Store owns the active calibration datasets for one detector geometry.
//
// Each dataset lives behind an atomic pointer. Loading never mutates a
// published dataset: a new one is built, validated and swapped in whole,
// so a reader holding the previous pointer keeps a consistent view.
type Store struct {
	width  int
	height int
	maxAge time.Duration
	now    func() time.Time
	logger logrus.FieldLogger

	dark    atomic.Pointer[xray.CalibrationData]
	gain    atomic.Pointer[xray.CalibrationData]
	defects atomic.Pointer[xray.DefectMap]
	scatter atomic.Pointer[xray.ScatterParams]

	mu       sync.Mutex
	attempts map[xray.CalibrationType]loadAttempt
}

type loadAttempt struct {
	path string
	at   time.Time
	err  error
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge overrides DefaultMaxAge. A non-positive age disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithClock replaces time.Now for age checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store for a width x height detector.
func NewStore(width, height int, opts ...Option) *Store {
	s := &Store{
		width:    width,
		height:   height,
		maxAge:   DefaultMaxAge,
		now:      time.Now,
		logger:   logrus.StandardLogger(),
		attempts: make(map[xray.CalibrationType]loadAttempt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dimensions returns the detector geometry the store validates against.
func (s *Store) Dimensions() (int, int) {
	return s.width, s.height
}

// LoadDarkFrame loads and activates a dark frame. On rejection the returned
// dataset has Valid == false and the previous dark frame stays active.
func (s *Store) LoadDarkFrame(path string) *xray.CalibrationData {
	return s.loadCoefficients(xray.DarkFrame, path, &s.dark)
}

// LoadGainMap loads and activates a gain map.
func (s *Store) LoadGainMap(path string) *xray.CalibrationData {
	return s.loadCoefficients(xray.GainMap, path, &s.gain)
}

// LoadDefectMap loads and activates a defect map.
func (s *Store) LoadDefectMap(path string) *xray.DefectMap {
	m, err := s.readDefectMap(path)
	s.record(xray.DefectMapType, path, err)
	if err != nil {
		return &xray.DefectMap{Source: path, Err: err}
	}
	s.defects.Store(m)
	return m
}

// LoadScatterParams loads and activates scatter parameters.
func (s *Store) LoadScatterParams(path string) *xray.ScatterParams {
	p, err := s.readScatterParams(path)
	s.record(xray.ScatterParamsType, path, err)
	if err != nil {
		return &xray.ScatterParams{Source: path, Err: err}
	}
	s.scatter.Store(p)
	return p
}

// HotReload replaces one dataset from path. It is safe to call while
// frames are being processed.
func (s *Store) HotReload(t xray.CalibrationType, path string) error {
	var err error
	switch t {
	case xray.DarkFrame:
		err = s.LoadDarkFrame(path).Err
	case xray.GainMap:
		err = s.LoadGainMap(path).Err
	case xray.DefectMapType:
		err = s.LoadDefectMap(path).Err
	case xray.ScatterParamsType:
		err = s.LoadScatterParams(path).Err
	default:
		return fmt.Errorf("%w: cannot reload %s", ErrTypeMismatch, t)
	}
	if err != nil {
		return fmt.Errorf("hot reload of %s from %s: %w", t, path, err)
	}
	return nil
}

// Paths names the files of a calibration set. Empty entries are skipped.
type Paths struct {
	DarkFrame     string
	GainMap       string
	DefectMap     string
	ScatterParams string
}

// ByType maps the non-empty paths by dataset type.
func (p Paths) ByType() map[xray.CalibrationType]string {
	out := make(map[xray.CalibrationType]string, 4)
	for t, path := range map[xray.CalibrationType]string{
		xray.DarkFrame:         p.DarkFrame,
		xray.GainMap:           p.GainMap,
		xray.DefectMapType:     p.DefectMap,
		xray.ScatterParamsType: p.ScatterParams,
	} {
		if path != "" {
			out[t] = path
		}
	}
	return out
}

// LoadAll loads every configured dataset and joins the failures.
func (s *Store) LoadAll(p Paths) error {
	var errs []error
	for _, t := range []xray.CalibrationType{xray.DarkFrame, xray.GainMap, xray.DefectMapType, xray.ScatterParamsType} {
		path, ok := p.ByType()[t]
		if !ok {
			continue
		}
		if err := s.HotReload(t, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetCalibration returns the active dark frame or gain map, or nil.
// The result is shared and must not be modified.
func (s *Store) GetCalibration(t xray.CalibrationType) *xray.CalibrationData {
	switch t {
	case xray.DarkFrame:
		return s.dark.Load()
	case xray.GainMap:
		return s.gain.Load()
	default:
		return nil
	}
}

// GetDefectMap returns the active defect map, or nil.
func (s *Store) GetDefectMap() *xray.DefectMap {
	return s.defects.Load()
}

// GetScatterParams returns the active scatter parameters, or nil.
func (s *Store) GetScatterParams() *xray.ScatterParams {
	return s.scatter.Load()
}

// Snapshot captures the datasets active at one instant. A frame that
// works from a snapshot is unaffected by later reloads.
type Snapshot struct {
	DarkFrame *xray.CalibrationData
	GainMap   *xray.CalibrationData
	DefectMap *xray.DefectMap
	Scatter   *xray.ScatterParams
	Taken     time.Time
}

// Snapshot returns the current datasets.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		DarkFrame: s.dark.Load(),
		GainMap:   s.gain.Load(),
		DefectMap: s.defects.Load(),
		Scatter:   s.scatter.Load(),
		Taken:     s.now(),
	}
}

// LastError returns the error of the most recent load attempt for t.
func (s *Store) LastError(t xray.CalibrationType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[t]
	if !ok {
		return ErrNotLoaded
	}
	return a.err
}

// DatasetStatus describes one dataset type.
type DatasetStatus struct {
	Type        xray.CalibrationType
	Loaded      bool
	Valid       bool
	Expired     bool
	Source      string
	Timestamp   time.Time
	Age         time.Duration
	Checksum    string
	LastAttempt time.Time
	LastError   string
}

// GetCalibrationStatus reports every dataset type in a fixed order.
func (s *Store) GetCalibrationStatus() []DatasetStatus {
	now := s.now()
	s.mu.Lock()
	attempts := make(map[xray.CalibrationType]loadAttempt, len(s.attempts))
	for k, v := range s.attempts {
		attempts[k] = v
	}
	s.mu.Unlock()

	status := make([]DatasetStatus, 0, 4)
	add := func(t xray.CalibrationType, loaded, valid bool, source string, ts time.Time, sum []byte) {
		st := DatasetStatus{Type: t, Loaded: loaded, Valid: valid, Source: source}
		if loaded {
			st.Timestamp = ts
			st.Age = now.Sub(ts)
			st.Expired = s.maxAge > 0 && st.Age > s.maxAge
			if sum != nil {
				st.Checksum = hex.EncodeToString(sum)
			}
		}
		if a, ok := attempts[t]; ok {
			st.LastAttempt = a.at
			if a.err != nil {
				st.LastError = a.err.Error()
			}
		}
		status = append(status, st)
	}

	if c := s.dark.Load(); c != nil {
		add(xray.DarkFrame, true, c.Valid, c.Source, c.Timestamp, c.Checksum[:])
	} else {
		add(xray.DarkFrame, false, false, "", time.Time{}, nil)
	}
	if c := s.gain.Load(); c != nil {
		add(xray.GainMap, true, c.Valid, c.Source, c.Timestamp, c.Checksum[:])
	} else {
		add(xray.GainMap, false, false, "", time.Time{}, nil)
	}
	if m := s.defects.Load(); m != nil {
		add(xray.DefectMapType, true, m.Valid, m.Source, m.Timestamp, m.Checksum[:])
	} else {
		add(xray.DefectMapType, false, false, "", time.Time{}, nil)
	}
	if p := s.scatter.Load(); p != nil {
		add(xray.ScatterParamsType, true, p.Valid, p.Source, p.Timestamp, p.Checksum[:])
	} else {
		add(xray.ScatterParamsType, false, false, "", time.Time{}, nil)
	}
	return status
}

func (s *Store) loadCoefficients(t xray.CalibrationType, path string, slot *atomic.Pointer[xray.CalibrationData]) *xray.CalibrationData {
	c, err := s.readCoefficients(t, path)
	s.record(t, path, err)
	if err != nil {
		return &xray.CalibrationData{Type: t, Source: path, Err: err}
	}
	slot.Store(c)
	return c
}

func (s *Store) record(t xray.CalibrationType, path string, err error) {
	s.mu.Lock()
	s.attempts[t] = loadAttempt{path: path, at: s.now(), err: err}
	s.mu.Unlock()

	fields := logrus.Fields{"type": t.String(), "path": path}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Calibration rejected, keeping last known good dataset")
		return
	}
	s.logger.WithFields(fields).Info("Calibration loaded")
}

// readHeader decodes path and applies the checks shared by every type.
func (s *Store) readHeader(t xray.CalibrationType, path string) (Header, []byte, error) {
	h, payload, err := ReadFile(path)
	if err != nil {
		return h, nil, err
	}
	if h.Type() != t {
		return h, nil, fmt.Errorf("%w: file holds %s, want %s", ErrTypeMismatch, h.Type(), t)
	}
	if int(h.Width) != s.width || int(h.Height) != s.height {
		return h, nil, fmt.Errorf("%w: file is %dx%d, detector is %dx%d", ErrDimensionMismatch, h.Width, h.Height, s.width, s.height)
	}
	if s.maxAge > 0 {
		if age := s.now().Sub(h.Timestamp()); age > s.maxAge {
			return h, nil, fmt.Errorf("%w: acquired %s ago, limit %s", ErrExpired, age.Round(time.Hour), s.maxAge)
		}
	}
	return h, payload, nil
}

func (s *Store) readCoefficients(t xray.CalibrationType, path string) (*xray.CalibrationData, error) {
	h, payload, err := s.readHeader(t, path)
	if err != nil {
		return nil, err
	}
	coeffs, err := decodeCoefficients(h, payload)
	if err != nil {
		return nil, err
	}
	return &xray.CalibrationData{
		Type:         t,
		Width:        int(h.Width),
		Height:       int(h.Height),
		Coefficients: coeffs,
		Checksum:     h.Checksum,
		Timestamp:    h.Timestamp(),
		Valid:        true,
		Source:       path,
	}, nil
}

func (s *Store) readDefectMap(path string) (*xray.DefectMap, error) {
	h, payload, err := s.readHeader(xray.DefectMapType, path)
	if err != nil {
		return nil, err
	}
	entries, err := decodeDefects(h, payload)
	if err != nil {
		return nil, err
	}
	return &xray.DefectMap{
		Width:     int(h.Width),
		Height:    int(h.Height),
		Entries:   entries,
		Count:     len(entries),
		Checksum:  h.Checksum,
		Timestamp: h.Timestamp(),
		Valid:     true,
		Source:    path,
	}, nil
}

func (s *Store) readScatterParams(path string) (*xray.ScatterParams, error) {
	h, payload, err := s.readHeader(xray.ScatterParamsType, path)
	if err != nil {
		return nil, err
	}
	p, err := decodeScatter(payload)
	if err != nil {
		return nil, err
	}
	p.Checksum = h.Checksum
	p.Timestamp = h.Timestamp()
	p.Valid = true
	p.Source = path
	return &p, nil
}
