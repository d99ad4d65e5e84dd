// Package calibration loads, validates and caches detector calibration
// datasets and swaps them atomically while frames are being processed.
package calibration

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"xray-correction-core/pkg/xray"
)

// File layout constants. All multi-byte fields are little-endian.
const (
	Magic         = "XCAL"
	FormatVersion = 1
	HeaderSize    = 64

	defectRecordSize  = 12
	scatterRecordSize = 16

	maxFileSize = HeaderSize + xray.MaxDimension*xray.MaxDimension*4
)

var (
	ErrBadMagic           = errors.New("bad calibration magic")
	ErrUnsupportedVersion = errors.New("unsupported calibration format version")
	ErrTypeMismatch       = errors.New("calibration data type mismatch")
	ErrDimensionMismatch  = errors.New("calibration dimensions do not match detector")
	ErrPayloadLength      = errors.New("calibration payload length mismatch")
	ErrChecksumMismatch   = errors.New("calibration checksum mismatch")
	ErrExpired            = errors.New("calibration older than maximum age")
	ErrInvalidPayload     = errors.New("invalid calibration payload")
)

// Header is the fixed 64-byte file header.
type Header struct {
	Magic           [4]byte
	Version         uint16
	DataType        uint16
	Width           uint32
	Height          uint32
	TimestampMicros int64
	Checksum        [32]byte
	PayloadLength   uint64
}

// Timestamp converts the acquisition time stamp.
func (h *Header) Timestamp() time.Time {
	return time.UnixMicro(h.TimestampMicros)
}

// Type returns the data type tag.
func (h *Header) Type() xray.CalibrationType {
	return xray.CalibrationType(h.DataType)
}

// Decode parses a complete calibration file image and verifies magic,
// version, payload length and checksum. Type, geometry and age checks are
// left to the caller, which knows what it expects.
func Decode(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, fmt.Errorf("%w: file is %d bytes, header needs %d", ErrPayloadLength, len(data), HeaderSize)
	}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, nil, fmt.Errorf("failed to read calibration header: %w", err)
	}
	if string(h.Magic[:]) != Magic {
		return h, nil, fmt.Errorf("%w: %q", ErrBadMagic, h.Magic[:])
	}
	if h.Version != FormatVersion {
		return h, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	payload := data[HeaderSize:]
	if uint64(len(payload)) != h.PayloadLength {
		return h, nil, fmt.Errorf("%w: header says %d bytes, file carries %d", ErrPayloadLength, h.PayloadLength, len(payload))
	}
	if sum := sha256.Sum256(payload); sum != h.Checksum {
		return h, nil, ErrChecksumMismatch
	}
	return h, payload, nil
}

// ReadFile reads and decodes a calibration file.
func ReadFile(path string) (Header, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to stat calibration file: %w", err)
	}
	if info.Size() > maxFileSize {
		return Header{}, nil, fmt.Errorf("%w: file of %d bytes exceeds %d", ErrPayloadLength, info.Size(), int64(maxFileSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	return Decode(data)
}

func decodeCoefficients(h Header, payload []byte) ([]float32, error) {
	n := int(h.Width) * int(h.Height)
	if len(payload) != n*4 {
		return nil, fmt.Errorf("%w: %d bytes for %d coefficients", ErrPayloadLength, len(payload), n)
	}
	coeffs := make([]float32, n)
	for i := range coeffs {
		v := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient at index %d", ErrInvalidPayload, i)
		}
		coeffs[i] = v
	}
	return coeffs, nil
}

func decodeDefects(h Header, payload []byte) ([]xray.DefectEntry, error) {
	if len(payload)%defectRecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of defect records", ErrPayloadLength, len(payload))
	}
	entries := make([]xray.DefectEntry, len(payload)/defectRecordSize)
	for i := range entries {
		rec := payload[i*defectRecordSize:]
		e := xray.DefectEntry{
			X:      int(binary.LittleEndian.Uint32(rec[0:])),
			Y:      int(binary.LittleEndian.Uint32(rec[4:])),
			Kind:   xray.DefectKind(rec[8]),
			Method: xray.InterpolationMethod(rec[9]),
		}
		if e.X >= int(h.Width) || e.Y >= int(h.Height) {
			return nil, fmt.Errorf("%w: defect %d at (%d,%d) outside %dx%d", ErrInvalidPayload, i, e.X, e.Y, h.Width, h.Height)
		}
		if e.Kind > xray.DefectCluster {
			return nil, fmt.Errorf("%w: defect %d has unknown kind %d", ErrInvalidPayload, i, e.Kind)
		}
		if e.Method > xray.InterpolateMedian3x3 {
			return nil, fmt.Errorf("%w: defect %d has unknown interpolation %d", ErrInvalidPayload, i, e.Method)
		}
		entries[i] = e
	}
	return entries, nil
}

func decodeScatter(payload []byte) (xray.ScatterParams, error) {
	if len(payload) != scatterRecordSize {
		return xray.ScatterParams{}, fmt.Errorf("%w: scatter record is %d bytes, want %d", ErrPayloadLength, len(payload), scatterRecordSize)
	}
	p := xray.ScatterParams{
		Enabled:          payload[0] != 0,
		Algorithm:        xray.ScatterAlgorithm(payload[1]),
		Flags:            binary.LittleEndian.Uint16(payload[2:]),
		CutoffFrequency:  float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[4:]))),
		SuppressionRatio: float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[8:]))),
		PolynomialOrder:  int(binary.LittleEndian.Uint32(payload[12:])),
	}
	if err := p.Validate(); err != nil {
		return xray.ScatterParams{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

func encode(w io.Writer, t xray.CalibrationType, width, height int, ts time.Time, payload []byte) error {
	h := Header{
		Version:         FormatVersion,
		DataType:        uint16(t),
		Width:           uint32(width),
		Height:          uint32(height),
		TimestampMicros: ts.UnixMicro(),
		Checksum:        sha256.Sum256(payload),
		PayloadLength:   uint64(len(payload)),
	}
	copy(h.Magic[:], Magic)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write calibration header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write calibration payload: %w", err)
	}
	return nil
}

// EncodeCalibration writes a dark frame or gain map.
func EncodeCalibration(w io.Writer, c *xray.CalibrationData) error {
	if c.Type != xray.DarkFrame && c.Type != xray.GainMap {
		return fmt.Errorf("%w: %s is not a coefficient frame", ErrTypeMismatch, c.Type)
	}
	if len(c.Coefficients) != c.Width*c.Height {
		return fmt.Errorf("%w: %d coefficients for %dx%d", ErrPayloadLength, len(c.Coefficients), c.Width, c.Height)
	}
	payload := make([]byte, len(c.Coefficients)*4)
	for i, v := range c.Coefficients {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	return encode(w, c.Type, c.Width, c.Height, c.Timestamp, payload)
}

// EncodeDefectMap writes a defect map.
func EncodeDefectMap(w io.Writer, m *xray.DefectMap) error {
	payload := make([]byte, len(m.Entries)*defectRecordSize)
	for i, e := range m.Entries {
		rec := payload[i*defectRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], uint32(e.X))
		binary.LittleEndian.PutUint32(rec[4:], uint32(e.Y))
		rec[8] = byte(e.Kind)
		rec[9] = byte(e.Method)
	}
	return encode(w, xray.DefectMapType, m.Width, m.Height, m.Timestamp, payload)
}

// EncodeScatterParams writes scatter parameters for a width x height detector.
func EncodeScatterParams(w io.Writer, p *xray.ScatterParams, width, height int, ts time.Time) error {
	payload := make([]byte, scatterRecordSize)
	if p.Enabled {
		payload[0] = 1
	}
	payload[1] = byte(p.Algorithm)
	binary.LittleEndian.PutUint16(payload[2:], p.Flags)
	binary.LittleEndian.PutUint32(payload[4:], math.Float32bits(float32(p.CutoffFrequency)))
	binary.LittleEndian.PutUint32(payload[8:], math.Float32bits(float32(p.SuppressionRatio)))
	binary.LittleEndian.PutUint32(payload[12:], uint32(p.PolynomialOrder))
	return encode(w, xray.ScatterParamsType, width, height, ts, payload)
}

// WriteFile encodes into a temporary file next to path and renames it into
// place, so watchers and concurrent loaders never see a partial file.
func WriteFile(path string, encodeFn func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := encodeFn(&buf); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create calibration directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".xcal-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary calibration file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close calibration file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move calibration file into place: %w", err)
	}
	return nil
}
