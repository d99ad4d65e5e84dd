package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-correction-core/pkg/xray"
)

func uniformFrame(w, h int, v uint16) *xray.ImageBuffer {
	b := xray.NewImageBuffer(w, h)
	b.Fill(v)
	return b
}

func TestBuildDarkFrame(t *testing.T) {
	t.Parallel()

	dark, err := BuildDarkFrame([]*xray.ImageBuffer{
		uniformFrame(testWidth, testHeight, 100),
		uniformFrame(testWidth, testHeight, 104),
	}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, xray.DarkFrame, dark.Type)
	assert.True(t, dark.Matches(testWidth, testHeight))
	for _, v := range dark.Coefficients {
		require.Equal(t, float32(102), v)
	}

	_, err = BuildDarkFrame(nil, fixedNow)
	assert.ErrorIs(t, err, ErrNoFrames)
	_, err = BuildDarkFrame([]*xray.ImageBuffer{uniformFrame(2, 2, 0), uniformFrame(3, 2, 0)}, fixedNow)
	assert.Error(t, err)
}

func TestBuildGainMap(t *testing.T) {
	t.Parallel()

	flat := uniformFrame(testWidth, testHeight, 1100)
	flat.Set(1, 1, 600)
	flat.Set(2, 2, 100)
	dark := uniformCalibration(xray.DarkFrame, testWidth, testHeight, 100)
	dark.Valid = true

	gain, err := BuildGainMap([]*xray.ImageBuffer{flat}, dark, fixedNow)
	require.NoError(t, err)

	n := float64(testWidth*testHeight - 1)
	target := (1000*(n-1) + 500) / n
	assert.InDelta(t, target/1000, gain.Coefficients[0], 1e-5)
	assert.InDelta(t, target/500, gain.Coefficients[1*testWidth+1], 1e-5)
	assert.Equal(t, float32(0), gain.Coefficients[2*testWidth+2])

	_, err = BuildGainMap([]*xray.ImageBuffer{uniformFrame(testWidth, testHeight, 100)}, dark, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	wrong := uniformCalibration(xray.DarkFrame, 2, 2, 0)
	wrong.Valid = true
	_, err = BuildGainMap([]*xray.ImageBuffer{flat}, wrong, fixedNow)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestDetectDefects(t *testing.T) {
	t.Parallel()

	flat := uniformFrame(testWidth, testHeight, 1000)
	flat.Set(0, 0, 0)     // dead, isolated
	flat.Set(5, 1, 60000) // hot, isolated
	flat.Set(3, 4, 0)     // cluster
	flat.Set(4, 4, 0)     // cluster

	m, err := DetectDefects([]*xray.ImageBuffer{flat}, nil, DefectCriteria{Sigma: 3, Method: xray.InterpolateMedian3x3}, fixedNow)
	require.NoError(t, err)
	require.Len(t, m.Entries, 4)
	assert.Equal(t, 4, m.Count)
	assert.True(t, m.Valid)

	assert.Equal(t, xray.DefectEntry{X: 0, Y: 0, Kind: xray.DefectDead, Method: xray.InterpolateMedian3x3}, m.Entries[0])
	assert.Equal(t, xray.DefectEntry{X: 5, Y: 1, Kind: xray.DefectHot, Method: xray.InterpolateMedian3x3}, m.Entries[1])
	assert.Equal(t, xray.DefectEntry{X: 3, Y: 4, Kind: xray.DefectCluster, Method: xray.InterpolateNearest}, m.Entries[2])
	assert.Equal(t, xray.DefectEntry{X: 4, Y: 4, Kind: xray.DefectCluster, Method: xray.InterpolateNearest}, m.Entries[3])

	_, err = DetectDefects([]*xray.ImageBuffer{flat}, nil, DefectCriteria{}, fixedNow)
	assert.Error(t, err)
}
