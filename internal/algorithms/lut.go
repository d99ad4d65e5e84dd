package algorithms

import (
	"math"

	"xray-correction-core/pkg/xray"
)

// LUT maps every 16-bit input value to a display value.
type LUT [xray.MaxPixelValue + 1]uint16

// BuildWindowLUT builds the DICOM linear VOI function for wl, with the full
// 16-bit range as output.
func BuildWindowLUT(wl xray.WindowLevel) *LUT {
	var lut LUT
	const yMax = float64(xray.MaxPixelValue)
	c, w := wl.Center, wl.Width
	lower := c - 0.5 - (w-1)/2
	upper := c - 0.5 + (w-1)/2
	for x := range lut {
		v := float64(x)
		switch {
		case v <= lower:
			lut[x] = 0
		case v > upper:
			lut[x] = xray.MaxPixelValue
		case w <= 1:
			lut[x] = xray.MaxPixelValue
		default:
			lut[x] = Quantize(((v-(c-0.5))/(w-1) + 0.5) * yMax)
		}
	}
	return &lut
}

// Apply remaps every pixel of b in place.
func (l *LUT) Apply(b *xray.ImageBuffer) {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			b.Set(x, y, l[b.At(x, y)])
		}
	}
}

// Monotonic reports whether the table never decreases.
func (l *LUT) Monotonic() bool {
	for i := 1; i < len(l); i++ {
		if l[i] < l[i-1] {
			return false
		}
	}
	return true
}

// windowKey identifies a LUT in a cache. NaN windows never reach here.
type windowKey struct {
	width, center uint64
}

func keyFor(wl xray.WindowLevel) windowKey {
	return windowKey{math.Float64bits(wl.Width), math.Float64bits(wl.Center)}
}

// LUTCache keeps the most recently used window tables. It is not safe for
// concurrent use.
type LUTCache struct {
	capacity int
	order    []windowKey
	tables   map[windowKey]*LUT
}

// NewLUTCache creates a cache holding up to capacity tables.
func NewLUTCache(capacity int) *LUTCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LUTCache{capacity: capacity, tables: make(map[windowKey]*LUT)}
}

// Get returns the table for wl, building it on a miss.
func (c *LUTCache) Get(wl xray.WindowLevel) *LUT {
	k := keyFor(wl)
	if lut, ok := c.tables[k]; ok {
		c.touch(k)
		return lut
	}
	lut := BuildWindowLUT(wl)
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.tables, oldest)
	}
	c.tables[k] = lut
	c.order = append(c.order, k)
	return lut
}

// Len returns the number of cached tables.
func (c *LUTCache) Len() int {
	return len(c.tables)
}

// Clear drops all cached tables.
func (c *LUTCache) Clear() {
	c.order = nil
	c.tables = make(map[windowKey]*LUT)
}

func (c *LUTCache) touch(k windowKey) {
	for i, o := range c.order {
		if o == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}
