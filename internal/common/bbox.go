package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// BoundingBox is an axis-aligned rectangle in Lambert-93 meters
type BoundingBox struct {
	MinX float64 `json:"xmin"`
	MinY float64 `json:"ymin"`
	MaxX float64 `json:"xmax"`
	MaxY float64 `json:"ymax"`
}

// NewBoundingBox builds a box from corner coordinates in any order
func NewBoundingBox(x1, y1, x2, y2 float64) BoundingBox {
	return BoundingBox{
		MinX: math.Min(x1, x2),
		MinY: math.Min(y1, y2),
		MaxX: math.Max(x1, x2),
		MaxY: math.Max(y1, y2),
	}
}

// ParseBoundingBox parses "xmin,ymin,xmax,ymax"
func ParseBoundingBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bbox must have 4 comma-separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("invalid bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	return BoundingBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

// Width returns the east-west extent in meters
func (b BoundingBox) Width() float64 {
	return b.MaxX - b.MinX
}

// Height returns the north-south extent in meters
func (b BoundingBox) Height() float64 {
	return b.MaxY - b.MinY
}

// PixelWidth returns the width in pixels at the fixed resolution
func (b BoundingBox) PixelWidth() int {
	return int(math.Round(b.Width() / Resolution))
}

// PixelHeight returns the height in pixels at the fixed resolution
func (b BoundingBox) PixelHeight() int {
	return int(math.Round(b.Height() / Resolution))
}

// Bound converts to an orb bound for clipping
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// FromBound converts an orb bound
func FromBound(bound orb.Bound) BoundingBox {
	return BoundingBox{MinX: bound.Min[0], MinY: bound.Min[1], MaxX: bound.Max[0], MaxY: bound.Max[1]}
}

// Polygon returns the rectangle as a closed counter-clockwise ring
func (b BoundingBox) Polygon() orb.Polygon {
	return b.Bound().ToPolygon()
}

// Intersects reports whether the boxes overlap with positive area
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// ContainsBound reports whether the bound lies within the box, borders included
func (b BoundingBox) ContainsBound(o orb.Bound) bool {
	const eps = 1e-6
	return o.Min[0] >= b.MinX-eps && o.Min[1] >= b.MinY-eps &&
		o.Max[0] <= b.MaxX+eps && o.Max[1] <= b.MaxY+eps
}

// Equal compares two boxes with a millimeter tolerance
func (b BoundingBox) Equal(o BoundingBox) bool {
	const eps = 1e-3
	return math.Abs(b.MinX-o.MinX) < eps && math.Abs(b.MinY-o.MinY) < eps &&
		math.Abs(b.MaxX-o.MaxX) < eps && math.Abs(b.MaxY-o.MaxY) < eps
}

// String renders the box as "xmin,ymin,xmax,ymax"
func (b BoundingBox) String() string {
	return fmt.Sprintf("%.0f,%.0f,%.0f,%.0f", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// Validate checks the box is well formed and lies in the Lambert-93 domain
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox has non-finite coordinate: %s", b)
		}
	}
	if b.MinX >= b.MaxX {
		return fmt.Errorf("xmin (%f) must be less than xmax (%f)", b.MinX, b.MaxX)
	}
	if b.MinY >= b.MaxY {
		return fmt.Errorf("ymin (%f) must be less than ymax (%f)", b.MinY, b.MaxY)
	}
	if b.MinX < MinEasting || b.MaxX > MaxEasting || b.MinY < MinNorthing || b.MaxY > MaxNorthing {
		return fmt.Errorf("bbox %s is outside the %s domain", b, CRSName)
	}
	return nil
}

// ValidateAOI checks the box can be cut into whole export tiles: each side must be
// a positive multiple of TilePixels pixels, with corners on the pixel grid
func (b BoundingBox) ValidateAOI() error {
	if err := b.Validate(); err != nil {
		return err
	}
	if !onGrid(b.Width(), TileMeters) {
		return fmt.Errorf("AOI width %.2fm is not a multiple of %d pixels (%.0fm)", b.Width(), TilePixels, TileMeters)
	}
	if !onGrid(b.Height(), TileMeters) {
		return fmt.Errorf("AOI height %.2fm is not a multiple of %d pixels (%.0fm)", b.Height(), TilePixels, TileMeters)
	}
	for _, v := range []float64{b.MinX, b.MinY} {
		if !onGrid(v, Resolution) {
			return fmt.Errorf("AOI corner %.2f is not aligned to the %.0fm pixel grid", v, Resolution)
		}
	}
	return nil
}

func onGrid(v, step float64) bool {
	q := v / step
	return math.Abs(q-math.Round(q)) < 1e-9*math.Max(1, math.Abs(q))
}
