package region

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"geoslice/internal/common"
)

// CoverageError reports an AOI that no known region intersects
type CoverageError struct {
	AOI common.BoundingBox
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("area %s is outside the supported territory: no region intersects it", e.AOI)
}

// Resolve returns every region whose boundary overlaps the AOI with positive
// area, in catalog order. Boundaries are stored in the AOI's projection so no
// reprojection happens here.
func (c *Catalog) Resolve(aoi common.BoundingBox) ([]Region, error) {
	bound := aoi.Bound()

	var out []Region
	for _, r := range c.regions {
		if !boundsOverlap(r.Bound, bound) {
			continue
		}
		if overlapArea(bound, r.Geometry) > 0 {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, &CoverageError{AOI: aoi}
	}
	return out, nil
}

func boundsOverlap(a, b orb.Bound) bool {
	return a.Min[0] < b.Max[0] && b.Min[0] < a.Max[0] && a.Min[1] < b.Max[1] && b.Min[1] < a.Max[1]
}

func overlapArea(bound orb.Bound, g orb.Geometry) float64 {
	clipped := clip.Geometry(bound, g)
	if clipped == nil {
		return 0
	}
	switch c := clipped.(type) {
	case orb.Polygon:
		if len(c) == 0 {
			return 0
		}
	case orb.MultiPolygon:
		if len(c) == 0 {
			return 0
		}
	}
	return planar.Area(clipped)
}
