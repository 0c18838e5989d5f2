package layering

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
)

// boundEpsilon absorbs floating point noise when checking clipped bounds
const boundEpsilon = 1e-6

// clipToAOI clips g to bound, returning nil when nothing with extent (or no
// point) remains
func clipToAOI(bound orb.Bound, g orb.Geometry) orb.Geometry {
	if g == nil || !bound.Intersects(g.Bound()) {
		return nil
	}
	clipped := clip.Geometry(bound, g)
	if clipped == nil {
		return nil
	}

	switch c := clipped.(type) {
	case orb.Polygon:
		if math.Abs(planar.Area(c)) <= 0 {
			return nil
		}
	case orb.MultiPolygon:
		kept := c[:0]
		for _, p := range c {
			if math.Abs(planar.Area(p)) > 0 {
				kept = append(kept, p)
			}
		}
		switch len(kept) {
		case 0:
			return nil
		case 1:
			return kept[0]
		}
		return kept
	case orb.MultiLineString:
		kept := c[:0]
		for _, ls := range c {
			if len(ls) >= 2 {
				kept = append(kept, ls)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return kept
	case orb.LineString:
		if len(c) < 2 {
			return nil
		}
	case orb.MultiPoint:
		if len(c) == 0 {
			return nil
		}
	}
	return clipped
}

// within reports whether g lies inside bound
func within(bound orb.Bound, g orb.Geometry) bool {
	b := g.Bound()
	return b.Min[0] >= bound.Min[0]-boundEpsilon && b.Min[1] >= bound.Min[1]-boundEpsilon &&
		b.Max[0] <= bound.Max[0]+boundEpsilon && b.Max[1] <= bound.Max[1]+boundEpsilon
}

// DedupPolicy decides when two features from different regions are the same
type DedupPolicy struct {
	// IDFields are tried in order; the first non-empty one identifies a feature
	IDFields []string
	// Precision is the grid, in meters, geometry is snapped to before hashing
	Precision float64
}

// DefaultDedupPolicy matches IGN identifiers, falling back to geometry at
// centimeter precision
func DefaultDedupPolicy() DedupPolicy {
	return DedupPolicy{IDFields: []string{"ID", "ID_PARCEL", "CLEABS"}, Precision: 0.01}
}

// Key returns the deduplication key of a clipped feature within a theme
func (p DedupPolicy) Key(theme string, f Feature) string {
	for _, field := range p.IDFields {
		if v := strings.TrimSpace(f.Props[field]); v != "" {
			return theme + "|" + field + "=" + v
		}
	}

	h := sha256.New()
	if data, err := wkb.Marshal(snap(f.Geometry, p.Precision)); err == nil {
		h.Write(data)
	}
	keys := make([]string, 0, len(f.Props))
	for k := range f.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(f.Props[k]))
	}
	return theme + "|#" + hex.EncodeToString(h.Sum(nil))
}

// snap returns a copy of g with coordinates rounded to precision
func snap(g orb.Geometry, precision float64) orb.Geometry {
	if precision <= 0 {
		return g
	}
	round := func(p orb.Point) orb.Point {
		return orb.Point{math.Round(p[0]/precision) * precision, math.Round(p[1]/precision) * precision}
	}
	switch v := orb.Clone(g).(type) {
	case orb.Point:
		return round(v)
	case orb.MultiPoint:
		for i := range v {
			v[i] = round(v[i])
		}
		return v
	case orb.LineString:
		for i := range v {
			v[i] = round(v[i])
		}
		return v
	case orb.MultiLineString:
		for _, ls := range v {
			for i := range ls {
				ls[i] = round(ls[i])
			}
		}
		return v
	case orb.Polygon:
		for _, r := range v {
			for i := range r {
				r[i] = round(r[i])
			}
		}
		return v
	case orb.MultiPolygon:
		for _, p := range v {
			for _, r := range p {
				for i := range r {
					r[i] = round(r[i])
				}
			}
		}
		return v
	default:
		return g
	}
}
