package layering

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/geojson"

	"geoslice/internal/common"
)

// LayeringError reports a layer that could not be built or does not match
// the AOI grid
type LayeringError struct {
	Layer  string
	Region string
	Reason string
	Err    error
}

func (e *LayeringError) Error() string {
	msg := "layer " + e.Layer
	if e.Region != "" {
		msg += " (region " + e.Region + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LayeringError) Unwrap() error {
	return e.Err
}

// Layer is one clipped, merged output layer
type Layer struct {
	Name       string             `json:"name"`
	Type       LayerType          `json:"type"`
	Extent     common.BoundingBox `json:"extent"`
	Resolution float64            `json:"resolution"`

	Features *geojson.FeatureCollection `json:"-"` // vector layers
	Grid     *Grid                      `json:"-"` // raster layers
}

// FeatureCount is the number of features, or zero for raster layers
func (l *Layer) FeatureCount() int {
	if l.Features == nil {
		return 0
	}
	return len(l.Features.Features)
}

// LayerSet is the complete set of layers built for an AOI
type LayerSet struct {
	AOI    common.BoundingBox
	Layers []*Layer
}

// Get returns the named layer
func (s *LayerSet) Get(name string) (*Layer, bool) {
	for _, l := range s.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return nil, false
}

// Vector returns the vector layers in order
func (s *LayerSet) Vector() []*Layer {
	var out []*Layer
	for _, l := range s.Layers {
		if l.Type == Vector {
			out = append(out, l)
		}
	}
	return out
}

// Check verifies the set is complete and every layer is aligned on aoi at
// the fixed resolution
func (s *LayerSet) Check(aoi common.BoundingBox) error {
	if !s.AOI.Equal(aoi) {
		return &LayeringError{Layer: "*", Reason: fmt.Sprintf("set built for %s, not %s", s.AOI, aoi)}
	}
	for _, name := range append(append([]string{}, VectorLayers...), RasterLayers...) {
		if _, ok := s.Get(name); !ok {
			return &LayeringError{Layer: name, Reason: "missing"}
		}
	}

	bound := aoi.Bound()
	for _, l := range s.Layers {
		if !l.Extent.Equal(aoi) {
			return &LayeringError{Layer: l.Name, Reason: fmt.Sprintf("extent %s does not match AOI %s", l.Extent, aoi)}
		}
		if math.Abs(l.Resolution-common.Resolution) > 1e-9 {
			return &LayeringError{Layer: l.Name, Reason: fmt.Sprintf("resolution %g, expected %g", l.Resolution, common.Resolution)}
		}

		switch l.Type {
		case Raster:
			if l.Grid == nil {
				return &LayeringError{Layer: l.Name, Reason: "raster layer without grid"}
			}
			if l.Grid.Width != aoi.PixelWidth() || l.Grid.Height != aoi.PixelHeight() || len(l.Grid.Pix) != l.Grid.Width*l.Grid.Height {
				return &LayeringError{Layer: l.Name, Reason: fmt.Sprintf("grid is %dx%d, expected %dx%d",
					l.Grid.Width, l.Grid.Height, aoi.PixelWidth(), aoi.PixelHeight())}
			}
			if !l.Grid.AOI.Equal(aoi) {
				return &LayeringError{Layer: l.Name, Reason: "grid origin does not match AOI"}
			}
		case Vector:
			if l.Features == nil {
				return &LayeringError{Layer: l.Name, Reason: "vector layer without features"}
			}
			for _, f := range l.Features.Features {
				if f.Geometry == nil || !within(bound, f.Geometry) {
					region, _ := f.Properties["region"].(string)
					return &LayeringError{Layer: l.Name, Region: region, Reason: "feature outside AOI"}
				}
			}
		default:
			return &LayeringError{Layer: l.Name, Reason: fmt.Sprintf("unknown layer type %q", l.Type)}
		}
	}
	return nil
}
