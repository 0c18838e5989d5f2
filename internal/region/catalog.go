// Package region loads the department boundary catalog and resolves which
// departments an area of interest touches.
package region

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"geoslice/internal/common"
)

// Region is one administrative department with its boundary in Lambert-93
type Region struct {
	Code     string       `json:"code"`
	Name     string       `json:"name"`
	Geometry orb.Geometry `json:"-"`
	Bound    orb.Bound    `json:"-"`
}

// Ref is the part of a Region persisted with projects
type Ref struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Ref returns the persisted identity of the region
func (r Region) Ref() Ref {
	return Ref{Code: r.Code, Name: r.Name}
}

// Catalog is the read-only, ordered set of known regions
type Catalog struct {
	regions []Region
	byCode  map[string]int

	neighbors *adjacency
}

// NewCatalog builds a catalog from regions, keeping their order. Duplicate
// codes and regions without a polygonal boundary are rejected.
func NewCatalog(regions []Region) (*Catalog, error) {
	c := &Catalog{
		regions:   make([]Region, 0, len(regions)),
		byCode:    make(map[string]int, len(regions)),
		neighbors: &adjacency{},
	}
	for _, r := range regions {
		if r.Code == "" {
			return nil, fmt.Errorf("region without code")
		}
		if _, dup := c.byCode[r.Code]; dup {
			return nil, fmt.Errorf("duplicate region code %s", r.Code)
		}
		switch r.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("region %s: boundary must be a polygon or multipolygon, got %T", r.Code, r.Geometry)
		}
		if r.Name == "" {
			r.Name = r.Code
		}
		r.Bound = r.Geometry.Bound()
		c.byCode[r.Code] = len(c.regions)
		c.regions = append(c.regions, r)
	}
	return c, nil
}

// LoadCatalog reads a GeoJSON FeatureCollection whose features carry "code"
// and "nom" properties and Lambert-93 polygon geometries
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read region catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a region catalog from GeoJSON bytes
func ParseCatalog(data []byte) (*Catalog, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse region catalog: %w", err)
	}

	regions := make([]Region, 0, len(fc.Features))
	for _, f := range fc.Features {
		code := propertyString(f.Properties, "code")
		if code == "" || f.Geometry == nil {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}
		name := propertyString(f.Properties, "nom")
		if name == "" {
			name = propertyString(f.Properties, "name")
		}
		regions = append(regions, Region{Code: code, Name: name, Geometry: f.Geometry})
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("region catalog has no usable features")
	}
	return NewCatalog(regions)
}

func propertyString(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Len returns the number of regions
func (c *Catalog) Len() int {
	return len(c.regions)
}

// All returns the regions in catalog order
func (c *Catalog) All() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Get looks up a region by code
func (c *Catalog) Get(code string) (Region, bool) {
	i, ok := c.byCode[code]
	if !ok {
		return Region{}, false
	}
	return c.regions[i], true
}

// Feature exports the region as a GeoJSON feature with its neighbours
func (c *Catalog) Feature(code string) (*geojson.Feature, error) {
	r, ok := c.Get(code)
	if !ok {
		return nil, fmt.Errorf("unknown region %s", code)
	}
	f := geojson.NewFeature(r.Geometry)
	f.Properties["code"] = r.Code
	f.Properties["name"] = r.Name
	f.Properties["neighbors"] = c.Neighbors(code)
	f.Properties["crs"] = common.CRSName
	return f, nil
}
