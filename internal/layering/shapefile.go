package layering

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Feature is one source record converted to orb geometry
type Feature struct {
	Geometry orb.Geometry
	Props    map[string]string
	Source   string // source layer name, e.g. BATIMENT
}

// lambert93Markers identify a Lambert-93 .prj
var lambert93Markers = []string{"LAMBERT_93", "LAMBERT-93", "LAMBERT 93", "RGF93", "RGF_1993", "2154"}

// checkProjection rejects a .prj that does not describe Lambert-93. A
// missing .prj is accepted.
func checkProjection(shpPath string) error {
	data, err := os.ReadFile(sidecar(shpPath, ".prj"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	wkt := strings.ToUpper(string(data))
	for _, m := range lambert93Markers {
		if strings.Contains(wkt, m) {
			return nil
		}
	}
	name := wkt
	if i := strings.Index(wkt, "\""); i >= 0 {
		name = wkt[i+1:]
		if j := strings.Index(name, "\""); j >= 0 {
			name = name[:j]
		}
	}
	return fmt.Errorf("projection %s is not Lambert-93 (EPSG:2154)", name)
}

// dbfDecoder picks the attribute decoder from the .cpg code page. Nil means
// attributes are used verbatim.
func dbfDecoder(shpPath string) *encoding.Decoder {
	data, err := os.ReadFile(sidecar(shpPath, ".cpg"))
	if err != nil {
		return nil
	}
	switch cp := strings.ToUpper(strings.TrimSpace(string(data))); {
	case strings.Contains(cp, "UTF"):
		return nil
	case strings.Contains(cp, "1252"):
		return charmap.Windows1252.NewDecoder()
	case strings.Contains(cp, "8859-15"):
		return charmap.ISO8859_15.NewDecoder()
	case strings.Contains(cp, "8859"), strings.Contains(cp, "LATIN1"):
		return charmap.ISO8859_1.NewDecoder()
	default:
		return nil
	}
}

func decodeAttr(dec *encoding.Decoder, raw string) string {
	raw = strings.TrimRight(raw, "\x00 ")
	if dec == nil {
		if utf8.ValidString(raw) {
			return raw
		}
		dec = charmap.Windows1252.NewDecoder()
	}
	s, err := dec.String(raw)
	if err != nil {
		return raw
	}
	return s
}

func sidecar(shpPath, ext string) string {
	base := strings.TrimSuffix(shpPath, filepath.Ext(shpPath))
	for _, e := range []string{ext, strings.ToUpper(ext)} {
		if _, err := os.Stat(base + e); err == nil {
			return base + e
		}
	}
	return base + ext
}

// readShapefile loads the features of a shapefile whose shape bounding box
// touches bound
func readShapefile(path string, bound orb.Bound) ([]Feature, error) {
	if err := checkProjection(path); err != nil {
		return nil, err
	}

	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer r.Close()

	dec := dbfDecoder(path)
	fields := r.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}
	source := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	var features []Feature
	for r.Next() {
		_, shape := r.Shape()
		if shape == nil {
			continue
		}
		box := shape.BBox()
		if box.MaxX < bound.Min[0] || box.MinX > bound.Max[0] || box.MaxY < bound.Min[1] || box.MinY > bound.Max[1] {
			continue
		}
		g := toGeometry(shape)
		if g == nil {
			continue
		}

		props := make(map[string]string, len(names))
		for i, name := range names {
			props[name] = decodeAttr(dec, r.Attribute(i))
		}
		features = append(features, Feature{Geometry: g, Props: props, Source: source})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shapefile: %w", err)
	}
	return features, nil
}

// toGeometry converts a go-shp shape to orb geometry. Z and M values are
// dropped.
func toGeometry(s shp.Shape) orb.Geometry {
	switch v := s.(type) {
	case *shp.Point:
		return orb.Point{v.X, v.Y}
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}
	case *shp.PointM:
		return orb.Point{v.X, v.Y}
	case *shp.MultiPoint:
		return multiPoint(v.Points)
	case *shp.MultiPointZ:
		return multiPoint(v.Points)
	case *shp.PolyLine:
		return lines(v.Parts, v.Points)
	case *shp.PolyLineZ:
		return lines(v.Parts, v.Points)
	case *shp.PolyLineM:
		return lines(v.Parts, v.Points)
	case *shp.Polygon:
		return polygons(v.Parts, v.Points)
	case *shp.PolygonZ:
		return polygons(v.Parts, v.Points)
	case *shp.PolygonM:
		return polygons(v.Parts, v.Points)
	default:
		return nil
	}
}

func multiPoint(pts []shp.Point) orb.Geometry {
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// splitParts cuts the flat point list into parts
func splitParts(parts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(pts) {
			continue
		}
		part := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func lines(parts []int32, pts []shp.Point) orb.Geometry {
	var mls orb.MultiLineString
	for _, part := range splitParts(parts, pts) {
		if len(part) >= 2 {
			mls = append(mls, orb.LineString(part))
		}
	}
	if len(mls) == 0 {
		return nil
	}
	return mls
}

// polygons assembles rings: clockwise rings start a polygon, the others are
// holes of the preceding polygon
func polygons(parts []int32, pts []shp.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, part := range splitParts(parts, pts) {
		if len(part) < 4 {
			continue
		}
		ring := orb.Ring(part)
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	switch len(mp) {
	case 0:
		return nil
	case 1:
		return mp[0]
	default:
		return mp
	}
}
