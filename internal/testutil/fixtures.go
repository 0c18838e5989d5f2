// Package testutil writes small IGN-like datasets for package tests.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"geoslice/internal/common"
	"geoslice/internal/region"
)

// Lambert93PRJ is the projection sidecar IGN ships with its shapefiles
const Lambert93PRJ = `PROJCS["RGF93_Lambert_93",GEOGCS["GCS_RGF_1993",DATUM["D_RGF_1993",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Lambert_Conformal_Conic"],UNIT["Meter",1.0]]`

// WGS84PRJ describes geographic coordinates
const WGS84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// AOI is a single-tile area in the Aisne department
var AOI = common.BoundingBox{MinX: 700000, MinY: 6900000, MaxX: 705000, MaxY: 6905000}

// Record is one feature to write: a geometry and its attribute values in
// field order
type Record struct {
	Geometry orb.Geometry
	Attrs    []string
}

// Rect returns a clockwise rectangle ring, as shapefiles store outer rings
func Rect(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{{
		{minX, minY}, {minX, maxY}, {maxX, maxY}, {maxX, minY}, {minX, minY},
	}}
}

// Line returns a two point line string
func Line(x0, y0, x1, y1 float64) orb.LineString {
	return orb.LineString{{x0, y0}, {x1, y1}}
}

func toShpPoints(pts []orb.Point) []shp.Point {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return out
}

// WriteShapefile writes records to dir/name.shp with string fields and a
// Lambert-93 .prj. Polygon or line type is taken from the first record.
func WriteShapefile(t *testing.T, dir, name string, fields []string, records []Record) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name+".shp")

	var shapeType shp.ShapeType = shp.POLYGON
	if len(records) > 0 {
		switch records[0].Geometry.(type) {
		case orb.LineString, orb.MultiLineString:
			shapeType = shp.POLYLINE
		}
	}

	w, err := shp.Create(path, shapeType)
	require.NoError(t, err)

	shpFields := make([]shp.Field, len(fields))
	for i, f := range fields {
		shpFields[i] = shp.StringField(f, 50)
	}
	require.NoError(t, w.SetFields(shpFields))

	for _, rec := range records {
		var parts [][]shp.Point
		switch g := rec.Geometry.(type) {
		case orb.Polygon:
			for _, ring := range g {
				parts = append(parts, toShpPoints(ring))
			}
		case orb.LineString:
			parts = append(parts, toShpPoints(g))
		case orb.MultiLineString:
			for _, ls := range g {
				parts = append(parts, toShpPoints(ls))
			}
		default:
			t.Fatalf("unsupported fixture geometry %T", g)
		}

		line := shp.NewPolyLine(parts)
		var n int32
		if shapeType == shp.POLYGON {
			poly := shp.Polygon(*line)
			n = w.Write(&poly)
		} else {
			n = w.Write(line)
		}
		for i, v := range rec.Attrs {
			require.NoError(t, w.WriteAttribute(int(n), i, v))
		}
	}
	w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".prj"), []byte(Lambert93PRJ), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".cpg"), []byte("UTF-8"), 0644))
	return path
}

// Aisne returns a region whose boundary covers AOI with a margin
func Aisne() region.Region {
	geom := Rect(AOI.MinX-10000, AOI.MinY-10000, AOI.MaxX+10000, AOI.MaxY+10000)
	return region.Region{Code: "02", Name: "Aisne", Geometry: geom, Bound: geom.Bound()}
}

// Datasets writes a vegetation, parcels and topography dataset covering AOI
// under root and returns the directory per kind
func Datasets(t *testing.T, root string) map[common.DatasetKind]string {
	t.Helper()
	x, y := AOI.MinX, AOI.MinY
	dirs := map[common.DatasetKind]string{
		common.KindVegetation: filepath.Join(root, "BDFORET_002"),
		common.KindParcels:    filepath.Join(root, "RPG_32"),
		common.KindTopography: filepath.Join(root, "BDTOPO_002"),
	}

	WriteShapefile(t, dirs[common.KindVegetation], "FORMATION_VEGETALE", []string{"ID", "ESSENCE"}, []Record{
		{Geometry: Rect(x, y+4000, x+1000, y+5000), Attrs: []string{"FV1", "Hêtre"}},
		{Geometry: Rect(x+1000, y+4000, x+2000, y+5000), Attrs: []string{"FV2", "Pin maritime"}},
		{Geometry: Rect(x+2000, y+4000, x+3000, y+5000), Attrs: []string{"FV3", "NC"}},
		// straddles the AOI's west edge and is clipped
		{Geometry: Rect(x-500, y, x+500, y+1000), Attrs: []string{"FV4", "Feuillus"}},
		// entirely outside
		{Geometry: Rect(x-3000, y, x-2000, y+1000), Attrs: []string{"FV5", "Feuillus"}},
	})
	WriteShapefile(t, dirs[common.KindParcels], "PARCELLES_GRAPHIQUES", []string{"ID_PARCEL", "CODE_GROUP"}, []Record{
		{Geometry: Rect(x+3000, y+3000, x+5000, y+5000), Attrs: []string{"P1", "1"}},
	})
	topo := dirs[common.KindTopography]
	WriteShapefile(t, topo, "PLAN_D_EAU", []string{"ID", "NATURE"}, []Record{
		{Geometry: Rect(x, y+2000, x+1000, y+3000), Attrs: []string{"EAU1", "Lac"}},
	})
	WriteShapefile(t, topo, "BATIMENT", []string{"ID", "NATURE"}, []Record{
		{Geometry: Rect(x+2000, y+2000, x+2100, y+2100), Attrs: []string{"BAT1", "Indifférenciée"}},
	})
	WriteShapefile(t, topo, "TRONCON_DE_ROUTE", []string{"ID", "NATURE"}, []Record{
		{Geometry: Line(x, y+1505, x+5000, y+1505), Attrs: []string{"R1", "Route à 1 chaussée"}},
	})
	WriteShapefile(t, topo, "COURS_D_EAU", []string{"ID", "NATURE"}, []Record{
		{Geometry: Line(x+4005, y, x+4005, y+2000), Attrs: []string{"C1", "Ruisseau"}},
	})
	return dirs
}

// Lookup adapts a per-kind directory map to every region
func Lookup(dirs map[common.DatasetKind]string) func(common.DatasetKind, string) (string, bool) {
	return func(kind common.DatasetKind, code string) (string, bool) {
		dir, ok := dirs[kind]
		return dir, ok && strings.TrimSpace(code) != ""
	}
}
