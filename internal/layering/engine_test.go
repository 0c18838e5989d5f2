package layering

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/common"
	"geoslice/internal/progress"
	"geoslice/internal/region"
	"geoslice/internal/testutil"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Options{Workers: 4})
	require.NoError(t, err)
	return e
}

// pixel returns the grid cell of a point given in meters from the AOI's
// south-west corner
func pixel(dx, dy float64) (int, int) {
	return int(dx / common.Resolution), int((common.TileMeters - dy) / common.Resolution)
}

func TestBuildSingleRegion(t *testing.T) {
	dirs := testutil.Datasets(t, t.TempDir())
	rec := &progress.Recorder{}
	ctx := progress.WithPublisher(context.Background(), rec)

	set, err := newTestEngine(t).Build(ctx, testutil.AOI, []region.Region{testutil.Aisne()}, testutil.Lookup(dirs))
	require.NoError(t, err)
	require.NoError(t, set.Check(testutil.AOI))

	require.Len(t, set.Layers, len(VectorLayers)+len(RasterLayers))
	for i, name := range append(append([]string{}, VectorLayers...), RasterLayers...) {
		assert.Equal(t, name, set.Layers[i].Name)
	}

	counts := map[string]int{}
	for _, l := range set.Vector() {
		counts[l.Name] = l.FeatureCount()
	}
	assert.Equal(t, map[string]int{
		LayerRegions:        1,
		LayerVegetation:     4,
		LayerParcels:        1,
		LayerHydrology:      2,
		LayerRoads:          1,
		LayerRailways:       0,
		LayerBuildings:      1,
		LayerInfrastructure: 0,
	}, counts)

	veg, _ := set.Get(LayerVegetation)
	for _, f := range veg.Features.Features {
		assert.Equal(t, "02", f.Properties["region"])
		assert.Equal(t, "FORMATION_VEGETALE", f.Properties["layer"])
		if f.Properties["ID"] == "FV4" {
			assert.InDelta(t, 500*1000, orbArea(f.Geometry), 1e-6, "FV4 is clipped at the west edge")
			assert.Equal(t, "broadleaf", f.Properties["class"])
		}
	}

	land, _ := set.Get(LayerLandcover)
	cases := []struct {
		dx, dy float64
		want   Class
	}{
		{500, 4500, Broadleaf},
		{1500, 4500, OtherVegetation},
		{2500, 4500, UndefinedVegetation},
		{4000, 4000, Parcel},
		{500, 2500, Water},
		{2050, 2050, Built},
		{250, 500, Broadleaf},
		{3000, 1000, Background},
		{2500, 1505, Road},
		{4005, 1000, Water},
		{4005, 1505, Water},
	}
	for _, c := range cases {
		col, row := pixel(c.dx, c.dy)
		assert.Equal(t, c.want, land.Grid.At(col, row), "landcover at %v,%v", c.dx, c.dy)
	}

	vegRaster, _ := set.Get(LayerVegetationRaster)
	col, row := pixel(500, 2500)
	assert.Equal(t, Background, vegRaster.Grid.At(col, row), "water is not vegetation")
	col, row = pixel(4000, 4000)
	assert.Equal(t, Parcel, vegRaster.Grid.At(col, row))
	col, row = pixel(2500, 1505)
	assert.Equal(t, Background, vegRaster.Grid.At(col, row), "roads are not burned")

	water, _ := set.Get(LayerHydrologyRaster)
	col, row = pixel(500, 2500)
	assert.Equal(t, Water, water.Grid.At(col, row))
	col, row = pixel(4005, 1000)
	assert.Equal(t, Water, water.Grid.At(col, row))
	col, row = pixel(500, 4500)
	assert.Equal(t, Background, water.Grid.At(col, row))

	var layering []progress.Event
	for _, e := range rec.Events() {
		if e.Stage == progress.StageLayering {
			layering = append(layering, e)
		}
	}
	require.Len(t, layering, len(Themes)+len(RasterLayers))
	last := layering[len(layering)-1]
	assert.Equal(t, 100.0, last.Percent)
}

func orbArea(g orb.Geometry) float64 {
	b := g.Bound()
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
}

func TestBuildDeduplicatesAcrossRegions(t *testing.T) {
	root := t.TempDir()
	dirs := testutil.Datasets(t, root)
	x, y := testutil.AOI.MinX, testutil.AOI.MinY

	// the neighbouring department repeats FV4 and adds one polygon
	nordVeg := filepath.Join(root, "BDFORET_059")
	testutil.WriteShapefile(t, nordVeg, "FORMATION_VEGETALE", []string{"ID", "ESSENCE"}, []testutil.Record{
		{Geometry: testutil.Rect(x-500, y, x+500, y+1000), Attrs: []string{"FV4", "Feuillus"}},
		{Geometry: testutil.Rect(x+1000, y, x+1500, y+500), Attrs: []string{"FV6", "Douglas"}},
	})

	aisne := testutil.Aisne()
	nord := aisne
	nord.Code, nord.Name = "59", "Nord"

	lookup := func(kind common.DatasetKind, code string) (string, bool) {
		if kind == common.KindVegetation && code == "59" {
			return nordVeg, true
		}
		return dirs[kind], true
	}

	set, err := newTestEngine(t).Build(context.Background(), testutil.AOI, []region.Region{aisne, nord}, lookup)
	require.NoError(t, err)

	veg, _ := set.Get(LayerVegetation)
	assert.Equal(t, 5, veg.FeatureCount())
	ids := map[string]int{}
	for _, f := range veg.Features.Features {
		ids[f.Properties["ID"].(string)]++
	}
	assert.Equal(t, 1, ids["FV4"])
	assert.Equal(t, 1, ids["FV6"])

	// shared topography and parcels directories are read once
	roads, _ := set.Get(LayerRoads)
	assert.Equal(t, 1, roads.FeatureCount())
	regions, _ := set.Get(LayerRegions)
	assert.Equal(t, 2, regions.FeatureCount())
}

func TestBuildMissingDataset(t *testing.T) {
	dirs := testutil.Datasets(t, t.TempDir())
	delete(dirs, common.KindParcels)

	_, err := newTestEngine(t).Build(context.Background(), testutil.AOI, []region.Region{testutil.Aisne()}, testutil.Lookup(dirs))
	var lerr *LayeringError
	require.True(t, errors.As(err, &lerr), "got %v", err)
	assert.Equal(t, LayerParcels, lerr.Layer)
	assert.Equal(t, "02", lerr.Region)
}

func TestBuildRejectsForeignProjection(t *testing.T) {
	dirs := testutil.Datasets(t, t.TempDir())
	prj := filepath.Join(dirs[common.KindVegetation], "FORMATION_VEGETALE.prj")
	require.NoError(t, os.WriteFile(prj, []byte(testutil.WGS84PRJ), 0644))

	_, err := newTestEngine(t).Build(context.Background(), testutil.AOI, []region.Region{testutil.Aisne()}, testutil.Lookup(dirs))
	var lerr *LayeringError
	require.True(t, errors.As(err, &lerr), "got %v", err)
	assert.Equal(t, LayerVegetation, lerr.Layer)
	assert.Contains(t, lerr.Error(), "not Lambert-93")
}

func TestBuildInvalidAOI(t *testing.T) {
	aoi := testutil.AOI
	aoi.MaxX += 10

	_, err := newTestEngine(t).Build(context.Background(), aoi, []region.Region{testutil.Aisne()}, testutil.Lookup(nil))
	var lerr *LayeringError
	assert.True(t, errors.As(err, &lerr))
}

func TestBuildRereadsReplacedDataset(t *testing.T) {
	root := t.TempDir()
	dirs := testutil.Datasets(t, root)
	e := newTestEngine(t)
	regions := []region.Region{testutil.Aisne()}

	set, err := e.Build(context.Background(), testutil.AOI, regions, testutil.Lookup(dirs))
	require.NoError(t, err)
	roads, _ := set.Get(LayerRoads)
	require.Equal(t, 1, roads.FeatureCount())

	x, y := testutil.AOI.MinX, testutil.AOI.MinY
	testutil.WriteShapefile(t, dirs[common.KindTopography], "TRONCON_DE_ROUTE", []string{"ID", "NATURE"}, []testutil.Record{
		{Geometry: testutil.Line(x, y+1505, x+5000, y+1505), Attrs: []string{"R1", "Route"}},
		{Geometry: testutil.Line(x+10, y, x+10, y+5000), Attrs: []string{"R2", "Chemin"}},
		{Geometry: testutil.Line(x+20, y, x+20, y+5000), Attrs: []string{"R3", "Sentier"}},
	})

	set, err = e.Build(context.Background(), testutil.AOI, regions, testutil.Lookup(dirs))
	require.NoError(t, err)
	roads, _ = set.Get(LayerRoads)
	assert.Equal(t, 3, roads.FeatureCount())
}

func TestLayerSetCheck(t *testing.T) {
	dirs := testutil.Datasets(t, t.TempDir())
	set, err := newTestEngine(t).Build(context.Background(), testutil.AOI, []region.Region{testutil.Aisne()}, testutil.Lookup(dirs))
	require.NoError(t, err)

	other := testutil.AOI
	other.MinX += common.TileMeters
	other.MaxX += common.TileMeters
	assert.Error(t, set.Check(other))

	land, _ := set.Get(LayerLandcover)
	land.Grid = land.Grid.Window(0, 0, 10, 10)
	var lerr *LayeringError
	require.True(t, errors.As(set.Check(testutil.AOI), &lerr))
	assert.Equal(t, LayerLandcover, lerr.Layer)

	set.Layers = set.Layers[:3]
	require.True(t, errors.As(set.Check(testutil.AOI), &lerr))
	assert.Equal(t, "missing", lerr.Reason)
}
