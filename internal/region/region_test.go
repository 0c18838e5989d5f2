package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/common"
)

func square(code, name string, xmin, ymin, xmax, ymax float64) string {
	return fmt.Sprintf(`{"type":"Feature","properties":{"code":%q,"nom":%q},"geometry":{"type":"Polygon","coordinates":[[[%f,%f],[%f,%f],[%f,%f],[%f,%f],[%f,%f]]]}}`,
		code, name, xmin, ymin, xmax, ymin, xmax, ymax, xmin, ymax, xmin, ymin)
}

// Two Corsican departments sharing the x=1205000 edge, and one far away
func testCatalogJSON() string {
	return `{"type":"FeatureCollection","features":[` +
		square("2A", "Corse-du-Sud", 1170000, 6040000, 1205000, 6130000) + "," +
		square("2B", "Haute-Corse", 1205000, 6040000, 1250000, 6130000) + "," +
		square("75", "Paris", 643000, 6857000, 658000, 6867000) + "," +
		`{"type":"Feature","properties":{"nom":"no code"},"geometry":{"type":"Point","coordinates":[1,2]}}` +
		`]}`
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := ParseCatalog([]byte(testCatalogJSON()))
	require.NoError(t, err)
	return c
}

func codes(rs []Region) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Code
	}
	return out
}

func TestParseCatalogSkipsUnusableFeatures(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, 3, c.Len())

	r, ok := c.Get("2B")
	require.True(t, ok)
	assert.Equal(t, "Haute-Corse", r.Name)
	assert.Equal(t, 1205000.0, r.Bound.Min[0])
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.geojson")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogJSON()), 0644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"2A", "2B", "75"}, codes(c.All()))

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		name string
		aoi  common.BoundingBox
		want []string
	}{
		{"porto-vecchio inside one region", common.BoundingBox{MinX: 1180000, MinY: 6070000, MaxX: 1200000, MaxY: 6095000}, []string{"2A"}},
		{"cozzano straddles the border", common.BoundingBox{MinX: 1199000, MinY: 6104000, MaxX: 1219000, MaxY: 6120000}, []string{"2A", "2B"}},
		{"touching edge is not overlap", common.BoundingBox{MinX: 1205000, MinY: 6100000, MaxX: 1215000, MaxY: 6110000}, []string{"2B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Resolve(tt.aoi)
			require.NoError(t, err)
			assert.Equal(t, tt.want, codes(got))
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	c := testCatalog(t)
	aoi := common.BoundingBox{MinX: 1199000, MinY: 6104000, MaxX: 1219000, MaxY: 6120000}

	first, err := c.Resolve(aoi)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := c.Resolve(aoi)
		require.NoError(t, err)
		assert.Equal(t, codes(first), codes(again))
	}
}

func TestResolveOutsideCoverage(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Resolve(common.BoundingBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1})

	var cov *CoverageError
	require.True(t, errors.As(err, &cov))
	assert.Equal(t, common.BoundingBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}, cov.AOI)
}

func TestResolveMultiPolygonHole(t *testing.T) {
	// A ring with a hole: an AOI inside the hole does not intersect
	data := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"code":"1"},"geometry":{"type":"Polygon","coordinates":[
		[[0,0],[100,0],[100,100],[0,100],[0,0]],
		[[20,20],[20,80],[80,80],[80,20],[20,20]]]}}]}`
	c, err := ParseCatalog([]byte(data))
	require.NoError(t, err)

	_, err = c.Resolve(common.BoundingBox{MinX: 30, MinY: 30, MaxX: 70, MaxY: 70})
	assert.Error(t, err)

	got, err := c.Resolve(common.BoundingBox{MinX: 10, MinY: 10, MaxX: 30, MaxY: 30})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, codes(got))
}

func TestNeighbors(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, []string{"2B"}, c.Neighbors("2A"))
	assert.Equal(t, []string{"2A"}, c.Neighbors("2B"))
	assert.Empty(t, c.Neighbors("75"))
}

func TestFeatureExport(t *testing.T) {
	c := testCatalog(t)
	f, err := c.Feature("2A")
	require.NoError(t, err)
	assert.Equal(t, "2A", f.Properties["code"])
	assert.Equal(t, []string{"2B"}, f.Properties["neighbors"])

	_, err = c.Feature("99")
	assert.Error(t, err)
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	c := testCatalog(t)
	r, _ := c.Get("75")
	_, err := NewCatalog([]Region{r, r})
	assert.Error(t, err)
}

func TestSourceCode(t *testing.T) {
	tests := []struct {
		kind common.DatasetKind
		dep  string
		want string
	}{
		{common.KindTopography, "1", "001"},
		{common.KindTopography, "01", "001"},
		{common.KindVegetation, "2A", "02A"},
		{common.KindVegetation, "971", "971"},
		{common.KindParcels, "2B", "94"},
		{common.KindParcels, "75", "11"},
		{common.KindParcels, "07", "84"},
	}
	for _, tt := range tests {
		got, err := SourceCode(tt.kind, tt.dep)
		require.NoError(t, err, "%s %s", tt.kind, tt.dep)
		assert.Equal(t, tt.want, got, "%s %s", tt.kind, tt.dep)
	}

	_, err := SourceCode(common.KindParcels, "999")
	assert.Error(t, err)

	assert.Equal(t, "R94", LinkPrefix(common.KindParcels, "94"))
	assert.Equal(t, "D02A", LinkPrefix(common.KindTopography, "02A"))
}
