package layering

import (
	"context"
	"image"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/common"
)

// small is a 10x10 pixel area; the rasterizer does not require tile alignment
var small = common.BoundingBox{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}

func rect(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{{{minX, minY}, {minX, maxY}, {maxX, maxY}, {maxX, minY}, {minX, minY}}}
}

func rasterizeSmall(t *testing.T, priority []Group, polys []classedPolygon, lines []classedLine) *Grid {
	t.Helper()
	if priority == nil {
		priority = DefaultPriority
	}
	grid, err := newRasterizer(priority, 2).rasterize(context.Background(), small, polys, lines)
	require.NoError(t, err)
	require.Equal(t, 10, grid.Width)
	require.Equal(t, 10, grid.Height)
	return grid
}

func TestRasterizeMajorityArea(t *testing.T) {
	// pixel (0,0) is the north-west corner: x 0..10, y 90..100
	tests := []struct {
		name  string
		polys []classedPolygon
		want  Class
	}{
		{"majority vegetation", []classedPolygon{{rect(0, 90, 6, 100), OtherVegetation}}, OtherVegetation},
		{"minority vegetation loses to background", []classedPolygon{{rect(0, 90, 4, 100), OtherVegetation}}, Background},
		{"larger share wins", []classedPolygon{
			{rect(0, 90, 3, 100), Water},
			{rect(3, 90, 10, 100), Built},
		}, Built},
		{"split polygons of one class add up", []classedPolygon{
			{rect(0, 90, 3, 100), Broadleaf},
			{rect(3, 90, 6, 100), Broadleaf},
			{rect(6, 90, 10, 100), Road},
		}, Broadleaf},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grid := rasterizeSmall(t, nil, tt.polys, nil)
			assert.Equal(t, tt.want, grid.At(0, 0))
			assert.Equal(t, Background, grid.At(1, 1))
		})
	}
}

func TestRasterizeTieBreak(t *testing.T) {
	halves := []classedPolygon{
		{rect(0, 90, 5, 100), Water},
		{rect(5, 90, 10, 100), OtherVegetation},
	}

	grid := rasterizeSmall(t, nil, halves, nil)
	assert.Equal(t, Water, grid.At(0, 0), "water ranks first by default")

	priority, err := ParsePriority([]string{"vegetation"})
	require.NoError(t, err)
	grid = rasterizeSmall(t, priority, halves, nil)
	assert.Equal(t, OtherVegetation, grid.At(0, 0))

	// half vegetation, half uncovered
	half := []classedPolygon{{rect(0, 90, 5, 100), OtherVegetation}}
	grid = rasterizeSmall(t, nil, half, nil)
	assert.Equal(t, OtherVegetation, grid.At(0, 0), "vegetation ranks before background")

	priority, err = ParsePriority([]string{"other", "water"})
	require.NoError(t, err)
	grid = rasterizeSmall(t, priority, half, nil)
	assert.Equal(t, Background, grid.At(0, 0))

	// same group falls back to the lower class value
	sameGroup := []classedPolygon{
		{rect(0, 90, 5, 100), Parcel},
		{rect(5, 90, 10, 100), Broadleaf},
	}
	grid = rasterizeSmall(t, nil, sameGroup, nil)
	assert.Equal(t, Broadleaf, grid.At(0, 0))
}

func TestRasterizeBurnsLinesInOrder(t *testing.T) {
	lines := []classedLine{
		{orb.MultiLineString{{{0, 55}, {100, 55}}}, Road},
		{orb.MultiLineString{{{35, 0}, {35, 100}}}, Water},
	}
	polys := []classedPolygon{{rect(0, 0, 100, 100), Broadleaf}}
	grid := rasterizeSmall(t, nil, polys, lines)

	for col := 0; col < 10; col++ {
		if col == 3 {
			continue
		}
		assert.Equal(t, Road, grid.At(col, 4), "col %d", col)
	}
	for row := 0; row < 10; row++ {
		assert.Equal(t, Water, grid.At(3, row), "row %d", row)
	}
	assert.Equal(t, Water, grid.At(3, 4), "later lines win at crossings")
	assert.Equal(t, Broadleaf, grid.At(0, 0))
	assert.Equal(t, Broadleaf, grid.At(9, 9))
}

func TestBurnSegmentDiagonal(t *testing.T) {
	grid := NewGrid(small)
	burnSegment(grid, orb.Point{0, 0}, orb.Point{100, 100}, Rail)

	for i := 0; i < 10; i++ {
		assert.Equal(t, Rail, grid.At(i, 9-i), "diagonal cell %d", i)
	}
	assert.Equal(t, Background, grid.At(9, 9))
	assert.Equal(t, Background, grid.At(0, 0))
}

func TestBurnSegmentOutsideIsIgnored(t *testing.T) {
	grid := NewGrid(small)
	burnSegment(grid, orb.Point{-50, 5}, orb.Point{25, 5}, Road)

	assert.Equal(t, Road, grid.At(0, 9))
	assert.Equal(t, Road, grid.At(2, 9))
	assert.Equal(t, Background, grid.At(3, 9))
}

func TestRasterizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRasterizer(DefaultPriority, 1).rasterize(ctx, small, []classedPolygon{{rect(0, 0, 100, 100), Water}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGridWindowAndGray(t *testing.T) {
	grid := NewGrid(small)
	grid.Set(4, 6, Water)
	grid.Set(5, 7, Road)

	win := grid.Window(4, 6, 3, 2)
	assert.Equal(t, 3, win.Width)
	assert.Equal(t, 2, win.Height)
	assert.Equal(t, Water, win.At(0, 0))
	assert.Equal(t, Road, win.At(1, 1))
	assert.Equal(t, common.BoundingBox{MinX: 40, MinY: 20, MaxX: 70, MaxY: 40}, win.AOI)

	gray := grid.Gray()
	assert.Equal(t, image.Rect(0, 0, 10, 10), gray.Bounds())
	assert.Equal(t, uint8(Water), gray.GrayAt(4, 6).Y)

	back := GridFromGray(small, gray)
	assert.Equal(t, grid.Pix, back.Pix)
	assert.Equal(t, map[Class]int{Background: 98, Water: 1, Road: 1}, back.Counts())
}

func TestPixelBound(t *testing.T) {
	grid := NewGrid(small)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 90}, Max: orb.Point{10, 100}}, grid.PixelBound(0, 0))
	assert.Equal(t, orb.Bound{Min: orb.Point{90, 0}, Max: orb.Point{100, 10}}, grid.PixelBound(9, 9))
}
