package common

import "fmt"

// TileBounds is the grid of export tiles covering an AOI. Row 0 is the
// northern edge and Col 0 the western edge.
type TileBounds struct {
	AOI  BoundingBox
	cols int
	rows int
}

// TileCoord addresses one tile in the grid
type TileCoord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// String renders the coordinate as used in bundle file names
func (c TileCoord) String() string {
	return fmt.Sprintf("%d_%d", c.Row, c.Col)
}

// CalculateTileBounds returns the tile grid for a validated AOI
func CalculateTileBounds(aoi BoundingBox) (TileBounds, error) {
	if err := aoi.ValidateAOI(); err != nil {
		return TileBounds{}, err
	}
	return TileBounds{
		AOI:  aoi,
		cols: aoi.PixelWidth() / TilePixels,
		rows: aoi.PixelHeight() / TilePixels,
	}, nil
}

// Cols returns the number of columns in the grid
func (tb TileBounds) Cols() int {
	return tb.cols
}

// Rows returns the number of rows in the grid
func (tb TileBounds) Rows() int {
	return tb.rows
}

// Count returns the number of tiles per rendering
func (tb TileBounds) Count() int {
	return tb.cols * tb.rows
}

// Coords lists every tile in row-major order starting at the northwest corner
func (tb TileBounds) Coords() []TileCoord {
	coords := make([]TileCoord, 0, tb.Count())
	for row := 0; row < tb.rows; row++ {
		for col := 0; col < tb.cols; col++ {
			coords = append(coords, TileCoord{Row: row, Col: col})
		}
	}
	return coords
}

// Extent returns the ground rectangle covered by a tile
func (tb TileBounds) Extent(c TileCoord) BoundingBox {
	minX := tb.AOI.MinX + float64(c.Col)*TileMeters
	maxY := tb.AOI.MaxY - float64(c.Row)*TileMeters
	return BoundingBox{MinX: minX, MinY: maxY - TileMeters, MaxX: minX + TileMeters, MaxY: maxY}
}

// PixelOrigin returns the upper-left pixel of a tile within the AOI raster
func (tb TileBounds) PixelOrigin(c TileCoord) (x, y int) {
	return c.Col * TilePixels, c.Row * TilePixels
}
