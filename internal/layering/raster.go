package layering

import (
	"context"
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"

	"geoslice/internal/common"
)

// Grid is a single-band class raster aligned on the AOI, row 0 at the north
type Grid struct {
	AOI        common.BoundingBox
	Resolution float64
	Width      int
	Height     int
	Pix        []uint8
}

// NewGrid allocates a background grid covering aoi at the fixed resolution
func NewGrid(aoi common.BoundingBox) *Grid {
	w, h := aoi.PixelWidth(), aoi.PixelHeight()
	return &Grid{AOI: aoi, Resolution: common.Resolution, Width: w, Height: h, Pix: make([]uint8, w*h)}
}

// At returns the class of pixel (col, row)
func (g *Grid) At(col, row int) Class {
	return Class(g.Pix[row*g.Width+col])
}

// Set assigns the class of pixel (col, row)
func (g *Grid) Set(col, row int, c Class) {
	g.Pix[row*g.Width+col] = uint8(c)
}

// PixelBound is the ground footprint of pixel (col, row)
func (g *Grid) PixelBound(col, row int) orb.Bound {
	x0 := g.AOI.MinX + float64(col)*g.Resolution
	y1 := g.AOI.MaxY - float64(row)*g.Resolution
	return orb.Bound{Min: orb.Point{x0, y1 - g.Resolution}, Max: orb.Point{x0 + g.Resolution, y1}}
}

// Gray returns the grid as an image sharing its pixels
func (g *Grid) Gray() *image.Gray {
	return &image.Gray{Pix: g.Pix, Stride: g.Width, Rect: image.Rect(0, 0, g.Width, g.Height)}
}

// GridFromGray wraps a decoded gray image as a grid over aoi
func GridFromGray(aoi common.BoundingBox, img *image.Gray) *Grid {
	b := img.Bounds()
	g := NewGrid(aoi)
	for y := 0; y < b.Dy() && y < g.Height; y++ {
		copy(g.Pix[y*g.Width:(y+1)*g.Width], img.Pix[y*img.Stride:y*img.Stride+b.Dx()])
	}
	return g
}

// Window copies the pixels of a sub-rectangle into a new grid
func (g *Grid) Window(col, row, w, h int) *Grid {
	aoi := common.BoundingBox{
		MinX: g.AOI.MinX + float64(col)*g.Resolution,
		MaxY: g.AOI.MaxY - float64(row)*g.Resolution,
	}
	aoi.MaxX = aoi.MinX + float64(w)*g.Resolution
	aoi.MinY = aoi.MaxY - float64(h)*g.Resolution
	out := &Grid{AOI: aoi, Resolution: g.Resolution, Width: w, Height: h, Pix: make([]uint8, w*h)}
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], g.Pix[(row+y)*g.Width+col:(row+y)*g.Width+col+w])
	}
	return out
}

// Counts returns the number of pixels per class
func (g *Grid) Counts() map[Class]int {
	counts := make(map[Class]int)
	for _, v := range g.Pix {
		counts[Class(v)]++
	}
	return counts
}

// areaEpsilon is the tolerance, in square meters, under which two areas tie
const areaEpsilon = 1e-6

// classedPolygon is an areal feature contributing one class
type classedPolygon struct {
	geom  orb.Geometry // orb.Polygon or orb.MultiPolygon
	class Class
}

// classedLine is a linear feature burned over the area result
type classedLine struct {
	geom  orb.MultiLineString
	class Class
}

// rasterizer assigns each pixel the class covering the largest share of it
type rasterizer struct {
	rank    map[Group]int
	workers int
	band    int // rows per work unit
}

func newRasterizer(priority []Group, workers int) *rasterizer {
	rank := make(map[Group]int, len(priority))
	for i, g := range priority {
		rank[g] = i
	}
	for _, g := range DefaultPriority {
		if _, ok := rank[g]; !ok {
			rank[g] = len(rank)
		}
	}
	if workers < 1 {
		workers = 1
	}
	return &rasterizer{rank: rank, workers: workers, band: 25}
}

// better reports whether class a with area aa beats class b with area ab
func (r *rasterizer) better(a Class, aa float64, b Class, ab float64) bool {
	if aa > ab+areaEpsilon {
		return true
	}
	if ab > aa+areaEpsilon {
		return false
	}
	ra, rb := r.rank[a.Group()], r.rank[b.Group()]
	if ra != rb {
		return ra < rb
	}
	return a < b
}

// rasterize fills a new grid from areal features by majority area, then
// burns lines in order with all-touched semantics
func (r *rasterizer) rasterize(ctx context.Context, aoi common.BoundingBox, polys []classedPolygon, lines []classedLine) (*Grid, error) {
	grid := NewGrid(aoi)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for top := 0; top < grid.Height; top += r.band {
		top := top
		bottom := top + r.band
		if bottom > grid.Height {
			bottom = grid.Height
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.fillBand(grid, top, bottom, polys)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, l := range lines {
		burnLines(grid, l.geom, l.class)
	}
	return grid, nil
}

// fillBand resolves rows [top, bottom). Bands never share pixels.
func (r *rasterizer) fillBand(grid *Grid, top, bottom int, polys []classedPolygon) {
	w := grid.Width
	areas := make([][]float64, numClasses)
	bandBound := orb.Bound{
		Min: orb.Point{grid.AOI.MinX, grid.AOI.MaxY - float64(bottom)*grid.Resolution},
		Max: orb.Point{grid.AOI.MaxX, grid.AOI.MaxY - float64(top)*grid.Resolution},
	}

	for _, p := range polys {
		pb := p.geom.Bound()
		if !bandBound.Intersects(pb) {
			continue
		}
		inBand := clip.Geometry(bandBound, p.geom)
		if inBand == nil {
			continue
		}
		if areas[p.class] == nil {
			areas[p.class] = make([]float64, w*(bottom-top))
		}
		acc := areas[p.class]

		r0, r1 := rowRange(grid, inBand.Bound(), top, bottom)
		c0, c1 := colRange(grid, inBand.Bound())
		for row := r0; row < r1; row++ {
			strip := orb.Bound{
				Min: orb.Point{grid.AOI.MinX, grid.AOI.MaxY - float64(row+1)*grid.Resolution},
				Max: orb.Point{grid.AOI.MaxX, grid.AOI.MaxY - float64(row)*grid.Resolution},
			}
			inRow := clip.Geometry(strip, inBand)
			if inRow == nil {
				continue
			}
			rc0, rc1 := colRange(grid, inRow.Bound())
			if rc0 < c0 {
				rc0 = c0
			}
			if rc1 > c1 {
				rc1 = c1
			}
			for col := rc0; col < rc1; col++ {
				cell := clip.Geometry(grid.PixelBound(col, row), inRow)
				if cell == nil {
					continue
				}
				if a := math.Abs(planar.Area(cell)); a > 0 {
					acc[(row-top)*w+col] += a
				}
			}
		}
	}

	pixelArea := grid.Resolution * grid.Resolution
	for row := top; row < bottom; row++ {
		for col := 0; col < w; col++ {
			i := (row-top)*w + col
			covered := 0.0
			winner, winArea := Background, -1.0
			for c := 1; c < numClasses; c++ {
				if areas[c] == nil || areas[c][i] <= 0 {
					continue
				}
				a := areas[c][i]
				covered += a
				if winArea < 0 || r.better(Class(c), a, winner, winArea) {
					winner, winArea = Class(c), a
				}
			}
			if winArea < 0 {
				continue
			}
			if bg := math.Max(pixelArea-covered, 0); r.better(Background, bg, winner, winArea) {
				winner = Background
			}
			grid.Set(col, row, winner)
		}
	}
}

func rowRange(grid *Grid, b orb.Bound, top, bottom int) (int, int) {
	r0 := int(math.Floor((grid.AOI.MaxY - b.Max[1]) / grid.Resolution))
	r1 := int(math.Ceil((grid.AOI.MaxY - b.Min[1]) / grid.Resolution))
	if r0 < top {
		r0 = top
	}
	if r1 > bottom {
		r1 = bottom
	}
	return r0, r1
}

func colRange(grid *Grid, b orb.Bound) (int, int) {
	c0 := int(math.Floor((b.Min[0] - grid.AOI.MinX) / grid.Resolution))
	c1 := int(math.Ceil((b.Max[0] - grid.AOI.MinX) / grid.Resolution))
	if c0 < 0 {
		c0 = 0
	}
	if c1 > grid.Width {
		c1 = grid.Width
	}
	return c0, c1
}

// burnLines sets every pixel a line passes through to class
func burnLines(grid *Grid, mls orb.MultiLineString, class Class) {
	for _, ls := range mls {
		if len(ls) == 1 {
			burnPoint(grid, ls[0], class)
		}
		for i := 1; i < len(ls); i++ {
			burnSegment(grid, ls[i-1], ls[i], class)
		}
	}
}

func burnPoint(grid *Grid, p orb.Point, class Class) {
	col, row := grid.cellOf(p)
	if col >= 0 && col < grid.Width && row >= 0 && row < grid.Height {
		grid.Set(col, row, class)
	}
}

// cellOf returns the pixel containing p in continuous grid coordinates,
// clamping points on the east and south edges inside
func (g *Grid) cellOf(p orb.Point) (int, int) {
	fx := (p[0] - g.AOI.MinX) / g.Resolution
	fy := (g.AOI.MaxY - p[1]) / g.Resolution
	col, row := int(math.Floor(fx)), int(math.Floor(fy))
	if col == g.Width && fx <= float64(g.Width) {
		col = g.Width - 1
	}
	if row == g.Height && fy <= float64(g.Height) {
		row = g.Height - 1
	}
	return col, row
}

// burnSegment walks the grid cells crossed by segment a-b (Amanatides-Woo)
func burnSegment(grid *Grid, a, b orb.Point, class Class) {
	x0 := (a[0] - grid.AOI.MinX) / grid.Resolution
	y0 := (grid.AOI.MaxY - a[1]) / grid.Resolution
	x1 := (b[0] - grid.AOI.MinX) / grid.Resolution
	y1 := (grid.AOI.MaxY - b[1]) / grid.Resolution

	col, row := grid.cellOf(a)
	endCol, endRow := grid.cellOf(b)

	dx, dy := x1-x0, y1-y0
	stepX, stepY := 0, 0
	tMaxX, tMaxY := math.Inf(1), math.Inf(1)
	tDeltaX, tDeltaY := math.Inf(1), math.Inf(1)
	if dx > 0 {
		stepX = 1
		tMaxX = (float64(col+1) - x0) / dx
		tDeltaX = 1 / dx
	} else if dx < 0 {
		stepX = -1
		tMaxX = (x0 - float64(col)) / -dx
		tDeltaX = 1 / -dx
	}
	if dy > 0 {
		stepY = 1
		tMaxY = (float64(row+1) - y0) / dy
		tDeltaY = 1 / dy
	} else if dy < 0 {
		stepY = -1
		tMaxY = (y0 - float64(row)) / -dy
		tDeltaY = 1 / -dy
	}

	limit := grid.Width + grid.Height + 2
	for n := 0; n <= limit*2; n++ {
		if col >= 0 && col < grid.Width && row >= 0 && row < grid.Height {
			grid.Set(col, row, class)
		}
		if col == endCol && row == endRow {
			return
		}
		if tMaxX < tMaxY {
			if tMaxX > 1 {
				return
			}
			col += stepX
			tMaxX += tDeltaX
		} else {
			if tMaxY > 1 {
				return
			}
			row += stepY
			tMaxY += tDeltaY
		}
	}
}
