package layering

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"geoslice/internal/common"
	"geoslice/internal/logging"
	"geoslice/internal/progress"
	"geoslice/internal/region"
)

// DatasetLookup returns the extracted dataset directory of kind for a region
type DatasetLookup func(kind common.DatasetKind, regionCode string) (dir string, ok bool)

// Options configures an Engine
type Options struct {
	Priority []Group
	Dedup    DedupPolicy
	Workers  int // CPU pool size for themes and raster bands
	MemoSize int // source layers kept in memory
	Log      *slog.Logger
}

// Engine builds layer sets. It is safe for concurrent use.
type Engine struct {
	opts Options
	rast *rasterizer
	memo *lru.Cache[string, []Feature]
	log  *slog.Logger
}

// NewEngine creates an engine
func NewEngine(opts Options) (*Engine, error) {
	if len(opts.Priority) == 0 {
		opts.Priority = DefaultPriority
	}
	if len(opts.Dedup.IDFields) == 0 && opts.Dedup.Precision == 0 {
		opts.Dedup = DefaultDedupPolicy()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MemoSize < 1 {
		opts.MemoSize = 32
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}

	memo, err := lru.New[string, []Feature](opts.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create source memo: %w", err)
	}
	return &Engine{
		opts: opts,
		rast: newRasterizer(opts.Priority, opts.Workers),
		memo: memo,
		log:  logging.Component(opts.Log, "layering"),
	}, nil
}

// themeResult is the output of one theme
type themeResult struct {
	layer *Layer
	polys []classedPolygon
	lines []classedLine
}

// Build clips every theme of every region to aoi, merges and deduplicates
// them, and rasterizes the class grids
func (e *Engine) Build(ctx context.Context, aoi common.BoundingBox, regions []region.Region, lookup DatasetLookup) (*LayerSet, error) {
	if err := aoi.ValidateAOI(); err != nil {
		return nil, &LayeringError{Layer: "*", Reason: "invalid AOI", Err: err}
	}
	start := time.Now()
	pub := progress.FromContext(ctx, nil)
	total := len(Themes) + len(RasterLayers)
	var done int32
	step := func(label string) {
		n := int(atomic.AddInt32(&done, 1))
		pub.Publish(progress.Fraction(progress.StageLayering, label, n, total))
	}

	results := make([]themeResult, len(Themes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, theme := range Themes {
		i, theme := i, theme
		g.Go(func() error {
			res, err := e.buildTheme(gctx, theme, aoi, regions, lookup)
			if err != nil {
				return err
			}
			results[i] = res
			step(theme.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &LayerSet{AOI: aoi}
	set.Layers = append(set.Layers, regionsLayer(aoi, regions))
	byName := make(map[string]themeResult, len(results))
	for _, res := range results {
		set.Layers = append(set.Layers, res.layer)
		byName[res.layer.Name] = res
	}

	rasters, err := e.buildRasters(ctx, aoi, byName, step)
	if err != nil {
		return nil, err
	}
	set.Layers = append(set.Layers, rasters...)

	if err := set.Check(aoi); err != nil {
		return nil, err
	}

	e.log.Info("layers built", "aoi", aoi.String(), "regions", len(regions),
		"duration", time.Since(start).Round(time.Millisecond))
	return set, nil
}

func regionsLayer(aoi common.BoundingBox, regions []region.Region) *Layer {
	fc := geojson.NewFeatureCollection()
	bound := aoi.Bound()
	for _, r := range regions {
		clipped := clipToAOI(bound, r.Geometry)
		if clipped == nil {
			continue
		}
		f := geojson.NewFeature(clipped)
		f.Properties["code"] = r.Code
		f.Properties["name"] = r.Name
		f.Properties["region"] = r.Code
		fc.Append(f)
	}
	return &Layer{Name: LayerRegions, Type: Vector, Extent: aoi, Resolution: common.Resolution, Features: fc}
}

func (e *Engine) buildTheme(ctx context.Context, theme Theme, aoi common.BoundingBox, regions []region.Region, lookup DatasetLookup) (themeResult, error) {
	bound := aoi.Bound()
	fc := geojson.NewFeatureCollection()
	res := themeResult{layer: &Layer{Name: theme.Name, Type: Vector, Extent: aoi, Resolution: common.Resolution, Features: fc}}

	seenDirs := make(map[string]bool)
	seenKeys := make(map[string]bool)
	dupes := 0

	for _, r := range regions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dir, ok := lookup(theme.Kind, r.Code)
		if !ok {
			return res, &LayeringError{Layer: theme.Name, Region: r.Code, Reason: fmt.Sprintf("%s dataset not available", theme.Kind.DisplayName())}
		}
		if seenDirs[dir] {
			continue
		}
		seenDirs[dir] = true

		for _, src := range theme.Sources {
			path := filepath.Join(dir, src+".shp")
			features, err := e.load(path, aoi)
			if os.IsNotExist(err) {
				e.log.Debug("source layer absent", "layer", src, "region", r.Code)
				continue
			}
			if err != nil {
				return res, &LayeringError{Layer: theme.Name, Region: r.Code, Reason: "cannot read " + src, Err: err}
			}

			for _, f := range features {
				clipped := clipToAOI(bound, f.Geometry)
				if clipped == nil {
					continue
				}
				if !within(bound, clipped) {
					return res, &LayeringError{Layer: theme.Name, Region: r.Code, Reason: "clipped feature outside AOI"}
				}

				key := e.opts.Dedup.Key(theme.Name, Feature{Geometry: clipped, Props: f.Props})
				if seenKeys[key] {
					dupes++
					continue
				}
				seenKeys[key] = true

				class := classify(theme.Name, f.Props)
				gf := geojson.NewFeature(clipped)
				for k, v := range f.Props {
					gf.Properties[k] = v
				}
				gf.Properties["layer"] = f.Source
				gf.Properties["region"] = r.Code
				gf.Properties["class"] = class.String()
				fc.Append(gf)

				switch c := clipped.(type) {
				case orb.Polygon, orb.MultiPolygon:
					res.polys = append(res.polys, classedPolygon{geom: c, class: class})
				case orb.MultiLineString:
					res.lines = append(res.lines, classedLine{geom: c, class: class})
				case orb.LineString:
					res.lines = append(res.lines, classedLine{geom: orb.MultiLineString{c}, class: class})
				}
			}
		}
	}

	e.log.Debug("theme built", "layer", theme.Name, "features", len(fc.Features), "duplicates", dupes)
	return res, nil
}

// load reads a source layer through the memo. The key includes the file's
// size and modification time so a reacquired dataset is read again.
func (e *Engine) load(path string, aoi common.BoundingBox) ([]Feature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%d|%s", path, info.Size(), info.ModTime().UnixNano(), aoi)
	if features, ok := e.memo.Get(key); ok {
		return features, nil
	}

	features, err := readShapefile(path, aoi.Bound())
	if err != nil {
		return nil, err
	}
	e.memo.Add(key, features)
	return features, nil
}

// buildRasters derives the landcover, vegetation and water grids
func (e *Engine) buildRasters(ctx context.Context, aoi common.BoundingBox, themes map[string]themeResult, step func(string)) ([]*Layer, error) {
	var landPolys, vegPolys, waterPolys []classedPolygon
	for _, name := range []string{LayerVegetation, LayerParcels, LayerHydrology, LayerBuildings, LayerInfrastructure} {
		polys := themes[name].polys
		landPolys = append(landPolys, polys...)
		switch name {
		case LayerVegetation, LayerParcels:
			vegPolys = append(vegPolys, polys...)
		case LayerHydrology:
			waterPolys = append(waterPolys, polys...)
		}
	}

	// burn order: roads, railways, then watercourses on top
	var landLines []classedLine
	for _, name := range []string{LayerRoads, LayerRailways, LayerHydrology} {
		landLines = append(landLines, themes[name].lines...)
	}
	waterLines := themes[LayerHydrology].lines

	rasters := []struct {
		name  string
		polys []classedPolygon
		lines []classedLine
	}{
		{LayerLandcover, landPolys, landLines},
		{LayerVegetationRaster, vegPolys, nil},
		{LayerHydrologyRaster, waterPolys, waterLines},
	}

	layers := make([]*Layer, len(rasters))
	for i, r := range rasters {
		grid, err := e.rast.rasterize(ctx, aoi, r.polys, r.lines)
		if err != nil {
			return nil, &LayeringError{Layer: r.name, Reason: "rasterization cancelled", Err: err}
		}
		layers[i] = &Layer{Name: r.name, Type: Raster, Extent: aoi, Resolution: common.Resolution, Grid: grid}
		step(r.name)
	}
	return layers, nil
}
