// Package export turns a ready project into its tiled zip bundle.
package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"geoslice/internal/common"
	"geoslice/internal/gpkg"
	"geoslice/internal/layering"
	"geoslice/internal/logging"
	"geoslice/internal/progress"
	"geoslice/internal/project"
	"geoslice/internal/retry"
	"geoslice/internal/utils/naming"
	"geoslice/internal/video"
	"geoslice/pkg/geotiff"
)

// Renderings of each tile
const (
	RenderingOrtho      = "ortho"
	RenderingVegetation = "vegetation"
)

// Bundle members besides the tiles
const (
	VectorsFile = "vectors.gpkg"
	RasterFile  = "raster.tif"
)

// Export steps, in order
const (
	StepLoad      = "load"
	StepTiling    = "tiling"
	StepVectors   = "vectors"
	StepRaster    = "raster"
	StepPackaging = "packaging"
	StepPreview   = "preview"
	StepPlacement = "placement"
)

// ErrNotReady is returned when exporting a project that is still building
var ErrNotReady = errors.New("project is not ready for export")

// ExportError is a step that failed after exhausting its retries
type ExportError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// OrthoSource provides aerial imagery for a ground rectangle
type OrthoSource interface {
	GetMap(ctx context.Context, bbox common.BoundingBox, width, height int) (image.Image, error)
}

// Options configures an Exporter
type Options struct {
	Policy      retry.Policy
	Workers     int // tiles rendered in parallel
	JPEGQuality int
	Preview     bool
	PreviewFPS  int
	TempDir     string // staging area; defaults to os.TempDir()
	Log         *slog.Logger
	Progress    progress.Publisher // used when the context carries none
}

// Result describes a written bundle
type Result struct {
	ProjectID   string        `json:"projectId"`
	Path        string        `json:"path"`
	PreviewPath string        `json:"previewPath,omitempty"`
	Tiles       int           `json:"tiles"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
}

// Exporter writes export bundles. It is safe for concurrent use on
// different projects.
type Exporter struct {
	store *project.Store
	ortho OrthoSource
	opts  Options
	log   *slog.Logger
}

// NewExporter creates an exporter reading projects from store
func NewExporter(store *project.Store, ortho OrthoSource, opts Options) *Exporter {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}
	if opts.PreviewFPS < 1 {
		opts.PreviewFPS = 2
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Exporter{store: store, ortho: ortho, opts: opts, log: logging.Component(opts.Log, "export")}
}

// job is the state of one export run
type job struct {
	p       *project.Project
	set     *layering.LayerSet
	tb      common.TileBounds
	staging string
	outDir  string
	pub     progress.Publisher
	runner  *retry.Runner

	vegetation *image.RGBA
	bundleTmp  string
	previewTmp string
}

// Export writes the bundle of a ready project to outDir, replacing any
// previous bundle of the same project. A failed export leaves the previous
// bundle untouched and no partial file at the final path.
func (e *Exporter) Export(ctx context.Context, projectID, outDir string) (*Result, error) {
	start := time.Now()
	p, err := e.store.Load(projectID)
	if err != nil {
		return nil, err
	}
	if !p.Ready() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, p.ID, p.Status)
	}
	tb, err := common.CalculateTileBounds(p.AOI)
	if err != nil {
		return nil, &ExportError{Step: StepLoad, Err: err}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, &ExportError{Step: StepPlacement, Attempts: 1, Err: err}
	}

	pub := progress.Scoped{ProjectID: p.ID, Next: progress.FromContext(ctx, e.opts.Progress)}
	j := &job{p: p, tb: tb, outDir: outDir, pub: pub}
	j.runner = retry.NewRunner(e.opts.Policy, func(ev retry.Event) {
		e.log.Warn("export step failed, retrying", "project", p.ID, "step", ev.Label, "attempt", ev.Attempt, "wait", ev.Wait, "error", ev.Err)
	})

	staging, err := os.MkdirTemp(e.opts.TempDir, "export-"+p.ID+"-*")
	if err != nil {
		return nil, &ExportError{Step: StepLoad, Attempts: 1, Err: err}
	}
	j.staging = staging
	defer os.RemoveAll(staging)
	defer j.discardTemps()

	steps := []struct {
		name  string
		stage progress.Stage
		run   func(context.Context) error
		skip  bool
	}{
		{StepLoad, "", j.load(e), false},
		{StepTiling, "", j.tiles(e), false},
		{StepVectors, progress.StageVectors, j.vectors, false},
		{StepRaster, progress.StageRaster, j.raster, false},
		{StepPackaging, progress.StagePackaging, j.pack, false},
		{StepPreview, progress.StagePackaging, j.preview(e), !e.opts.Preview},
	}
	for _, s := range steps {
		if s.skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := j.runner.Run(ctx, s.name, func(ctx context.Context, attempt int) error {
			if attempt == 1 && s.stage != "" {
				pub.Publish(progress.Event{Stage: s.stage, Label: s.name, Percent: progress.Indeterminate})
			}
			return s.run(ctx)
		})
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return nil, res.Err
			}
			pub.Publish(progress.Event{Stage: progress.StageFailed, Label: s.name, Percent: progress.Indeterminate})
			e.log.Error("export failed", "project", p.ID, "step", s.name, "attempts", res.Attempts, "error", res.Err)
			return nil, &ExportError{Step: s.name, Attempts: res.Attempts, Err: res.Err}
		}
	}

	result, err := j.place(ctx)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	p.Export = &project.ExportState{Path: result.Path, ExportedAt: time.Now().UTC(), Tiles: result.Tiles}
	if err := e.store.Save(p); err != nil {
		e.log.Warn("failed to record export", "project", p.ID, "error", err)
	}
	pub.Publish(progress.Event{Stage: progress.StageComplete, Label: filepath.Base(result.Path), Percent: 100})
	e.log.Info("export complete", "project", p.ID, "path", result.Path, "tiles", result.Tiles,
		"size", result.Size, "duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

func (j *job) load(e *Exporter) func(context.Context) error {
	return func(ctx context.Context) error {
		set, err := e.store.LoadLayers(j.p)
		if err != nil {
			var lerr *layering.LayeringError
			if errors.As(err, &lerr) {
				return retry.Permanent(err)
			}
			return err
		}
		land, ok := set.Get(layering.LayerLandcover)
		if !ok {
			return retry.Permanent(&layering.LayeringError{Layer: layering.LayerLandcover, Reason: "missing"})
		}
		j.set = set
		j.vegetation = RenderVegetation(land.Grid)
		return nil
	}
}

func (j *job) tilePath(rendering string, c common.TileCoord) string {
	return filepath.Join(j.staging, filepath.FromSlash(naming.GenerateTileFilename(rendering, c.Row, c.Col)))
}

// renderTile writes one rendering of a tile. A tile written by an earlier
// attempt is kept.
func (e *Exporter) renderTile(ctx context.Context, j *job, rendering string, c common.TileCoord) error {
	path := j.tilePath(rendering, c)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var img image.Image
	switch rendering {
	case RenderingOrtho:
		m, err := e.ortho.GetMap(ctx, j.tb.Extent(c), common.TilePixels, common.TilePixels)
		if err != nil {
			return fmt.Errorf("ortho tile %s: %w", c, err)
		}
		img = m
	case RenderingVegetation:
		x, y := j.tb.PixelOrigin(c)
		img = j.vegetation.SubImage(image.Rect(x, y, x+common.TilePixels, y+common.TilePixels))
	}
	return writeJPEG(path, img, e.opts.JPEGQuality)
}

func (j *job) tiles(e *Exporter) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, r := range []string{RenderingOrtho, RenderingVegetation} {
			if err := os.MkdirAll(filepath.Join(j.staging, "tiles", r), 0755); err != nil {
				return err
			}
		}

		coords := j.tb.Coords()
		total := len(coords) * 2
		var done int32

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Workers)
		for _, c := range coords {
			c := c
			for _, r := range []string{RenderingOrtho, RenderingVegetation} {
				r := r
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					if err := e.renderTile(gctx, j, r, c); err != nil {
						return err
					}
					n := int(atomic.AddInt32(&done, 1))
					j.pub.Publish(progress.Fraction(progress.StageTiling, r+" "+c.String(), n, total))
					return nil
				})
			}
		}
		return g.Wait()
	}
}

func (j *job) vectors(ctx context.Context) error {
	path := filepath.Join(j.staging, VectorsFile)
	w, err := gpkg.Create(ctx, path, common.EPSG)
	if err != nil {
		return err
	}
	for _, l := range j.set.Vector() {
		if err := w.WriteLayer(ctx, l.Name, l.Name+" of "+j.p.Name, l.Features, l.Extent.Bound()); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (j *job) raster(ctx context.Context) error {
	return geotiff.WriteFile(filepath.Join(j.staging, RasterFile), j.vegetation, geotiff.Georef{
		OriginX:     j.p.AOI.MinX,
		OriginY:     j.p.AOI.MaxY,
		PixelSize:   common.Resolution,
		EPSG:        common.EPSG,
		Description: j.p.Name + " vegetation",
		DateTime:    time.Now().Format("2006:01:02 15:04:05"),
	})
}

// pack writes the zip under a temporary name in the output directory
func (j *job) pack(ctx context.Context) error {
	j.discardBundle()
	tmp, err := os.CreateTemp(j.outDir, "."+naming.Slugify(j.p.Name)+"-*.zip.tmp")
	if err != nil {
		return err
	}
	j.bundleTmp = tmp.Name()

	if err := writeBundle(ctx, tmp, j.staging, j.members()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	return tmp.Close()
}

// members lists the bundle entries in their fixed order
func (j *job) members() []string {
	var names []string
	for _, r := range []string{RenderingOrtho, RenderingVegetation} {
		for _, c := range j.tb.Coords() {
			names = append(names, naming.GenerateTileFilename(r, c.Row, c.Col))
		}
	}
	return append(names, VectorsFile, RasterFile)
}

func (j *job) preview(e *Exporter) func(context.Context) error {
	return func(ctx context.Context) error {
		j.discardPreview()
		coords := j.tb.Coords()
		frames := make([]video.Frame, 0, len(coords))
		for _, c := range coords {
			img, err := readJPEG(j.tilePath(RenderingOrtho, c))
			if err != nil {
				return err
			}
			frames = append(frames, video.Frame{Image: img, Label: fmt.Sprintf("r%d c%d", c.Row, c.Col)})
		}

		opts := video.DefaultExportOptions()
		opts.FrameRate = e.opts.PreviewFPS
		opts.Quality = e.opts.JPEGQuality
		exporter, err := video.NewExporter(opts)
		if err != nil {
			return retry.Permanent(err)
		}

		tmp, err := os.CreateTemp(j.outDir, ".preview-*.avi")
		if err != nil {
			return err
		}
		j.previewTmp = tmp.Name()
		tmp.Close()
		return exporter.ExportVideo(frames, j.previewTmp)
	}
}

// place renames the staged bundle, then the preview, to their final names
func (j *job) place(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := filepath.Join(j.outDir, naming.GenerateBundleFilename(j.p.Name))
	res := j.runner.Run(ctx, StepPlacement, func(ctx context.Context, attempt int) error {
		return os.Rename(j.bundleTmp, final)
	})
	if res.Err != nil {
		return nil, &ExportError{Step: StepPlacement, Attempts: res.Attempts, Err: res.Err}
	}
	j.bundleTmp = ""
	j.pub.Publish(progress.Event{Stage: progress.StagePlacement, Label: filepath.Base(final), Percent: 100})

	result := &Result{ProjectID: j.p.ID, Path: final, Tiles: j.tb.Count() * 2}
	if info, err := os.Stat(final); err == nil {
		result.Size = info.Size()
	}

	if j.previewTmp != "" {
		previewPath := filepath.Join(j.outDir, naming.GeneratePreviewFilename(j.p.Name))
		if err := os.Rename(j.previewTmp, previewPath); err == nil {
			result.PreviewPath = previewPath
			j.previewTmp = ""
		}
	}
	return result, nil
}

func (j *job) discardBundle() {
	if j.bundleTmp != "" {
		os.Remove(j.bundleTmp)
		j.bundleTmp = ""
	}
}

func (j *job) discardPreview() {
	if j.previewTmp != "" {
		os.Remove(j.previewTmp)
		j.previewTmp = ""
	}
}

func (j *job) discardTemps() {
	j.discardBundle()
	j.discardPreview()
}

func writeJPEG(path string, img image.Image, quality int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: quality}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jpeg.Decode(f)
}
