package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"geoslice/internal/acquire"
	"geoslice/internal/cache"
	"geoslice/internal/common"
	"geoslice/internal/config"
	"geoslice/internal/export"
	"geoslice/internal/ign"
	"geoslice/internal/jobs"
	"geoslice/internal/layering"
	"geoslice/internal/logging"
	"geoslice/internal/progress"
	"geoslice/internal/project"
	"geoslice/internal/region"
	"geoslice/internal/telemetry"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  = "0.0.0-dev"
)

// App wires the pipeline components together for the commands
type App struct {
	settings *config.Settings
	log      *slog.Logger
	tracker  *telemetry.Tracker
	bus      *progress.Bus

	orthoCache *cache.ImageryCache
	client     *ign.Client
	ortho      *ign.WMS
	datasets   *acquire.Manager
	engine     *layering.Engine
	store      *project.Store
	exporter   *export.Exporter
	jobs       *jobs.Queue

	mu      sync.Mutex
	catalog *region.Catalog
	builder *project.Builder
}

// NewApp creates every component from settings. Logs go to logOut.
func NewApp(settings *config.Settings, logOut io.Writer) (*App, error) {
	log := logging.New(settings.LogLevel, logOut)

	orthoCache, err := cache.NewImageryCache(cache.GetCacheDir("ortho"), settings.Ortho.Cache)
	if err != nil {
		log.Warn("failed to initialize ortho cache, continuing without it", "error", err)
		orthoCache = nil
	}

	client := ign.NewClient(ign.Options{
		RequestsPerSecond: settings.Ortho.RequestsPerSecond,
		Burst:             settings.Ortho.Burst,
	})
	ortho := ign.NewWMS(client, ign.WMSOptions{
		URL:    settings.Ortho.URL,
		Layer:  settings.Ortho.Layer,
		Format: settings.Ortho.Format,
	}, orthoCache)
	locator := ign.NewLocator(client, map[common.DatasetKind]string{
		common.KindVegetation: settings.Sources.VegetationPage,
		common.KindTopography: settings.Sources.TopographyPage,
		common.KindParcels:    settings.Sources.ParcelsPage,
	})

	bus := progress.NewBus(256)
	policy := settings.Retry.Policy()

	datasets, err := acquire.NewManager(acquire.Options{
		Dir:             settings.CacheDir,
		TempDir:         filepath.Join(settings.TempDir, "downloads"),
		MaxConcurrent:   settings.MaxConcurrentDownloads,
		Policy:          policy,
		KeepArchives:    settings.KeepArchives,
		VerifyChecksums: settings.VerifyChecksums,
		Log:             log,
		Progress:        bus,
	}, locator, client)
	if err != nil {
		return nil, err
	}

	priority, err := layering.ParsePriority(settings.Raster.Priority)
	if err != nil {
		return nil, err
	}
	engine, err := layering.NewEngine(layering.Options{
		Priority: priority,
		Dedup: layering.DedupPolicy{
			IDFields:  settings.Raster.DedupIDFields,
			Precision: settings.Raster.DedupPrecision,
		},
		Workers: settings.MaxConcurrentTiles,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}

	store, err := project.NewStore(settings.ProjectsDir)
	if err != nil {
		return nil, err
	}

	exporter := export.NewExporter(store, ortho, export.Options{
		Policy:      policy,
		Workers:     settings.MaxConcurrentTiles,
		JPEGQuality: settings.Export.JPEGQuality,
		Preview:     settings.Export.Preview,
		PreviewFPS:  settings.Export.PreviewFPS,
		TempDir:     settings.TempDir,
		Log:         log,
		Progress:    bus,
	})

	queue, err := jobs.NewQueue(filepath.Join(filepath.Dir(settings.ProjectsDir), "jobs"), 1, log)
	if err != nil {
		return nil, err
	}

	key, host := settings.Telemetry.PostHogKey, settings.Telemetry.PostHogHost
	if key == "" {
		key, host = PostHogKey, PostHogHost
	}

	return &App{
		settings:   settings,
		log:        log,
		tracker:    telemetry.New(key, host, settings.Telemetry.InstallID, log),
		bus:        bus,
		orthoCache: orthoCache,
		client:     client,
		ortho:      ortho,
		datasets:   datasets,
		engine:     engine,
		store:      store,
		exporter:   exporter,
		jobs:       queue,
	}, nil
}

// Shutdown cancels running jobs and flushes caches and telemetry
func (a *App) Shutdown() {
	if a.jobs != nil {
		a.jobs.Close()
	}
	if a.orthoCache != nil {
		if err := a.orthoCache.Close(); err != nil {
			a.log.Warn("failed to flush ortho cache index", "error", err)
		}
	}
	if err := a.tracker.Close(); err != nil {
		a.log.Debug("failed to flush telemetry", "error", err)
	}
}

// TrackEvent sends an event to PostHog when telemetry is configured
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if props == nil {
		props = make(map[string]interface{})
	}
	props["version"] = AppVersion
	props["os"] = goruntime.GOOS
	props["arch"] = goruntime.GOARCH
	a.tracker.Track(event, props)
}

// Regions loads the region catalog on first use
func (a *App) Regions() (*region.Catalog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.catalog != nil {
		return a.catalog, nil
	}
	c, err := region.LoadCatalog(a.settings.RegionsFile)
	if err != nil {
		return nil, err
	}
	a.catalog = c
	return c, nil
}

func (a *App) projectBuilder() (*project.Builder, error) {
	catalog, err := a.Regions()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.builder == nil {
		a.builder = project.NewBuilder(catalog, a.datasets, a.engine, a.store, a.log)
	}
	return a.builder, nil
}

// runJob submits fn to the job queue and waits for it. When ctx ends first
// the job is cancelled and its final state is still returned.
func (a *App) runJob(ctx context.Context, kind jobs.Kind, projectID, name string, fn jobs.Func) (jobs.Job, error) {
	j := a.jobs.Submit(progress.WithPublisher(context.Background(), a.bus), kind, projectID, name, fn)
	done, err := a.jobs.Wait(ctx, j.ID)
	if ctx.Err() != nil {
		if cerr := a.jobs.Cancel(j.ID); cerr == nil {
			a.log.Info("cancelling job", "job", j.ID)
		}
		done, err = a.jobs.Wait(context.Background(), j.ID)
	}
	return done, err
}

// CreateProject resolves, acquires and layers a new project
func (a *App) CreateProject(ctx context.Context, name string, aoi common.BoundingBox) (*project.Project, error) {
	builder, err := a.projectBuilder()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var p *project.Project
	_, err = a.runJob(ctx, jobs.KindBuild, "", name, func(ctx context.Context) (string, error) {
		var berr error
		p, berr = builder.Create(ctx, name, aoi)
		if p == nil {
			return "", berr
		}
		return builder.Store().Dir(p.ID), berr
	})
	a.trackBuild(p, aoi, start, err)
	return p, err
}

// ResumeProject retries the acquisitions a project is missing
func (a *App) ResumeProject(ctx context.Context, id string) (*project.Project, error) {
	builder, err := a.projectBuilder()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var p *project.Project
	_, err = a.runJob(ctx, jobs.KindBuild, id, id, func(ctx context.Context) (string, error) {
		var berr error
		p, berr = builder.Resume(ctx, id)
		return a.store.Dir(id), berr
	})
	aoi := common.BoundingBox{}
	if p != nil {
		aoi = p.AOI
	}
	a.trackBuild(p, aoi, start, err)
	return p, err
}

func (a *App) trackBuild(p *project.Project, aoi common.BoundingBox, start time.Time, err error) {
	props := map[string]interface{}{
		"width_m":     aoi.Width(),
		"height_m":    aoi.Height(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if p != nil {
		props["regions"] = len(p.Regions)
		props["missing"] = len(p.Missing)
	}
	if err != nil {
		props["error"] = errorKind(err)
		a.TrackEvent("build_failed", props)
		return
	}
	a.TrackEvent("build_complete", props)
}

// ExportProject writes the bundle of a ready project to outDir, or to the
// configured output directory when empty
func (a *App) ExportProject(ctx context.Context, id, outDir string) (*export.Result, error) {
	if outDir == "" {
		outDir = a.settings.OutputDir
	}

	var res *export.Result
	_, err := a.runJob(ctx, jobs.KindExport, id, id, func(ctx context.Context) (string, error) {
		var eerr error
		res, eerr = a.exporter.Export(ctx, id, outDir)
		if res == nil {
			return "", eerr
		}
		return res.Path, eerr
	})

	if err != nil {
		a.TrackEvent("export_failed", map[string]interface{}{"error": errorKind(err)})
		return nil, err
	}
	a.TrackEvent("export_complete", map[string]interface{}{
		"tiles":       res.Tiles,
		"size_bytes":  res.Size,
		"duration_ms": res.Duration.Milliseconds(),
		"preview":     res.PreviewPath != "",
	})
	return res, nil
}

// errorKind names the typed error at the root of a failure, for status lines
// and telemetry
func errorKind(err error) string {
	var (
		coverage    *region.CoverageError
		acquisition *acquire.AcquisitionError
		layer       *layering.LayeringError
		exp         *export.ExportError
		build       *project.BuildError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &coverage):
		return "coverage"
	case errors.As(err, &build):
		return "acquisition"
	case errors.As(err, &acquisition):
		return "acquisition"
	case errors.As(err, &layer):
		return "layering"
	case errors.As(err, &exp):
		return "export"
	case errors.Is(err, project.ErrNotFound):
		return "not_found"
	case errors.Is(err, export.ErrNotReady):
		return "not_ready"
	default:
		return "error"
	}
}

// ensureDir creates a directory reported by doctor
func ensureDir(path string) error {
	if path == "" {
		return fmt.Errorf("not configured")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(path, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}
