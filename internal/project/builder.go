package project

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"geoslice/internal/acquire"
	"geoslice/internal/common"
	"geoslice/internal/layering"
	"geoslice/internal/logging"
	"geoslice/internal/progress"
	"geoslice/internal/region"
)

// Resolver finds the regions an AOI touches
type Resolver interface {
	Resolve(aoi common.BoundingBox) ([]region.Region, error)
	Get(code string) (region.Region, bool)
}

// Acquirer makes the datasets of regions available
type Acquirer interface {
	EnsureAll(ctx context.Context, regions []region.Region, kinds []common.DatasetKind) []acquire.KeyStatus
}

// LayerBuilder builds the layer set of an AOI from acquired datasets
type LayerBuilder interface {
	Build(ctx context.Context, aoi common.BoundingBox, regions []region.Region, lookup layering.DatasetLookup) (*layering.LayerSet, error)
}

// Assembler marks projects ready once their layers are consistent
type Assembler struct {
	store *Store
	log   *slog.Logger
}

// NewAssembler creates an assembler persisting to store
func NewAssembler(store *Store, log *slog.Logger) *Assembler {
	if log == nil {
		log = logging.Discard()
	}
	return &Assembler{store: store, log: logging.Component(log, "project")}
}

// Assemble checks and persists set as the layers of p and marks it ready.
// A project that is already ready is returned as stored.
func (a *Assembler) Assemble(ctx context.Context, p *Project, set *layering.LayerSet) (*Project, error) {
	if stored, err := a.store.Load(p.ID); err == nil && stored.Ready() {
		a.log.Debug("project already assembled", "project", p.ID)
		return stored, nil
	}
	if p.Ready() {
		return p, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &layering.LayeringError{Layer: "*", Reason: "no layers to assemble"}
	}
	if err := set.Check(p.AOI); err != nil {
		return nil, err
	}

	progress.FromContext(ctx, nil).Publish(progress.Event{Stage: progress.StageAssembling, Label: p.Name, Percent: progress.Indeterminate})

	refs, err := a.store.SaveLayers(p, set)
	if err != nil {
		return nil, fmt.Errorf("failed to persist layers: %w", err)
	}
	prevLayers, prevMissing, prevStatus := p.Layers, p.Missing, p.Status
	p.Layers = refs
	p.Missing = nil
	p.Status = StatusReady
	if err := a.store.Save(p); err != nil {
		p.Layers, p.Missing, p.Status = prevLayers, prevMissing, prevStatus
		return nil, err
	}
	a.log.Info("project ready", "project", p.ID, "name", p.Name, "layers", len(refs))
	return p, nil
}

// Builder creates projects: it resolves regions, acquires their datasets,
// builds the layers and assembles the result
type Builder struct {
	resolver  Resolver
	acquirer  Acquirer
	layers    LayerBuilder
	store     *Store
	assembler *Assembler
	kinds     []common.DatasetKind
	log       *slog.Logger
}

// NewBuilder wires a builder
func NewBuilder(resolver Resolver, acquirer Acquirer, layers LayerBuilder, store *Store, log *slog.Logger) *Builder {
	if log == nil {
		log = logging.Discard()
	}
	return &Builder{
		resolver:  resolver,
		acquirer:  acquirer,
		layers:    layers,
		store:     store,
		assembler: NewAssembler(store, log),
		kinds:     common.AllKinds,
		log:       logging.Component(log, "project"),
	}
}

// Store returns the project store
func (b *Builder) Store() *Store {
	return b.store
}

// Create validates the AOI, resolves its regions and builds a new project.
// An invalid AOI or one outside every region creates nothing. When datasets
// cannot be acquired the project is persisted in building state and a
// *BuildError is returned along with it.
func (b *Builder) Create(ctx context.Context, name string, aoi common.BoundingBox) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if err := aoi.ValidateAOI(); err != nil {
		return nil, fmt.Errorf("invalid AOI: %w", err)
	}

	pub := progress.FromContext(ctx, nil)
	pub.Publish(progress.Event{Stage: progress.StageResolving, Label: name, Percent: progress.Indeterminate})
	regions, err := b.resolver.Resolve(aoi)
	if err != nil {
		return nil, err
	}

	p := New(name, aoi, regions)
	if err := b.store.Save(p); err != nil {
		return nil, err
	}
	b.log.Info("project created", "project", p.ID, "name", p.Name, "aoi", aoi.String(), "regions", len(regions))
	return b.build(ctx, p, regions)
}

// Resume retries the build of a project left in building state. Datasets
// already cached are reused.
func (b *Builder) Resume(ctx context.Context, id string) (*Project, error) {
	p, err := b.store.Load(id)
	if err != nil {
		return nil, err
	}
	if p.Ready() {
		return p, nil
	}
	regions := make([]region.Region, 0, len(p.Regions))
	for _, ref := range p.Regions {
		r, ok := b.resolver.Get(ref.Code)
		if !ok {
			return nil, fmt.Errorf("project %s references unknown region %s", p.ID, ref.Code)
		}
		regions = append(regions, r)
	}
	return b.build(ctx, p, regions)
}

func (b *Builder) build(ctx context.Context, p *Project, regions []region.Region) (*Project, error) {
	start := time.Now()
	ctx = progress.WithPublisher(ctx, progress.Scoped{ProjectID: p.ID, Next: progress.FromContext(ctx, nil)})

	statuses := b.acquirer.EnsureAll(ctx, regions, b.kinds)
	if err := ctx.Err(); err != nil {
		return p, err
	}
	if missing, errs := missingFrom(statuses); len(missing) > 0 {
		p.Missing = missing
		if err := b.store.Save(p); err != nil {
			return p, err
		}
		b.log.Warn("project build incomplete", "project", p.ID, "missing", len(missing))
		return p, &BuildError{ProjectID: p.ID, Missing: missing, Errs: errs}
	}

	set, err := b.layers.Build(ctx, p.AOI, regions, lookupFrom(statuses))
	if err != nil {
		return p, err
	}
	ready, err := b.assembler.Assemble(ctx, p, set)
	if err != nil {
		return p, err
	}
	b.log.Info("project built", "project", p.ID, "duration", time.Since(start).Round(time.Millisecond))
	return ready, nil
}

// lookupFrom maps acquired entries to the regions that use them
func lookupFrom(statuses []acquire.KeyStatus) layering.DatasetLookup {
	dirs := make(map[common.DatasetKind]map[string]string)
	for _, s := range statuses {
		if !s.OK() {
			continue
		}
		if dirs[s.Key.Kind] == nil {
			dirs[s.Key.Kind] = make(map[string]string)
		}
		for _, code := range s.Regions {
			dirs[s.Key.Kind][code] = s.Entry.Dir
		}
	}
	return func(kind common.DatasetKind, code string) (string, bool) {
		dir, ok := dirs[kind][code]
		return dir, ok
	}
}
