package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/acquire"
	"geoslice/internal/common"
	"geoslice/internal/layering"
	"geoslice/internal/progress"
	"geoslice/internal/region"
	"geoslice/internal/testutil"
)

type fakeAcquirer struct {
	dirs  map[common.DatasetKind]string
	fail  map[common.DatasetKind]error
	calls int32
}

func (f *fakeAcquirer) EnsureAll(ctx context.Context, regions []region.Region, kinds []common.DatasetKind) []acquire.KeyStatus {
	atomic.AddInt32(&f.calls, 1)
	var out []acquire.KeyStatus
	for _, kind := range kinds {
		for _, r := range regions {
			key, _ := acquire.KeyFor(kind, r.Code)
			s := acquire.KeyStatus{Key: key, Regions: []string{r.Code}}
			if err := f.fail[kind]; err != nil {
				s.Err = &acquire.AcquisitionError{Key: key, Attempts: 3, Err: err}
			} else {
				s.Entry = &acquire.Entry{Key: key, Dir: f.dirs[kind]}
			}
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	store    *Store
	acquirer *fakeAcquirer
	builder  *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := region.NewCatalog([]region.Region{testutil.Aisne()})
	require.NoError(t, err)
	store, err := NewStore(filepath.Join(t.TempDir(), "projects"))
	require.NoError(t, err)
	engine, err := layering.NewEngine(layering.Options{Workers: 2})
	require.NoError(t, err)

	acq := &fakeAcquirer{dirs: testutil.Datasets(t, t.TempDir())}
	return &fixture{
		store:    store,
		acquirer: acq,
		builder:  NewBuilder(catalog, acq, engine, store, nil),
	}
}

func TestCreateBuildsReadyProject(t *testing.T) {
	f := newFixture(t)
	rec := &progress.Recorder{}
	ctx := progress.WithPublisher(context.Background(), rec)

	p, err := f.builder.Create(ctx, "Forêt de Retz", testutil.AOI)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, p.Status)
	assert.Equal(t, []region.Ref{{Code: "02", Name: "Aisne"}}, p.Regions)
	assert.Len(t, p.Layers, len(layering.VectorLayers)+len(layering.RasterLayers))
	assert.Empty(t, p.Missing)

	veg, ok := p.Layer(layering.LayerVegetation)
	require.True(t, ok)
	assert.Equal(t, 4, veg.Features)
	assert.Equal(t, testutil.AOI, veg.Extent)
	assert.Equal(t, common.Resolution, veg.Resolution)

	stored, err := f.store.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, stored.Status)
	assert.Equal(t, p.Layers, stored.Layers)

	set, err := f.store.LoadLayers(stored)
	require.NoError(t, err)
	land, ok := set.Get(layering.LayerLandcover)
	require.True(t, ok)
	assert.Equal(t, layering.Broadleaf, land.Grid.At(50, 50))
	assert.Equal(t, layering.Parcel, land.Grid.At(400, 100))

	for _, e := range rec.Events() {
		assert.True(t, e.ProjectID == p.ID || e.Stage == progress.StageResolving, "event %v not scoped", e)
	}
	var stages []progress.Stage
	for _, e := range rec.Events() {
		stages = append(stages, e.Stage)
	}
	assert.Contains(t, stages, progress.StageResolving)
	assert.Contains(t, stages, progress.StageLayering)
	assert.Contains(t, stages, progress.StageAssembling)
}

func TestCreateRejectsUnalignedAOI(t *testing.T) {
	f := newFixture(t)
	aoi := testutil.AOI
	aoi.MaxX += 1000

	_, err := f.builder.Create(context.Background(), "bad", aoi)
	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&f.acquirer.calls), "no acquisition for an invalid AOI")

	projects, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestCreateOutsideCoverage(t *testing.T) {
	f := newFixture(t)
	aoi := common.BoundingBox{MinX: 100000, MinY: 6100000, MaxX: 105000, MaxY: 6105000}

	_, err := f.builder.Create(context.Background(), "sea", aoi)
	var cov *region.CoverageError
	require.True(t, errors.As(err, &cov), "got %v", err)

	projects, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, projects, "no partial project")
}

func TestCreateWithMissingDatasetThenResume(t *testing.T) {
	f := newFixture(t)
	f.acquirer.fail = map[common.DatasetKind]error{common.KindVegetation: errors.New("503 Service Unavailable")}

	p, err := f.builder.Create(context.Background(), "Retz", testutil.AOI)
	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr), "got %v", err)
	var acqErr *acquire.AcquisitionError
	assert.True(t, errors.As(err, &acqErr))
	require.Len(t, buildErr.Missing, 1)
	assert.Equal(t, "BDFORET_002", buildErr.Missing[0].Key)
	assert.Equal(t, []string{"02"}, buildErr.Missing[0].Regions)
	assert.Contains(t, err.Error(), "BDFORET_002")

	stored, err := f.store.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBuilding, stored.Status)
	assert.Len(t, stored.Missing, 1)
	assert.Empty(t, stored.Layers)

	f.acquirer.fail = nil
	ready, err := f.builder.Resume(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, ready.ID)
	assert.True(t, ready.Ready())
	assert.Empty(t, ready.Missing)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.acquirer.calls))
}

func TestAssembleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p, err := f.builder.Create(context.Background(), "Retz", testutil.AOI)
	require.NoError(t, err)

	rasterPath := filepath.Join(f.store.Dir(p.ID), "layers", layering.LayerLandcover+".tif")
	before, err := os.Stat(rasterPath)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	// a second assembly with a different, even empty, set changes nothing
	again, err := f.builder.assembler.Assemble(context.Background(), p, &layering.LayerSet{AOI: p.AOI})
	require.NoError(t, err)
	assert.Equal(t, p.Layers, again.Layers)
	assert.Equal(t, StatusReady, again.Status)

	after, err := os.Stat(rasterPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	resumed, err := f.builder.Resume(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Layers, resumed.Layers)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.acquirer.calls))
}

func TestAssembleRejectsInconsistentSet(t *testing.T) {
	f := newFixture(t)
	p := New("broken", testutil.AOI, []region.Region{testutil.Aisne()})
	require.NoError(t, f.store.Save(p))

	_, err := f.builder.assembler.Assemble(context.Background(), p, &layering.LayerSet{AOI: testutil.AOI})
	var lerr *layering.LayeringError
	require.True(t, errors.As(err, &lerr))

	stored, err := f.store.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBuilding, stored.Status)
}

func TestAssembleSaveFailureRestoresProject(t *testing.T) {
	f := newFixture(t)
	engine, err := layering.NewEngine(layering.Options{Workers: 2})
	require.NoError(t, err)
	set, err := engine.Build(context.Background(), testutil.AOI, []region.Region{testutil.Aisne()}, testutil.Lookup(f.acquirer.dirs))
	require.NoError(t, err)

	p := New("blocked", testutil.AOI, []region.Region{testutil.Aisne()})
	missing := []MissingDataset{{Kind: common.KindVegetation, Key: "BDFORET_002", Regions: []string{"02"}, Error: "timeout"}}
	p.Missing = missing
	require.NoError(t, f.store.Save(p))

	// a directory in place of project.json makes the final save fail
	jsonPath := filepath.Join(f.store.Dir(p.ID), "project.json")
	require.NoError(t, os.Remove(jsonPath))
	require.NoError(t, os.MkdirAll(filepath.Join(jsonPath, "occupied"), 0755))

	_, err = f.builder.assembler.Assemble(context.Background(), p, set)
	require.Error(t, err)
	assert.Equal(t, StatusBuilding, p.Status)
	assert.Empty(t, p.Layers)
	assert.Equal(t, missing, p.Missing)
}

func TestStoreListLoadDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	older := New("older", testutil.AOI, nil)
	older.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := New("newer", testutil.AOI, nil)
	newer.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(newer))
	require.NoError(t, store.Save(older))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "not-a-project"), 0755))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "older", list[0].Name)
	assert.Equal(t, "newer", list[1].Name)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load("../escape")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(older.ID))
	_, err = store.Load(older.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(older.ID), ErrNotFound)
}
