package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"geoslice/internal/common"
	"geoslice/internal/ign"
	"geoslice/internal/logging"
	"geoslice/internal/progress"
	"geoslice/internal/region"
	"geoslice/internal/retry"
)

const indexFile = "cache_index.json"

// Locator finds the archive link for a dataset
type Locator interface {
	Locate(ctx context.Context, kind common.DatasetKind, prefix string) (ign.Link, error)
}

// Downloader fetches an archive into a directory
type Downloader interface {
	Download(ctx context.Context, rawURL, dir string, onProgress ign.ProgressFunc) (*ign.Archive, error)
}

// Options configures a Manager
type Options struct {
	Dir             string // cache root, one subdirectory per key
	TempDir         string // archives are downloaded here; defaults to Dir/.tmp
	MaxConcurrent   int
	Policy          retry.Policy
	KeepArchives    bool
	VerifyChecksums bool
	Log             *slog.Logger
	Progress        progress.Publisher // used when the context carries none
}

// Stats summarizes the dataset cache
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Manager keeps the dataset cache. Each key is downloaded at most once at a
// time; different keys download in parallel up to MaxConcurrent.
type Manager struct {
	opts       Options
	locator    Locator
	downloader Downloader
	runner     *retry.Runner
	log        *slog.Logger

	sem   *semaphore.Weighted
	group singleflight.Group

	// clearMu is held shared by every Ensure and exclusively by Clear
	clearMu sync.RWMutex

	flightMu sync.Mutex
	flights  map[string]*flight

	mu      sync.Mutex
	entries map[string]*Entry

	// saveMu orders index snapshots with their writes
	saveMu sync.Mutex
}

// NewManager opens the cache at opts.Dir, loading its index
func NewManager(opts Options, locator Locator, downloader Downloader) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(opts.Dir, ".tmp")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	m := &Manager{
		opts:       opts,
		locator:    locator,
		downloader: downloader,
		log:        logging.Component(opts.Log, "acquire"),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		entries:    make(map[string]*Entry),
		flights:    make(map[string]*flight),
	}
	m.runner = retry.NewRunner(opts.Policy, func(ev retry.Event) {
		m.log.Warn("acquisition attempt failed, retrying",
			"label", ev.Label, "attempt", ev.Attempt, "wait", ev.Wait, "error", ev.Err)
	})

	if err := m.loadIndex(); err != nil {
		m.log.Warn("dataset index unreadable, starting empty", "error", err)
	}
	return m, nil
}

// Ensure returns the cached dataset of kind for the region, downloading and
// extracting it when absent or invalid
func (m *Manager) Ensure(ctx context.Context, r region.Region, kind common.DatasetKind) (*Entry, error) {
	key, err := KeyFor(kind, r.Code)
	if err != nil {
		return nil, &AcquisitionError{Key: Key{Kind: kind, Code: r.Code}, Err: err}
	}
	return m.ensureKey(ctx, key, fmt.Sprintf("%s %s", r.Name, kind.DisplayName()))
}

func (m *Manager) ensureKey(ctx context.Context, key Key, label string) (*Entry, error) {
	pub := progress.FromContext(ctx, m.opts.Progress)
	m.clearMu.RLock()
	e := m.cached(key)
	m.clearMu.RUnlock()
	if e != nil {
		pub.Publish(progress.Event{Stage: progress.StageReady, Label: label, Percent: 100})
		return e, nil
	}

	k := key.String()
	f, leader := m.join(ctx, k)
	defer m.leave(k, f)
	if !leader {
		m.log.Debug("joined in-flight acquisition", "key", k)
	}

	ch := m.group.DoChan(k, func() (interface{}, error) {
		defer m.land(k, f)
		m.clearMu.RLock()
		defer m.clearMu.RUnlock()
		if e := m.cached(key); e != nil {
			return e, nil
		}
		return m.acquire(f.ctx, key, label, pub)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, &AcquisitionError{Key: key, Err: ctx.Err()}
	}
}

// flight is the context of one shared acquisition. It outlives the caller
// that started it and is cancelled once no caller waits for it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (m *Manager) join(ctx context.Context, k string) (*flight, bool) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if f, ok := m.flights[k]; ok {
		f.waiters++
		return f, false
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{ctx: fctx, cancel: cancel, waiters: 1}
	m.flights[k] = f
	return f, true
}

func (m *Manager) leave(k string, f *flight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[k] == f {
		delete(m.flights, k)
		m.group.Forget(k)
	}
}

// land runs when the shared acquisition returns
func (m *Manager) land(k string, f *flight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if m.flights[k] == f {
		delete(m.flights, k)
	}
}

// cached returns a valid entry for key, dropping it when its files are gone.
// Published entries are never mutated; a refreshed copy replaces them.
func (m *Manager) cached(key Key) *Entry {
	k := key.String()
	m.mu.Lock()
	e, ok := m.entries[k]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.Verify(m.opts.VerifyChecksums); err != nil {
		m.log.Warn("cached dataset invalid, reacquiring", "key", k, "error", err)
		m.mu.Lock()
		if m.entries[k] == e {
			delete(m.entries, k)
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[k]; ok && cur == e {
		fresh := *e
		fresh.VerifiedAt = time.Now()
		m.entries[k] = &fresh
		return &fresh
	}
	return e
}

func (m *Manager) acquire(ctx context.Context, key Key, label string, pub progress.Publisher) (*Entry, error) {
	pub.Publish(progress.Event{Stage: progress.StageQueued, Label: label, Percent: progress.Indeterminate})

	if err := m.sem.Acquire(ctx, 1); err != nil {
		pub.Publish(progress.Event{Stage: progress.StageFailed, Label: label, Percent: progress.Indeterminate})
		return nil, &AcquisitionError{Key: key, Err: err}
	}
	defer m.sem.Release(1)

	start := time.Now()
	var entry *Entry
	res := m.runner.Run(ctx, label, func(ctx context.Context, attempt int) error {
		e, err := m.fetch(ctx, key, label, pub)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if !res.OK() {
		pub.Publish(progress.Event{Stage: progress.StageFailed, Label: label, Percent: progress.Indeterminate})
		m.log.Error("dataset acquisition failed", "key", key.String(), "attempts", res.Attempts, "error", res.Err)
		return nil, &AcquisitionError{Key: key, Attempts: res.Attempts, Err: res.Err}
	}

	if err := m.record(entry); err != nil {
		m.log.Warn("failed to save dataset index", "error", err)
	}
	pub.Publish(progress.Event{Stage: progress.StageReady, Label: label, Percent: 100})
	m.log.Info("dataset ready", "key", key.String(), "files", len(entry.Files),
		"bytes", entry.Size(), "duration", time.Since(start).Round(time.Millisecond))
	return entry, nil
}

// fetch runs one attempt: locate, download, extract into a staging directory
// and swap it into place
func (m *Manager) fetch(ctx context.Context, key Key, label string, pub progress.Publisher) (*Entry, error) {
	link, err := m.locator.Locate(ctx, key.Kind, key.LinkPrefix())
	if err != nil {
		return nil, err
	}

	pub.Publish(progress.Event{Stage: progress.StageDownloading, Label: label, Percent: 0})
	archive, err := m.downloader.Download(ctx, link.URL, m.opts.TempDir, func(written, total int64) {
		pct := progress.Indeterminate
		if total > 0 {
			pct = 100 * float64(written) / float64(total)
		}
		pub.Publish(progress.Event{Stage: progress.StageDownloading, Label: label, Percent: pct})
	})
	if err != nil {
		return nil, err
	}
	defer m.disposeArchive(key, archive.Path, link.URL)

	pub.Publish(progress.Event{Stage: progress.StageExtracting, Label: label, Percent: progress.Indeterminate})
	staging, err := os.MkdirTemp(m.opts.Dir, "."+key.String()+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	files, err := extractLayers(archive.Path, staging, key.Kind.SourceLayers())
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	dir := filepath.Join(m.opts.Dir, key.String())
	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to replace dataset directory: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to move dataset into place: %w", err)
	}

	now := time.Now()
	entry := &Entry{
		Key:         key,
		Dir:         dir,
		URL:         link.URL,
		Fingerprint: archive.SHA256,
		Files:       files,
		CreatedAt:   now,
		VerifiedAt:  now,
	}
	if !link.Edition.IsZero() {
		entry.Edition = common.FormatISO8601(link.Edition)
	}
	return entry, nil
}

func (m *Manager) disposeArchive(key Key, archivePath, url string) {
	if !m.opts.KeepArchives {
		os.Remove(archivePath)
		return
	}
	dest := filepath.Join(m.opts.Dir, "archives", key.String()+archiveExt(url))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err == nil {
		if err := os.Rename(archivePath, dest); err == nil {
			return
		}
	}
	os.Remove(archivePath)
}

func archiveExt(url string) string {
	if i := strings.LastIndex(url, "."); i >= 0 && len(url)-i <= 5 {
		return url[i:]
	}
	return ".7z"
}

// EnsureAll acquires every distinct key needed by regions × kinds in
// parallel. A failed key does not cancel the others.
func (m *Manager) EnsureAll(ctx context.Context, regions []region.Region, kinds []common.DatasetKind) []KeyStatus {
	var statuses []KeyStatus
	labels := make(map[string]string)
	index := make(map[string]int)

	for _, kind := range kinds {
		for _, r := range regions {
			key, err := KeyFor(kind, r.Code)
			if err != nil {
				statuses = append(statuses, KeyStatus{
					Key:     Key{Kind: kind, Code: r.Code},
					Regions: []string{r.Code},
					Err:     &AcquisitionError{Key: Key{Kind: kind, Code: r.Code}, Err: err},
				})
				continue
			}
			if i, ok := index[key.String()]; ok {
				statuses[i].Regions = append(statuses[i].Regions, r.Code)
				continue
			}
			index[key.String()] = len(statuses)
			labels[key.String()] = fmt.Sprintf("%s %s", r.Name, kind.DisplayName())
			statuses = append(statuses, KeyStatus{Key: key, Regions: []string{r.Code}})
		}
	}

	var g errgroup.Group
	for i := range statuses {
		if statuses[i].Err != nil {
			continue
		}
		s := &statuses[i]
		g.Go(func() error {
			s.Entry, s.Err = m.ensureKey(ctx, s.Key, labels[s.Key.String()])
			return nil
		})
	}
	g.Wait()
	return statuses
}

// Clear removes every cached dataset. It waits for in-flight acquisitions.
func (m *Manager) Clear(ctx context.Context) error {
	locked := make(chan struct{})
	go func() {
		m.clearMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		go func() {
			<-locked
			m.clearMu.Unlock()
		}()
		return ctx.Err()
	}
	defer m.clearMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	dirEntries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, d := range dirEntries {
		if err := os.RemoveAll(filepath.Join(m.opts.Dir, d.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", d.Name(), err)
		}
	}
	m.entries = make(map[string]*Entry)
	m.log.Info("dataset cache cleared", "dir", m.opts.Dir)
	return nil
}

// Invalidate removes a single entry
func (m *Manager) Invalidate(key Key) error {
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	m.mu.Lock()
	e, ok := m.entries[key.String()]
	delete(m.entries, key.String())
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(e.Dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return m.saveIndex()
}

// Entries returns the cached entries sorted by key
func (m *Manager) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Stats returns entry count and total size
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Entries: len(m.entries)}
	for _, e := range m.entries {
		s.Bytes += e.Size()
	}
	return s
}

// Dir returns the cache root
func (m *Manager) Dir() string {
	return m.opts.Dir
}

func (m *Manager) record(e *Entry) error {
	m.mu.Lock()
	m.entries[e.Key.String()] = e
	m.mu.Unlock()
	return m.saveIndex()
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(m.opts.Dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var entries map[string]*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	for k, e := range entries {
		if e != nil {
			m.entries[k] = e
		}
	}
	return nil
}

// saveIndex writes the index via a temp file and rename
func (m *Manager) saveIndex() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	data, err := json.MarshalIndent(m.entries, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	path := filepath.Join(m.opts.Dir, indexFile)
	tmp, err := os.CreateTemp(m.opts.Dir, indexFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename index: %w", err)
	}
	return nil
}
