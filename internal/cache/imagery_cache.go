package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geoslice/internal/common"
)

const indexFile = "cache_index.json"

// ImageryCache keeps WMS responses on disk so re-exports of the same area do
// not hit the imagery service again. Layout: {baseDir}/{layer}/{bbox}_{w}x{h}.{ext}
type ImageryCache struct {
	baseDir   string
	maxSize   int64 // bytes
	currSize  int64 // atomic
	ttl       time.Duration
	mu        sync.RWMutex
	metadata  map[string]*ImageMetadata
	evictChan chan struct{}
	saveMu    sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
}

// ImageMetadata stores information about a cached image
type ImageMetadata struct {
	Key        string             `json:"key"`
	Layer      string             `json:"layer"`
	BBox       common.BoundingBox `json:"bbox"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Ext        string             `json:"ext"`
	Size       int64              `json:"size"`
	AccessTime time.Time          `json:"accessTime"`
	CreateTime time.Time          `json:"createTime"`
}

// ImageRequest identifies one imagery window
type ImageRequest struct {
	Layer  string
	BBox   common.BoundingBox
	Width  int
	Height int
	Ext    string // "jpg" or "png"
}

// Key returns the cache key for the request
func (r ImageRequest) Key() string {
	return fmt.Sprintf("%s:%s:%dx%d", r.Layer, r.BBox, r.Width, r.Height)
}

// NewImageryCache creates the cache, loading or rebuilding its index
func NewImageryCache(baseDir string, cfg Config) (*ImageryCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &ImageryCache{
		baseDir:   baseDir,
		maxSize:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		ttl:       time.Duration(cfg.TTLDays) * 24 * time.Hour,
		metadata:  make(map[string]*ImageMetadata),
		evictChan: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}

	if err := c.loadMetadata(); err != nil {
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	go c.maintenanceWorker()
	return c, nil
}

// Close stops background maintenance and flushes the index
func (c *ImageryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.saveMetadata()
}

// Get retrieves image bytes for a request
func (c *ImageryCache) Get(req ImageRequest) ([]byte, bool) {
	key := req.Key()
	c.mu.RLock()
	meta, exists := c.metadata[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(meta.CreateTime) > c.ttl {
		c.evict(key)
		return nil, false
	}

	data, err := os.ReadFile(c.filePath(meta))
	if err != nil {
		c.evict(key)
		return nil, false
	}

	c.mu.Lock()
	meta.AccessTime = time.Now()
	c.mu.Unlock()
	return data, true
}

// Set stores image bytes for a request
func (c *ImageryCache) Set(req ImageRequest, data []byte) error {
	now := time.Now()
	ext := req.Ext
	if ext == "" {
		ext = "jpg"
	}
	meta := &ImageMetadata{
		Key:        req.Key(),
		Layer:      sanitize(req.Layer),
		BBox:       req.BBox,
		Width:      req.Width,
		Height:     req.Height,
		Ext:        ext,
		Size:       int64(len(data)),
		AccessTime: now,
		CreateTime: now,
	}

	path := c.filePath(meta)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move cache file: %w", err)
	}

	c.mu.Lock()
	if old, exists := c.metadata[meta.Key]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.metadata[meta.Key] = meta
	c.mu.Unlock()
	atomic.AddInt64(&c.currSize, meta.Size)

	if c.maxSize > 0 && atomic.LoadInt64(&c.currSize) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}

	go c.saveMetadata()
	return nil
}

func (c *ImageryCache) filePath(meta *ImageMetadata) string {
	name := fmt.Sprintf("%.0f_%.0f_%.0f_%.0f_%dx%d.%s",
		meta.BBox.MinX, meta.BBox.MinY, meta.BBox.MaxX, meta.BBox.MaxY, meta.Width, meta.Height, meta.Ext)
	return filepath.Join(c.baseDir, meta.Layer, name)
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(s)
}

func (c *ImageryCache) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(key)
}

func (c *ImageryCache) evictLocked(key string) {
	meta, ok := c.metadata[key]
	if !ok {
		return
	}
	os.Remove(c.filePath(meta))
	delete(c.metadata, key)
	atomic.AddInt64(&c.currSize, -meta.Size)
}

func (c *ImageryCache) maintenanceWorker() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.evictChan:
			c.evictOldest()
		case <-ticker.C:
			c.evictExpired()
		case <-c.stop:
			return
		}
	}
}

// evictOldest removes least recently used images until the cache is back
// under 80% of its budget
func (c *ImageryCache) evictOldest() {
	c.mu.Lock()
	if atomic.LoadInt64(&c.currSize) <= c.maxSize {
		c.mu.Unlock()
		return
	}
	target := c.maxSize * 8 / 10

	metas := make([]*ImageMetadata, 0, len(c.metadata))
	for _, m := range c.metadata {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].AccessTime.Before(metas[j].AccessTime) })

	for _, m := range metas {
		if atomic.LoadInt64(&c.currSize) <= target {
			break
		}
		c.evictLocked(m.Key)
	}
	c.mu.Unlock()

	c.saveMetadata()
}

func (c *ImageryCache) evictExpired() {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	evicted := 0
	for key, meta := range c.metadata {
		if time.Since(meta.CreateTime) > c.ttl {
			c.evictLocked(key)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.saveMetadata()
	}
}

func (c *ImageryCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]*ImageMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata == nil {
		metadata = make(map[string]*ImageMetadata)
	}

	var total int64
	for _, m := range metadata {
		total += m.Size
	}
	c.metadata = metadata
	atomic.StoreInt64(&c.currSize, total)
	return nil
}

// saveMetadata writes the index via a temp file and rename
func (c *ImageryCache) saveMetadata() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := json.MarshalIndent(c.metadata, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metaPath := filepath.Join(c.baseDir, indexFile)
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}

// rebuildMetadata re-indexes files found on disk when the index is missing or corrupt
func (c *ImageryCache) rebuildMetadata() error {
	c.mu.Lock()
	c.metadata = make(map[string]*ImageMetadata)
	var total int64

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		meta, ok := parseCachedName(c.baseDir, path)
		if !ok {
			return nil
		}
		meta.Size = info.Size()
		meta.AccessTime = info.ModTime()
		meta.CreateTime = info.ModTime()
		c.metadata[meta.Key] = meta
		total += info.Size()
		return nil
	})
	atomic.StoreInt64(&c.currSize, total)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}
	return c.saveMetadata()
}

func parseCachedName(baseDir, path string) (*ImageMetadata, bool) {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		return nil, false
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) != 2 {
		return nil, false
	}
	ext := strings.TrimPrefix(filepath.Ext(parts[1]), ".")
	if ext != "jpg" && ext != "png" {
		return nil, false
	}

	var b common.BoundingBox
	var w, h int
	name := strings.TrimSuffix(parts[1], "."+ext)
	if _, err := fmt.Sscanf(strings.ReplaceAll(name, "_", " "), "%f %f %f %f %dx%d",
		&b.MinX, &b.MinY, &b.MaxX, &b.MaxY, &w, &h); err != nil {
		return nil, false
	}
	req := ImageRequest{Layer: parts[0], BBox: b, Width: w, Height: h, Ext: ext}
	return &ImageMetadata{Key: req.Key(), Layer: parts[0], BBox: b, Width: w, Height: h, Ext: ext}, true
}

// Stats returns cache statistics
func (c *ImageryCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.metadata), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes all cached images
func (c *ImageryCache) Clear() error {
	c.mu.Lock()
	for key := range c.metadata {
		c.evictLocked(key)
	}
	c.metadata = make(map[string]*ImageMetadata)
	atomic.StoreInt64(&c.currSize, 0)
	c.mu.Unlock()

	return c.saveMetadata()
}

// Path returns the base directory of the cache
func (c *ImageryCache) Path() string {
	return c.baseDir
}
