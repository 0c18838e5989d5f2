package main

import (
	"context"
	"fmt"
)

// CacheStats describes both caches
type CacheStats struct {
	DatasetEntries int     `json:"datasetEntries"`
	DatasetBytes   int64   `json:"datasetBytes"`
	DatasetPath    string  `json:"datasetPath"`
	OrthoEntries   int     `json:"orthoEntries"`
	OrthoSizeMB    float64 `json:"orthoSizeMB"`
	OrthoMaxMB     float64 `json:"orthoMaxMB"`
	OrthoPath      string  `json:"orthoPath,omitempty"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	ds := a.datasets.Stats()
	stats := CacheStats{
		DatasetEntries: ds.Entries,
		DatasetBytes:   ds.Bytes,
		DatasetPath:    a.datasets.Dir(),
	}
	if a.orthoCache != nil {
		entries, sizeBytes, maxBytes := a.orthoCache.Stats()
		stats.OrthoEntries = entries
		stats.OrthoSizeMB = float64(sizeBytes) / 1024 / 1024
		stats.OrthoMaxMB = float64(maxBytes) / 1024 / 1024
		stats.OrthoPath = a.orthoCache.Path()
	}
	return stats
}

// ClearCache removes every cached dataset and orthophoto. It waits for
// acquisitions in flight.
func (a *App) ClearCache(ctx context.Context) error {
	if err := a.datasets.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear dataset cache: %w", err)
	}
	if a.orthoCache != nil {
		if err := a.orthoCache.Clear(); err != nil {
			return fmt.Errorf("failed to clear ortho cache: %w", err)
		}
	}
	return nil
}
