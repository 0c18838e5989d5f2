package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, 4, s.MaxConcurrentDownloads)
	assert.Equal(t, 3, s.Retry.MaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}, s.Retry.Backoff)
	assert.Equal(t, []string{"water", "vegetation", "other"}, s.Raster.Priority)
	assert.Equal(t, 90, s.Export.JPEGQuality)
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().OutputDir, s.OutputDir)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s := DefaultSettings()
	s.OutputDir = "/data/out"
	s.KeepArchives = true
	s.Retry.Backoff = []time.Duration{time.Second, 3 * time.Second}

	require.NoError(t, SaveTo(path, s))
	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/out", loaded.OutputDir)
	assert.True(t, loaded.KeepArchives)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, loaded.Retry.Backoff)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outputDir: /tmp/bundles\n"), 0644))

	s, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bundles", s.OutputDir)
	assert.Equal(t, DefaultOrthoURL, s.Ortho.URL)
	assert.Equal(t, 500, s.Ortho.Cache.MaxSizeMB)
}

func TestCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outputDir: [unterminated"), 0644))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GEOSLICE_OUTPUT_DIR":    "/env/out",
		"GEOSLICE_MAX_DOWNLOADS": "8",
		"GEOSLICE_GDAL_PATH":     "/opt/gdal",
	}
	s := DefaultSettings()
	require.NoError(t, s.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "/env/out", s.OutputDir)
	assert.Equal(t, 8, s.MaxConcurrentDownloads)
	assert.Equal(t, "/opt/gdal", s.GeoLibPath)

	bad := DefaultSettings()
	err := bad.ApplyEnv(func(k string) (string, bool) {
		if k == "GEOSLICE_MAX_DOWNLOADS" {
			return "many", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "GEOSLICE_MAX_DOWNLOADS")
}

func TestSet(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Set("preview", "true"))
	require.NoError(t, s.Set("PRIORITY", "vegetation, water,other"))
	require.NoError(t, s.Set("jpeg_quality", "75"))

	assert.True(t, s.Export.Preview)
	assert.Equal(t, []string{"vegetation", "water", "other"}, s.Raster.Priority)
	assert.Equal(t, 75, s.Export.JPEGQuality)

	assert.Error(t, s.Set("unknown_key", "x"))
	assert.Error(t, s.Set("keep_archives", "perhaps"))
	assert.Contains(t, Keys(), "output_dir")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero downloads", func(s *Settings) { s.MaxConcurrentDownloads = 0 }},
		{"zero tiles", func(s *Settings) { s.MaxConcurrentTiles = 0 }},
		{"zero attempts", func(s *Settings) { s.Retry.MaxAttempts = 0 }},
		{"unknown group", func(s *Settings) { s.Raster.Priority = []string{"water", "rock"} }},
		{"duplicate group", func(s *Settings) { s.Raster.Priority = []string{"water", "water"} }},
		{"quality", func(s *Settings) { s.Export.JPEGQuality = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestGetSettingsPathHonoursXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "geoslice", "settings.yaml"), GetSettingsPath())
}
