package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"geoslice/internal/cache"
	"geoslice/internal/retry"
)

// Default IGN endpoints
const (
	DefaultVegetationPage = "https://geoservices.ign.fr/bdforet#telechargementv2"
	DefaultTopographyPage = "https://geoservices.ign.fr/bdtopo#telechargementgpkgreg"
	DefaultParcelsPage    = "https://geoservices.ign.fr/rpg#telechargementrpg2023"
	DefaultOrthoURL       = "https://data.geopf.fr/wms-r/wms"
	DefaultOrthoLayer     = "ORTHOIMAGERY.ORTHOPHOTOS"
)

// envPrefix prefixes every environment override
const envPrefix = "GEOSLICE_"

// RetrySettings is the persisted form of a retry policy
type RetrySettings struct {
	MaxAttempts int             `yaml:"maxAttempts"`
	Backoff     []time.Duration `yaml:"backoff"`
}

// Policy converts the settings to a retry policy
func (r RetrySettings) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, Intervals: append([]time.Duration(nil), r.Backoff...)}
}

// SourceSettings holds the IGN download pages scraped for archive links
type SourceSettings struct {
	VegetationPage string `yaml:"vegetationPage"`
	TopographyPage string `yaml:"topographyPage"`
	ParcelsPage    string `yaml:"parcelsPage"`
}

// OrthoSettings configures the orthophoto WMS
type OrthoSettings struct {
	URL               string       `yaml:"url"`
	Layer             string       `yaml:"layer"`
	Format            string       `yaml:"format"`
	RequestsPerSecond float64      `yaml:"requestsPerSecond"`
	Burst             int          `yaml:"burst"`
	Cache             cache.Config `yaml:"cache"`
}

// RasterSettings configures rasterization and cross-region deduplication
type RasterSettings struct {
	Priority       []string `yaml:"priority"`
	DedupIDFields  []string `yaml:"dedupIdFields"`
	DedupPrecision float64  `yaml:"dedupPrecision"`
}

// ExportSettings configures bundle rendering
type ExportSettings struct {
	JPEGQuality int  `yaml:"jpegQuality"`
	Preview     bool `yaml:"preview"`
	PreviewFPS  int  `yaml:"previewFps"`
}

// TelemetrySettings configures anonymous usage events
type TelemetrySettings struct {
	PostHogKey  string `yaml:"posthogKey,omitempty"`
	PostHogHost string `yaml:"posthogHost,omitempty"`
	InstallID   string `yaml:"installId,omitempty"`
}

// Settings represents persistent user preferences
type Settings struct {
	// Directories
	OutputDir   string `yaml:"outputDir"`
	CacheDir    string `yaml:"cacheDir"`
	ProjectsDir string `yaml:"projectsDir"`
	TempDir     string `yaml:"tempDir"`
	RegionsFile string `yaml:"regionsFile"`

	// GeoLibPath points at an external geospatial library install, checked by doctor
	GeoLibPath string `yaml:"geoLibPath,omitempty"`

	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads"`
	MaxConcurrentTiles     int           `yaml:"maxConcurrentTiles"`
	Retry                  RetrySettings `yaml:"retry"`

	Sources   SourceSettings    `yaml:"sources"`
	Ortho     OrthoSettings     `yaml:"ortho"`
	Raster    RasterSettings    `yaml:"raster"`
	Export    ExportSettings    `yaml:"export"`
	Telemetry TelemetrySettings `yaml:"telemetry"`

	LogLevel        string `yaml:"logLevel"`
	KeepArchives    bool   `yaml:"keepArchives"`
	VerifyChecksums bool   `yaml:"verifyChecksums"`
}

// DefaultSettings returns default user settings
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	policy := retry.DefaultPolicy()

	return &Settings{
		OutputDir:              filepath.Join(homeDir, "Downloads"),
		CacheDir:               cache.GetCacheDir("datasets"),
		ProjectsDir:            filepath.Join(homeDir, ".geoslice", "projects"),
		TempDir:                filepath.Join(os.TempDir(), "geoslice"),
		RegionsFile:            filepath.Join("resources", "regions.geojson"),
		MaxConcurrentDownloads: 4,
		MaxConcurrentTiles:     runtime.NumCPU(),
		Retry: RetrySettings{
			MaxAttempts: policy.MaxAttempts,
			Backoff:     policy.Intervals,
		},
		Sources: SourceSettings{
			VegetationPage: DefaultVegetationPage,
			TopographyPage: DefaultTopographyPage,
			ParcelsPage:    DefaultParcelsPage,
		},
		Ortho: OrthoSettings{
			URL:               DefaultOrthoURL,
			Layer:             DefaultOrthoLayer,
			Format:            "image/jpeg",
			RequestsPerSecond: 5,
			Burst:             2,
			Cache:             cache.DefaultConfig(),
		},
		Raster: RasterSettings{
			Priority:       []string{"water", "vegetation", "other"},
			DedupIDFields:  []string{"ID", "ID_PARCEL", "CLEABS"},
			DedupPrecision: 0.01,
		},
		Export: ExportSettings{
			JPEGQuality: 90,
			PreviewFPS:  2,
		},
		LogLevel: "info",
	}
}

// GetSettingsPath returns the settings file path
func GetSettingsPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "geoslice", "settings.yaml")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".geoslice", "settings.yaml")
}

// Load reads settings from the default path, creating the file with defaults
// when absent, then applies .env and GEOSLICE_* overrides
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	path := GetSettingsPath()
	s, err := LoadFrom(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := SaveTo(path, s); err != nil {
			return nil, err
		}
	}

	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// LoadFrom loads settings from a YAML file, returning defaults when it does
// not exist. Missing fields keep their defaults.
func LoadFrom(path string) (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return settings, nil
}

// Save writes settings to the default path
func Save(s *Settings) error {
	return SaveTo(GetSettingsPath(), s)
}

// SaveTo writes settings to path via a temp file and rename
func SaveTo(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// envKeys maps GEOSLICE_* suffixes to settings keys accepted by Set
var envKeys = map[string]string{
	"OUTPUT_DIR":    "output_dir",
	"CACHE_DIR":     "cache_dir",
	"PROJECTS_DIR":  "projects_dir",
	"REGIONS_FILE":  "regions_file",
	"GDAL_PATH":     "geolib_path",
	"LOG_LEVEL":     "log_level",
	"MAX_DOWNLOADS": "max_downloads",
	"POSTHOG_KEY":   "posthog_key",
}

// ApplyEnv overrides fields from GEOSLICE_* variables found by lookup
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	for suffix, key := range envKeys {
		v, ok := lookup(envPrefix + suffix)
		if !ok || v == "" {
			continue
		}
		if err := s.Set(key, v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, suffix, err)
		}
	}
	return nil
}

type setter func(s *Settings, v string) error

func stringField(f func(*Settings) *string) setter {
	return func(s *Settings, v string) error {
		*f(s) = v
		return nil
	}
}

func intField(f func(*Settings) *int) setter {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*f(s) = n
		return nil
	}
}

func boolField(f func(*Settings) *bool) setter {
	return func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*f(s) = b
		return nil
	}
}

var setters = map[string]setter{
	"output_dir":       stringField(func(s *Settings) *string { return &s.OutputDir }),
	"cache_dir":        stringField(func(s *Settings) *string { return &s.CacheDir }),
	"projects_dir":     stringField(func(s *Settings) *string { return &s.ProjectsDir }),
	"temp_dir":         stringField(func(s *Settings) *string { return &s.TempDir }),
	"regions_file":     stringField(func(s *Settings) *string { return &s.RegionsFile }),
	"geolib_path":      stringField(func(s *Settings) *string { return &s.GeoLibPath }),
	"log_level":        stringField(func(s *Settings) *string { return &s.LogLevel }),
	"posthog_key":      stringField(func(s *Settings) *string { return &s.Telemetry.PostHogKey }),
	"posthog_host":     stringField(func(s *Settings) *string { return &s.Telemetry.PostHogHost }),
	"ortho_url":        stringField(func(s *Settings) *string { return &s.Ortho.URL }),
	"max_downloads":    intField(func(s *Settings) *int { return &s.MaxConcurrentDownloads }),
	"max_tiles":        intField(func(s *Settings) *int { return &s.MaxConcurrentTiles }),
	"retry_attempts":   intField(func(s *Settings) *int { return &s.Retry.MaxAttempts }),
	"jpeg_quality":     intField(func(s *Settings) *int { return &s.Export.JPEGQuality }),
	"preview":          boolField(func(s *Settings) *bool { return &s.Export.Preview }),
	"keep_archives":    boolField(func(s *Settings) *bool { return &s.KeepArchives }),
	"verify_checksums": boolField(func(s *Settings) *bool { return &s.VerifyChecksums }),
	"priority": func(s *Settings, v string) error {
		s.Raster.Priority = splitList(v)
		return nil
	},
	"dedup_id_fields": func(s *Settings, v string) error {
		s.Raster.DedupIDFields = splitList(v)
		return nil
	},
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Set assigns a single setting by key, as used by the settings command
func (s *Settings) Set(key, value string) error {
	fn, ok := setters[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
	}
	return fn(s, value)
}

// Keys lists the settings accepted by Set
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PriorityGroups are the names accepted in Raster.Priority
var PriorityGroups = []string{"water", "vegetation", "other"}

// Validate validates the settings
func (s *Settings) Validate() error {
	if s.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("maxConcurrentDownloads must be positive, got %d", s.MaxConcurrentDownloads)
	}
	if s.MaxConcurrentTiles < 1 {
		return fmt.Errorf("maxConcurrentTiles must be positive, got %d", s.MaxConcurrentTiles)
	}
	if err := s.Retry.Policy().Validate(); err != nil {
		return err
	}
	if s.Export.JPEGQuality < 1 || s.Export.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality must be between 1 and 100, got %d", s.Export.JPEGQuality)
	}
	if s.Ortho.RequestsPerSecond <= 0 {
		return fmt.Errorf("ortho requestsPerSecond must be positive")
	}
	if s.Raster.DedupPrecision <= 0 {
		return fmt.Errorf("dedupPrecision must be positive")
	}

	seen := make(map[string]bool)
	for _, g := range s.Raster.Priority {
		valid := false
		for _, known := range PriorityGroups {
			if g == known {
				valid = true
			}
		}
		if !valid {
			return fmt.Errorf("invalid priority group: %s (must be water, vegetation or other)", g)
		}
		if seen[g] {
			return fmt.Errorf("priority group %s listed twice", g)
		}
		seen[g] = true
	}
	return nil
}
