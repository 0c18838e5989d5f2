package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Config represents cache configuration
type Config struct {
	MaxSizeMB int `yaml:"maxSizeMB" json:"maxSizeMB"`
	TTLDays   int `yaml:"ttlDays" json:"ttlDays"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxSizeMB: 500,
		TTLDays:   30,
	}
}

// GetCacheDir returns the OS-specific cache directory for the named subtree
func GetCacheDir(sub string) string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "geoslice", sub)
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "geoslice", "cache", sub)
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "geoslice", sub)
	}
}
