package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"geoslice/internal/config"
)

// Settings returns a copy of the current settings
func (a *App) Settings() config.Settings {
	return *a.settings
}

// SettingsYAML renders the current settings as they are stored
func (a *App) SettingsYAML() (string, error) {
	data, err := yaml.Marshal(a.settings)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	return string(data), nil
}

// SetSetting validates and persists a single setting. Component options
// apply on the next run.
func SetSetting(key, value string) (*config.Settings, error) {
	path := config.GetSettingsPath()
	s, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	if err := s.Set(key, value); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := config.SaveTo(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Check is one doctor finding
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Doctor verifies the configured paths and the region catalog. Online also
// asks the orthophoto service whether it offers the configured layer.
func (a *App) Doctor(ctx context.Context, online bool) []Check {
	var checks []Check
	add := func(name string, err error, detail string) {
		c := Check{Name: name, OK: err == nil, Detail: detail}
		if err != nil {
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}

	add("settings", a.settings.Validate(), config.GetSettingsPath())
	add("output dir", ensureDir(a.settings.OutputDir), a.settings.OutputDir)
	add("cache dir", ensureDir(a.settings.CacheDir), a.settings.CacheDir)
	add("projects dir", ensureDir(a.settings.ProjectsDir), a.settings.ProjectsDir)
	add("temp dir", ensureDir(a.settings.TempDir), a.settings.TempDir)

	catalog, err := a.Regions()
	detail := a.settings.RegionsFile
	if err == nil {
		detail = fmt.Sprintf("%s (%d regions)", a.settings.RegionsFile, catalog.Len())
	}
	add("regions", err, detail)

	if a.settings.GeoLibPath == "" {
		checks = append(checks, Check{Name: "geolib path", OK: true, Detail: "not set"})
	} else {
		_, err := os.Stat(a.settings.GeoLibPath)
		add("geolib path", err, a.settings.GeoLibPath)
	}

	if online {
		info, err := a.ortho.CheckLayer(ctx)
		add("ortho layer", err, fmt.Sprintf("%s (%s)", info.Name, info.Title))
	}

	checks = append(checks, Check{Name: "telemetry", OK: true, Detail: map[bool]string{true: "enabled", false: "disabled"}[a.tracker.Enabled()]})
	return checks
}
