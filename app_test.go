package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/acquire"
	"geoslice/internal/common"
	"geoslice/internal/config"
	"geoslice/internal/export"
	"geoslice/internal/progress"
	"geoslice/internal/project"
	"geoslice/internal/region"
)

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"cancelled":   fmt.Errorf("export: %w", context.Canceled),
		"coverage":    &region.CoverageError{AOI: common.BoundingBox{}},
		"acquisition": &project.BuildError{ProjectID: "p", Errs: []error{&acquire.AcquisitionError{}}},
		"export":      &export.ExportError{Step: export.StepTiling, Attempts: 3, Err: fmt.Errorf("boom")},
		"not_ready":   fmt.Errorf("%w: p1", export.ErrNotReady),
		"not_found":   fmt.Errorf("%w: p1", project.ErrNotFound),
		"error":       fmt.Errorf("something else"),
	}
	for want, err := range cases {
		assert.Equal(t, want, errorKind(err), err.Error())
	}
}

func TestPrintProgressThrottlesCountedStages(t *testing.T) {
	bus := progress.NewBus(256)
	var out bytes.Buffer
	done := printProgress(&out, bus)

	bus.Publish(progress.Event{Stage: progress.StageResolving, Label: "regions", Percent: progress.Indeterminate})
	for i := 1; i <= 100; i++ {
		bus.Publish(progress.Fraction(progress.StageTiling, "tile", i, 100))
	}
	done()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Contains(t, lines[0], "resolving")
	assert.Len(t, lines, 1+11, "one line per tenth, the first and the last")
	assert.Contains(t, lines[len(lines)-1], "100%")
}

func TestSetSettingPersists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := SetSetting("jpeg_quality", "75")
	require.NoError(t, err)
	assert.Equal(t, 75, s.Export.JPEGQuality)

	reloaded, err := config.LoadFrom(config.GetSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, 75, reloaded.Export.JPEGQuality)
	assert.Equal(t, filepath.Join(filepath.Dir(config.GetSettingsPath()), "settings.yaml"), config.GetSettingsPath())

	_, err = SetSetting("jpeg_quality", "0")
	assert.Error(t, err, "validated before saving")
	_, err = SetSetting("unknown", "1")
	assert.Error(t, err)
}
