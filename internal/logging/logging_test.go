package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New("info", &buf), "acquire")
	log.Debug("hidden")
	log.Info("ready", "key", "BDTOPO_02A")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "component=acquire")
	assert.Contains(t, out, "key=BDTOPO_02A")
}

func TestComponentWithNilLogger(t *testing.T) {
	assert.NotNil(t, Component(nil, "x"))
}
