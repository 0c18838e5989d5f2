package video

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestProcessFrameDrawsLabel(t *testing.T) {
	e, err := NewExporter(&ExportOptions{Width: 100, Height: 80, FrameRate: 2, Quality: 80, LabelColor: color.RGBA{255, 255, 255, 255}})
	require.NoError(t, err)

	green := color.RGBA{0, 128, 0, 255}
	plain := e.ProcessFrame(Frame{Image: solid(200, 160, green)})
	labelled := e.ProcessFrame(Frame{Image: solid(200, 160, green), Label: "r0 c1"})

	assert.Equal(t, image.Rect(0, 0, 100, 80), plain.Bounds())
	assert.Equal(t, green, plain.RGBAAt(50, 70))
	assert.NotEqual(t, plain.Pix, labelled.Pix, "label pixels are drawn")
	assert.Equal(t, green, labelled.RGBAAt(90, 70), "outside the label")
}

func TestExportVideo(t *testing.T) {
	dir := t.TempDir()
	e, err := NewExporter(&ExportOptions{Width: 64, Height: 64, FrameRate: 2, Quality: 80})
	require.NoError(t, err)

	frames := []Frame{
		{Image: solid(64, 64, color.RGBA{255, 0, 0, 255}), Label: "r0 c0"},
		{Image: solid(64, 64, color.RGBA{0, 0, 255, 255}), Label: "r0 c1"},
	}
	out := filepath.Join(dir, "retz_preview.avi")
	require.NoError(t, e.ExportVideo(frames, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Greater(t, len(data), 12)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "AVI ", string(data[8:12]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestExportVideoWithoutFrames(t *testing.T) {
	e, err := NewExporter(nil)
	require.NoError(t, err)
	assert.Error(t, e.ExportVideo(nil, filepath.Join(t.TempDir(), "x.avi")))
}
