// Package video renders the Motion-JPEG preview that walks an export's
// ortho tiles.
package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/icza/mjpeg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ExportOptions configures a preview video
type ExportOptions struct {
	Width  int
	Height int

	// Video settings
	FrameRate int // FPS, clamped to 1..30
	Quality   int // JPEG quality 1..100

	// Label overlay
	LabelColor  color.RGBA
	LabelShadow bool
}

// DefaultExportOptions returns the preview defaults for 500 px tiles
func DefaultExportOptions() *ExportOptions {
	return &ExportOptions{
		Width:       500,
		Height:      500,
		FrameRate:   2,
		Quality:     85,
		LabelColor:  color.RGBA{255, 255, 255, 255},
		LabelShadow: true,
	}
}

// Frame is one labelled image of the preview
type Frame struct {
	Image image.Image
	Label string
}

// Exporter writes preview videos
type Exporter struct {
	options *ExportOptions
	face    font.Face
}

// NewExporter creates an exporter. Nil options use the defaults.
func NewExporter(opts *ExportOptions) (*Exporter, error) {
	if opts == nil {
		opts = DefaultExportOptions()
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid preview size %dx%d", opts.Width, opts.Height)
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = 85
	}
	return &Exporter{options: opts, face: basicfont.Face7x13}, nil
}

// ProcessFrame scales a frame to the output size and draws its label
func (e *Exporter) ProcessFrame(f Frame) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, e.options.Width, e.options.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	if f.Image != nil {
		e.drawImage(dst, f.Image)
	}
	e.drawLabel(dst, f.Label)
	return dst
}

// drawImage copies src centered, nearest-neighbour scaled to fit
func (e *Exporter) drawImage(dst *image.RGBA, src image.Image) {
	sb := src.Bounds()
	if sb.Dx() == dst.Bounds().Dx() && sb.Dy() == dst.Bounds().Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return
	}
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	for y := 0; y < h; y++ {
		sy := sb.Min.Y + y*sb.Dy()/h
		for x := 0; x < w; x++ {
			sx := sb.Min.X + x*sb.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
}

// drawLabel writes the label in the top-left corner
func (e *Exporter) drawLabel(dst *image.RGBA, label string) {
	if label == "" {
		return
	}
	padding := 10
	x, y := padding, padding+e.face.Metrics().Ascent.Ceil()

	if e.options.LabelShadow {
		shadow := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.RGBA{0, 0, 0, 180}),
			Face: e.face,
			Dot:  fixed.P(x+1, y+1),
		}
		shadow.DrawString(label)
	}

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(e.options.LabelColor),
		Face: e.face,
		Dot:  fixed.P(x, y),
	}
	drawer.DrawString(label)
}

// ExportVideo writes frames as a Motion-JPEG AVI at outputPath. The file is
// assembled under a temporary name in the same directory and renamed on
// success.
func (e *Exporter) ExportVideo(frames []Frame, outputPath string) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to export")
	}
	if !strings.HasSuffix(strings.ToLower(outputPath), ".avi") {
		outputPath = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".avi"
	}

	fps := e.options.FrameRate
	if fps < 1 {
		fps = 1
	}
	if fps > 30 {
		fps = 30
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp video: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := e.writeMotionJPEG(frames, tmpPath, fps); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to place video: %w", err)
	}
	return nil
}

func (e *Exporter) writeMotionJPEG(frames []Frame, path string, fps int) error {
	writer, err := mjpeg.New(path, int32(e.options.Width), int32(e.options.Height), int32(fps))
	if err != nil {
		return fmt.Errorf("failed to create video writer: %w", err)
	}

	for i, frame := range frames {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, e.ProcessFrame(frame), &jpeg.Options{Quality: e.options.Quality}); err != nil {
			writer.Close()
			return fmt.Errorf("failed to encode frame %d as JPEG: %w", i, err)
		}
		if err := writer.AddFrame(buf.Bytes()); err != nil {
			writer.Close()
			return fmt.Errorf("failed to add frame %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize video: %w", err)
	}
	return nil
}
