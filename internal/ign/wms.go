package ign

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"geoslice/internal/cache"
	"geoslice/internal/common"
)

// WMSOptions identifies the imagery layer to request
type WMSOptions struct {
	URL    string
	Layer  string
	Format string // "image/jpeg" or "image/png"
}

// WMS fetches orthophoto windows by GetMap, optionally through a disk cache
type WMS struct {
	client *Client
	opts   WMSOptions
	cache  *cache.ImageryCache
}

// NewWMS creates a WMS client; imageryCache may be nil
func NewWMS(client *Client, opts WMSOptions, imageryCache *cache.ImageryCache) *WMS {
	if opts.Format == "" {
		opts.Format = "image/jpeg"
	}
	return &WMS{client: client, opts: opts, cache: imageryCache}
}

// MapURL builds the WMS 1.3.0 GetMap URL for a Lambert-93 window
func (w *WMS) MapURL(bbox common.BoundingBox, width, height int) (string, error) {
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid WMS URL: %w", err)
	}
	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", "1.3.0")
	q.Set("REQUEST", "GetMap")
	q.Set("LAYERS", w.opts.Layer)
	q.Set("STYLES", "")
	q.Set("CRS", common.CRSName)
	q.Set("BBOX", fmt.Sprintf("%.2f,%.2f,%.2f,%.2f", bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY))
	q.Set("WIDTH", strconv.Itoa(width))
	q.Set("HEIGHT", strconv.Itoa(height))
	q.Set("FORMAT", w.opts.Format)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WMS) ext() string {
	if strings.HasSuffix(w.opts.Format, "png") {
		return "png"
	}
	return "jpg"
}

// GetMap returns the imagery covering bbox at exactly width × height pixels
func (w *WMS) GetMap(ctx context.Context, bbox common.BoundingBox, width, height int) (image.Image, error) {
	req := cache.ImageRequest{Layer: w.opts.Layer, BBox: bbox, Width: width, Height: height, Ext: w.ext()}
	if w.cache != nil {
		if data, ok := w.cache.Get(req); ok {
			if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
				return fit(img, width, height), nil
			}
		}
	}

	mapURL, err := w.MapURL(bbox, width, height)
	if err != nil {
		return nil, err
	}

	resp, err := w.client.get(ctx, w.client.httpClient, mapURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read imagery: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("WMS returned %q instead of an image: %s", mediaType, snippet(data))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode imagery: %w", err)
	}

	if w.cache != nil {
		w.cache.Set(req, data)
	}
	return fit(img, width, height), nil
}

// fit resamples img to width × height when the server returned another size
func fit(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
