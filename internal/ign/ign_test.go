package ign

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/cache"
	"geoslice/internal/common"
	"geoslice/internal/retry"
)

const forestPage = `<html><body>
<a href="https://data.geopf.fr/BDFORET_1-0__SHP_LAMB93_D002_2010-01-01.7z">v1</a>
<a href="/telechargement/BDFORET_2-0__SHP_LAMB93_D002_2014-04-01.7z">v2 old</a>
<a href="/telechargement/BDFORET_2-0__SHP_LAMB93_D002_2018-06-15.7z">v2 new</a>
<a href="/telechargement/BDFORET_2-0__GPKG_LAMB93_D002_2024-01-01.7z">gpkg</a>
<a href="/telechargement/BDFORET_2-0__SHP_LAMB93_D003_2020-01-01.7z">other dep</a>
<a>no href</a>
</body></html>`

func newTestClient() *Client {
	return NewClient(Options{})
}

func TestSelectLinkPicksNewestShapefileEdition(t *testing.T) {
	hrefs := []string{
		"https://x/BDTOPO_3-3_TOUSTHEMES_SHP_LAMB93_D075_2023-03-15.7z",
		"https://x/BDTOPO_3-3_TOUSTHEMES_SHP_LAMB93_D075_2024-06-15.7z",
		"https://x/BDTOPO_3-3_TOUSTHEMES_GPKG_LAMB93_D075_2025-01-01.7z",
		"https://x/BDTOPO_3-3_TOUSTHEMES_SHP_LAMB93_D0751_2026-01-01.7z",
	}
	link, ok := SelectLink(hrefs, common.KindTopography, "D075")
	require.True(t, ok)
	assert.Equal(t, hrefs[1], link.URL)
	assert.Equal(t, "2024-06-15", common.FormatISO8601(link.Edition))

	_, ok = SelectLink(hrefs, common.KindTopography, "D02A")
	assert.False(t, ok)
}

func TestLocatorScrapesPageOnce(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(forestPage))
	}))
	defer srv.Close()

	loc := NewLocator(newTestClient(), map[common.DatasetKind]string{
		common.KindVegetation: srv.URL + "/bdforet#telechargementv2",
	})

	link, err := loc.Locate(context.Background(), common.KindVegetation, "D002")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/telechargement/BDFORET_2-0__SHP_LAMB93_D002_2018-06-15.7z", link.URL)

	link, err = loc.Locate(context.Background(), common.KindVegetation, "D003")
	require.NoError(t, err)
	assert.Contains(t, link.URL, "D003_2020-01-01")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestLocatorMissingLinkIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(forestPage))
	}))
	defer srv.Close()

	loc := NewLocator(newTestClient(), map[common.DatasetKind]string{common.KindVegetation: srv.URL})
	_, err := loc.Locate(context.Background(), common.KindVegetation, "D974")
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	var notFound *LinkNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "D974", notFound.Code)
}

func TestLocatorPageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	loc := NewLocator(newTestClient(), map[common.DatasetKind]string{common.KindParcels: srv.URL})
	_, err := loc.Locate(context.Background(), common.KindParcels, "R11")
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	var status *retry.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusServiceUnavailable, status.StatusCode)

	_, err = loc.Locate(context.Background(), common.KindTopography, "D075")
	assert.True(t, retry.IsPermanent(err))
}

func TestDownloadHashesAndReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("geoslice"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	var last int64
	archive, err := newTestClient().Download(context.Background(), srv.URL+"/a.7z", dir, func(written, total int64) {
		last = written
	})
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), archive.SHA256)
	assert.Equal(t, int64(len(payload)), archive.Size)
	assert.Equal(t, int64(len(payload)), last)

	data, err := os.ReadFile(archive.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadNotFoundLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	_, err := newTestClient().Download(context.Background(), srv.URL+"/missing.7z", dir, nil)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestWMSGetMapResamplesAndCaches(t *testing.T) {
	var hits int32
	var query string
	body := jpegBytes(t, 250, 250)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	imgCache, err := cache.NewImageryCache(filepath.Join(t.TempDir(), "ortho"), cache.DefaultConfig())
	require.NoError(t, err)
	defer imgCache.Close()

	wms := NewWMS(newTestClient(), WMSOptions{URL: srv.URL + "/wms-r/wms", Layer: "ORTHOIMAGERY.ORTHOPHOTOS"}, imgCache)
	bbox := common.BoundingBox{MinX: 700000, MinY: 6600000, MaxX: 705000, MaxY: 6605000}

	img, err := wms.GetMap(context.Background(), bbox, 500, 500)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 500), img.Bounds())
	assert.Contains(t, query, "CRS=EPSG%3A2154")
	assert.Contains(t, query, "LAYERS=ORTHOIMAGERY.ORTHOPHOTOS")
	assert.Contains(t, query, "BBOX=700000.00%2C6600000.00%2C705000.00%2C6605000.00")

	img, err = wms.GetMap(context.Background(), bbox, 500, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, img.Bounds().Dx())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestWMSRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte("<ServiceExceptionReport>LayerNotDefined</ServiceExceptionReport>"))
	}))
	defer srv.Close()

	wms := NewWMS(newTestClient(), WMSOptions{URL: srv.URL, Layer: "NOPE"}, nil)
	_, err := wms.GetMap(context.Background(), common.BoundingBox{MaxX: 5000, MaxY: 5000}, 500, 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LayerNotDefined")
}
