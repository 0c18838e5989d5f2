package geotiff

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
)

// GeoKey IDs used for projected rasters
const (
	GTModelTypeGeoKey       = 1024
	GTRasterTypeGeoKey      = 1025
	ProjectedCSTypeGeoKey   = 3072
	ProjLinearUnitsGeoKey   = 3076
	ModelTypeProjected      = 1
	RasterPixelIsArea       = 1
	LinearUnitMeter         = 9001
	geoKeyDirectoryVersion  = 1
	geoKeyRevisionMajor     = 1
	geoKeyRevisionMinor     = 0
	geoKeyTagLocationInline = 0
)

// Georef places a north-up raster in a projected coordinate system
type Georef struct {
	OriginX   float64 // world X of the upper-left corner
	OriginY   float64 // world Y of the upper-left corner
	PixelSize float64 // ground units per pixel, both axes
	EPSG      uint16
	// Description lands in the ImageDescription tag when set
	Description string
	// DateTime lands in the DateTime tag when set ("2006:01:02 15:04:05")
	DateTime string
}

// Tags returns the GeoTIFF tag set for the georeference
func (g Georef) Tags() map[uint16]interface{} {
	tags := map[uint16]interface{}{
		// Raster (0,0,0) tied to the world upper-left corner
		TagType_ModelTiepointTag: []float64{0, 0, 0, g.OriginX, g.OriginY, 0},
		// Y scale is positive, the model flips it for north-up rasters
		TagType_ModelPixelScaleTag: []float64{g.PixelSize, g.PixelSize, 0},
		TagType_GeoKeyDirectoryTag: []uint16{
			geoKeyDirectoryVersion, geoKeyRevisionMajor, geoKeyRevisionMinor, 4,
			GTModelTypeGeoKey, geoKeyTagLocationInline, 1, ModelTypeProjected,
			GTRasterTypeGeoKey, geoKeyTagLocationInline, 1, RasterPixelIsArea,
			ProjectedCSTypeGeoKey, geoKeyTagLocationInline, 1, g.EPSG,
			ProjLinearUnitsGeoKey, geoKeyTagLocationInline, 1, LinearUnitMeter,
		},
	}
	if g.Description != "" {
		tags[TagType_ImageDescription] = g.Description
	}
	if g.DateTime != "" {
		tags[TagType_DateTime] = g.DateTime
	}
	return tags
}

// EncodeGeoref writes m with the georeference tags
func EncodeGeoref(w io.Writer, m image.Image, g Georef) error {
	if g.PixelSize <= 0 {
		return fmt.Errorf("geotiff: pixel size must be positive, got %f", g.PixelSize)
	}
	return Encode(w, m, g.Tags())
}

// WriteFile encodes m to path, going through a temp file in the same
// directory so readers never observe a truncated raster
func WriteFile(path string, m image.Image, g Georef) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create raster directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp raster: %w", err)
	}
	tmpPath := tmp.Name()

	if err := EncodeGeoref(tmp, m, g); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode GeoTIFF: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp raster: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move raster into place: %w", err)
	}
	return nil
}
