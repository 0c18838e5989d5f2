package gpkg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Geometry blob header: magic "GP", version 0, flags, srs_id, envelope.
// Flags bit 0 is the byte order (1 = little endian) and bits 1-3 the
// envelope kind.
const (
	headerVersion    = 0
	envelopeXY       = 1
	flagLittleEndian = 0x01
)

var errNotGeoPackageBlob = errors.New("not a GeoPackage geometry blob")

// EncodeGeometry serializes g as a GeoPackage geometry blob with an XY
// envelope
func EncodeGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	data, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WKB: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(8 + 32 + len(data))
	buf.Write([]byte{'G', 'P', headerVersion, flagLittleEndian | envelopeXY<<1})
	_ = binary.Write(&buf, binary.LittleEndian, srsID)
	b := g.Bound()
	_ = binary.Write(&buf, binary.LittleEndian, [4]float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]})
	buf.Write(data)
	return buf.Bytes(), nil
}

// DecodeGeometry parses a GeoPackage geometry blob
func DecodeGeometry(blob []byte) (orb.Geometry, int32, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, errNotGeoPackageBlob
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	srsID := int32(order.Uint32(blob[4:8]))

	var envLen int
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envLen = 32
	case 2, 3:
		envLen = 48
	case 4:
		envLen = 64
	default:
		return nil, 0, fmt.Errorf("invalid envelope indicator in flags %#x", flags)
	}
	if len(blob) < 8+envLen {
		return nil, 0, errNotGeoPackageBlob
	}

	g, err := wkb.Unmarshal(blob[8+envLen:])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode WKB: %w", err)
	}
	return g, srsID, nil
}

// geometryTypeName returns the gpkg_geometry_columns type of a set of
// geometries, GEOMETRY when they are mixed or absent
func geometryTypeName(geoms []orb.Geometry) string {
	name := ""
	for _, g := range geoms {
		t := ""
		switch g.(type) {
		case orb.Point:
			t = "POINT"
		case orb.MultiPoint:
			t = "MULTIPOINT"
		case orb.LineString:
			t = "LINESTRING"
		case orb.MultiLineString:
			t = "MULTILINESTRING"
		case orb.Polygon:
			t = "POLYGON"
		case orb.MultiPolygon:
			t = "MULTIPOLYGON"
		default:
			return "GEOMETRY"
		}
		if name != "" && name != t {
			return "GEOMETRY"
		}
		name = t
	}
	if name == "" {
		return "GEOMETRY"
	}
	return name
}
