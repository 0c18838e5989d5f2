package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_DateTime                  = 306
	TagType_ExtraSamples              = 338

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737
)

const (
	photometricBlackIsZero = 1
	photometricRGB         = 2

	// associated alpha, matches the premultiplied values of color.RGBA()
	extraSampleAssociatedAlpha = 1
)

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// Encode writes m to w as an uncompressed single-strip TIFF.
// *image.Gray is written as one 8-bit band, everything else as 8-bit RGBA.
// extraTags maps TagID -> value; supported value types are
// []uint16 (SHORT), []float64 (DOUBLE) and string (ASCII).
func Encode(w io.Writer, m image.Image, extraTags map[uint16]interface{}) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("geotiff: empty image %dx%d", width, height)
	}

	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}

	var (
		pixels      []byte
		samples     uint16
		photometric uint16
	)
	if g, ok := m.(*image.Gray); ok {
		pixels = grayPixels(g)
		samples = 1
		photometric = photometricBlackIsZero
	} else {
		pixels = rgbaPixels(m)
		samples = 4
		photometric = photometricRGB
	}

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	bits := make([]uint16, samples)
	for i := range bits {
		bits[i] = 8
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_BitsPerSample, DataType_Short, uint32(samples), enc16s(bits))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1))
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(photometric))
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(samples))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(2))
	if samples == 4 {
		addEntry(TagType_ExtraSamples, DataType_Short, 1, enc16(extraSampleAssociatedAlpha))
	}

	// Patched once the pixel offset is known
	addEntry(TagType_StripOffsets, DataType_Long, 1, make([]byte, 4))
	addEntry(TagType_StripByteCounts, DataType_Long, 1, enc32(uint32(len(pixels))))

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			addEntry(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []float64:
			addEntry(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			b := append([]byte(v), 0)
			addEntry(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
	}

	sort.Sort(byTag(entries))

	// Header (8) + IFD table, then the out-of-line values, then pixels
	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	var largeDataBuf bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		offset := uint32(valueDataOffset + largeDataBuf.Len())
		largeDataBuf.Write(e.data)
		// TIFF wants word-aligned value offsets
		if largeDataBuf.Len()%2 == 1 {
			largeDataBuf.WriteByte(0)
		}
		e.data = enc32(offset)
	}

	pixelsOffset := uint32(valueDataOffset + largeDataBuf.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	if err := binary.Write(w, enc, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, enc, e.tag); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.datatype); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.count); err != nil {
			return err
		}
		var val [4]byte
		copy(val[:], e.data)
		if _, err := w.Write(val[:]); err != nil {
			return err
		}
	}
	// No further IFDs
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}

	if _, err := largeDataBuf.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(pixels)
	return err
}

func grayPixels(g *image.Gray) []byte {
	b := g.Bounds()
	w := b.Dx()
	out := make([]byte, 0, w*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := g.PixOffset(b.Min.X, y)
		out = append(out, g.Pix[off:off+w]...)
	}
	return out
}

func rgbaPixels(m image.Image) []byte {
	b := m.Bounds()
	out := make([]byte, 0, 4*b.Dx()*b.Dy())
	if rgba, ok := m.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := rgba.PixOffset(b.Min.X, y)
			out = append(out, rgba.Pix[off:off+4*b.Dx()]...)
		}
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := m.At(x, y).RGBA()
			out = append(out, uint8(r>>8), uint8(g>>8), uint8(bl>>8), uint8(a>>8))
		}
	}
	return out
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
