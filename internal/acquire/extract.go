package acquire

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"

	"geoslice/internal/retry"
)

var (
	sevenZipMagic = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
	zipMagic      = []byte{'P', 'K', 0x03, 0x04}
)

// shapefileParts are the sidecar extensions kept for each source layer
var shapefileParts = map[string]bool{
	".shp": true,
	".shx": true,
	".dbf": true,
	".prj": true,
	".cpg": true,
}

// archiveMember is a file inside a 7z or zip archive
type archiveMember struct {
	name string
	open func() (io.ReadCloser, error)
}

// CorruptArchiveError means the archive could not be read. The download is
// retried.
type CorruptArchiveError struct {
	Path string
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *CorruptArchiveError) Unwrap() error {
	return e.Err
}

// openArchive lists an archive's files, detecting 7z or zip from magic bytes
func openArchive(archivePath string) ([]archiveMember, io.Closer, error) {
	header := make([]byte, 8)
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	n, _ := io.ReadFull(f, header)
	f.Close()
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, sevenZipMagic):
		r, err := sevenzip.OpenReader(archivePath)
		if err != nil {
			return nil, nil, &CorruptArchiveError{Path: archivePath, Err: err}
		}
		members := make([]archiveMember, 0, len(r.File))
		for _, file := range r.File {
			if file.FileInfo().IsDir() {
				continue
			}
			members = append(members, archiveMember{name: file.Name, open: file.Open})
		}
		return members, r, nil
	case bytes.HasPrefix(header, zipMagic):
		r, err := zip.OpenReader(archivePath)
		if err != nil {
			return nil, nil, &CorruptArchiveError{Path: archivePath, Err: err}
		}
		members := make([]archiveMember, 0, len(r.File))
		for _, file := range r.File {
			if file.FileInfo().IsDir() {
				continue
			}
			members = append(members, archiveMember{name: file.Name, open: file.Open})
		}
		return members, r, nil
	default:
		return nil, nil, &CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("unknown archive format")}
	}
}

// wantedName returns the flattened file name when member is a part of one of
// the requested layers
func wantedName(member string, layers []string) (string, bool) {
	base := path.Base(strings.ReplaceAll(member, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	if !shapefileParts[ext] {
		return "", false
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	for _, layer := range layers {
		if strings.EqualFold(stem, layer) {
			return layer + ext, true
		}
	}
	return "", false
}

// extractLayers copies the shapefile parts of layers from the archive into
// dir, flattening the archive's directory structure. The first occurrence of
// a file wins. Read errors are reported as *CorruptArchiveError.
func extractLayers(archivePath, dir string, layers []string) ([]FileRecord, error) {
	members, closer, err := openArchive(archivePath)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}

	seen := make(map[string]bool)
	var records []FileRecord
	for _, m := range members {
		name, ok := wantedName(m.name, layers)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		rec, err := extractMember(m, filepath.Join(dir, name))
		if err != nil {
			return nil, &CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("%s: %w", m.name, err)}
		}
		rec.Name = name
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, retry.Permanent(fmt.Errorf("archive %s holds none of %s", filepath.Base(archivePath), strings.Join(layers, ", ")))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func extractMember(m archiveMember, dest string) (FileRecord, error) {
	rc, err := m.open()
	if err != nil {
		return FileRecord{}, err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return FileRecord{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return FileRecord{}, err
	}
	return FileRecord{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
