// Package acquire downloads, extracts and caches the IGN source datasets a
// region needs, sharing each dataset between all builds that use it.
package acquire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geoslice/internal/common"
	"geoslice/internal/region"
)

// Key identifies one cached dataset: a kind and the code it is published under
type Key struct {
	Kind common.DatasetKind `json:"kind"`
	Code string             `json:"code"`
}

// KeyFor returns the cache key of kind for a department
func KeyFor(kind common.DatasetKind, department string) (Key, error) {
	code, err := region.SourceCode(kind, department)
	if err != nil {
		return Key{}, err
	}
	return Key{Kind: kind, Code: code}, nil
}

// String is the key's directory name, e.g. BDFORET_002 or RPG_11
func (k Key) String() string {
	return k.Kind.ArchiveName() + "_" + k.Code
}

// LinkPrefix is the token identifying this key in IGN download links
func (k Key) LinkPrefix() string {
	return region.LinkPrefix(k.Kind, k.Code)
}

// FileRecord is one extracted file in an entry's manifest
type FileRecord struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Entry is a dataset present in the cache
type Entry struct {
	Key         Key          `json:"key"`
	Dir         string       `json:"dir"`
	URL         string       `json:"url"`
	Edition     string       `json:"edition,omitempty"`
	Fingerprint string       `json:"fingerprint"`
	Files       []FileRecord `json:"files"`
	CreatedAt   time.Time    `json:"createdAt"`
	VerifiedAt  time.Time    `json:"verifiedAt"`
}

// Shapefile returns the path of a source layer's .shp file, if extracted
func (e *Entry) Shapefile(layer string) (string, bool) {
	for _, f := range e.Files {
		if strings.EqualFold(f.Name, layer+".shp") {
			return filepath.Join(e.Dir, f.Name), true
		}
	}
	return "", false
}

// Size is the total size of the entry's files
func (e *Entry) Size() int64 {
	var total int64
	for _, f := range e.Files {
		total += f.Size
	}
	return total
}

// Verify checks every manifest file exists with its recorded size, and with
// its recorded hash when deep is set
func (e *Entry) Verify(deep bool) error {
	if len(e.Files) == 0 {
		return fmt.Errorf("%s: empty manifest", e.Key)
	}
	for _, f := range e.Files {
		path := filepath.Join(e.Dir, f.Name)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Key, err)
		}
		if info.Size() != f.Size {
			return fmt.Errorf("%s: %s is %d bytes, expected %d", e.Key, f.Name, info.Size(), f.Size)
		}
		if !deep {
			continue
		}
		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Key, err)
		}
		if sum != f.SHA256 {
			return fmt.Errorf("%s: %s checksum mismatch", e.Key, f.Name)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AcquisitionError is a dataset that could not be made available after
// exhausting the retry policy
type AcquisitionError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// KeyStatus is the outcome of one key in EnsureAll
type KeyStatus struct {
	Key     Key      `json:"key"`
	Regions []string `json:"regions"`
	Entry   *Entry   `json:"entry,omitempty"`
	Err     error    `json:"-"`
}

// OK reports whether the key is available
func (s KeyStatus) OK() bool {
	return s.Err == nil && s.Entry != nil
}
