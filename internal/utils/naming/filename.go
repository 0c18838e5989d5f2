package naming

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify turns a project name into a lowercase ASCII file name stem.
// Accents are stripped and every other run of non-alphanumerics becomes a
// single dash. An empty result becomes "project".
func Slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "project"
	}
	return slug
}

// GenerateBundleFilename is the export archive name for a project
// Format: {slug}.zip
func GenerateBundleFilename(projectName string) string {
	return Slugify(projectName) + ".zip"
}

// GeneratePreviewFilename is the name of the preview video written next to
// the bundle
// Format: {slug}_preview.avi
func GeneratePreviewFilename(projectName string) string {
	return Slugify(projectName) + "_preview.avi"
}

// GenerateTileFilename names one tile inside the bundle
// Format: tiles/{rendering}/{row}_{col}.jpg
func GenerateTileFilename(rendering string, row, col int) string {
	return fmt.Sprintf("tiles/%s/%d_%d.jpg", rendering, row, col)
}
