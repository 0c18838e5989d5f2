package export

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"
)

// writeBundle zips the staged members, in order, to w. JPEG tiles are
// stored as is; the rest is deflated.
func writeBundle(ctx context.Context, w io.Writer, root string, members []string) error {
	zw := zip.NewWriter(w)
	modified := time.Now()

	for _, name := range members {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}
		if err := addMember(zw, root, name, modified); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish bundle: %w", err)
	}
	return nil
}

func addMember(zw *zip.Writer, root, name string, modified time.Time) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		return fmt.Errorf("bundle member %s: %w", name, err)
	}
	defer f.Close()

	method := zip.Deflate
	if path.Ext(name) == ".jpg" {
		method = zip.Store
	}
	hdr := &zip.FileHeader{Name: name, Method: method, Modified: modified}
	hdr.SetMode(0644)

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("bundle member %s: %w", name, err)
	}
	return nil
}
