package ign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Archive is a downloaded file with its fingerprint
type Archive struct {
	Path   string
	Size   int64
	SHA256 string
}

// ProgressFunc receives bytes written so far and the expected total
// (-1 when the server sent no Content-Length)
type ProgressFunc func(written, total int64)

// progressWriter counts bytes and reports at most once per percent or MiB
type progressWriter struct {
	written  int64
	total    int64
	reported int64
	fn       ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.fn == nil {
		return len(b), nil
	}
	step := int64(1 << 20)
	if p.total > 0 && p.total/100 > step {
		step = p.total / 100
	}
	if p.written-p.reported >= step || p.written == p.total {
		p.reported = p.written
		p.fn(p.written, p.total)
	}
	return len(b), nil
}

// Download streams rawURL into a new temporary file in dir while hashing it.
// The partial file is removed on any error.
func (c *Client) Download(ctx context.Context, rawURL, dir string, onProgress ProgressFunc) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	resp, err := c.get(ctx, c.downloadClient, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	f, err := os.CreateTemp(dir, "archive-*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(path)
	}

	hash := sha256.New()
	counter := &progressWriter{total: resp.ContentLength, fn: onProgress}
	if counter.total <= 0 {
		counter.total = -1
	}

	n, err := io.Copy(io.MultiWriter(f, hash, counter), resp.Body)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if onProgress != nil && counter.reported != n {
		onProgress(n, counter.total)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		cleanup()
		return nil, fmt.Errorf("download %s: truncated at %d of %d bytes", rawURL, n, resp.ContentLength)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to sync download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close download: %w", err)
	}

	return &Archive{Path: path, Size: n, SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}
