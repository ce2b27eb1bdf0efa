// Package transfer moves pipeline data in and out of this node: manifests
// are downloaded from the transfer service and publication is announced to
// the peer network.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrChecksumMismatch: downloaded content does not hash to the manifest checksum
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrSizeMismatch: downloaded content is not the manifest size
	ErrSizeMismatch = errors.New("transfer: size mismatch")
)

// Callbacks receive the outcome of a submitted manifest. Every entry gets
// exactly one of Failed or Completed; Done fires once after all entries.
// Callbacks run on the downloader's goroutine.
type Callbacks struct {
	// Progress reports bytes received so far for one entry.
	Progress func(e types.ManifestEntry, received int64)
	Failed    func(e types.ManifestEntry, err error)
	Completed func(e types.ManifestEntry, path string)
	Done      func()
}

func (cb Callbacks) progress(e types.ManifestEntry, n int64) {
	if cb.Progress != nil {
		cb.Progress(e, n)
	}
}

func (cb Callbacks) failed(e types.ManifestEntry, err error) {
	if cb.Failed != nil {
		cb.Failed(e, err)
	}
}

func (cb Callbacks) completed(e types.ManifestEntry, path string) {
	if cb.Completed != nil {
		cb.Completed(e, path)
	}
}

func (cb Callbacks) done() {
	if cb.Done != nil {
		cb.Done()
	}
}

// Downloader fetches manifests asynchronously.
type Downloader interface {
	// Submit returns at once. Cancelling ctx abandons the remaining entries,
	// which are reported as failed.
	Submit(ctx context.Context, manifest []types.ManifestEntry, cb Callbacks)
}

// HTTPDownloader fetches each entry with GET {base}/files/{checksum} into dir.
type HTTPDownloader struct {
	base   string
	dir    string
	client *http.Client
	log    *slog.Logger
}

// NewHTTPDownloader returns a downloader writing into dir.
func NewHTTPDownloader(baseURL, dir string, timeout time.Duration, logger *slog.Logger) *HTTPDownloader {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPDownloader{
		base:   strings.TrimRight(baseURL, "/"),
		dir:    dir,
		client: &http.Client{Timeout: timeout},
		log:    logger,
	}
}

// Dir returns the download directory.
func (d *HTTPDownloader) Dir() string { return d.dir }

// Submit downloads entries one after another on a new goroutine.
func (d *HTTPDownloader) Submit(ctx context.Context, manifest []types.ManifestEntry, cb Callbacks) {
	entries := append([]types.ManifestEntry(nil), manifest...)
	go func() {
		defer cb.done()
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				cb.failed(e, err)
				continue
			}
			path, err := d.fetch(ctx, e, cb)
			if err != nil {
				d.log.Warn("download failed", "file", e.Name, "error", err)
				cb.failed(e, err)
				continue
			}
			cb.completed(e, path)
		}
	}()
}

func (d *HTTPDownloader) fetch(ctx context.Context, e types.ManifestEntry, cb Callbacks) (string, error) {
	dest := filepath.Join(d.dir, filepath.Base(e.Name))
	if ok, _ := present(dest, e); ok {
		cb.progress(e, e.Size)
		return dest, nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	u := fmt.Sprintf("%s/files/%s", d.base, url.PathEscape(e.Checksum))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", e.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: unexpected status %s", e.Name, resp.Status)
	}

	tmp, err := os.CreateTemp(d.dir, filepath.Base(e.Name)+".*.part")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	pw := &progressWriter{report: func(n int64) { cb.progress(e, n) }}
	n, err := io.Copy(io.MultiWriter(tmp, h, pw), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", e.Name, err)
	}
	if e.Size > 0 && n != e.Size {
		return "", fmt.Errorf("%w: %s got %d bytes, want %d", ErrSizeMismatch, e.Name, n, e.Size)
	}
	if e.Checksum != "" && !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), e.Checksum) {
		return "", fmt.Errorf("%w: %s", ErrChecksumMismatch, e.Name)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

// present reports whether path already holds e, judged by size.
func present(path string, e types.ManifestEntry) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return !fi.IsDir() && (e.Size == 0 || fi.Size() == e.Size), nil
}

type progressWriter struct {
	total  int64
	report func(int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	w.report(w.total)
	return len(p), nil
}
