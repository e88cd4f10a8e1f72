// Package cache keeps model weights on a local (possibly shared) volume.
//
// Layout: <dir>/<version>/<file> plus <dir>/<version>/.complete. The marker is
// written last, after the payload has been fsynced and renamed into place, so a
// reader that trusts only the marker never sees a partial download.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// MarkerFile is the completion marker name inside a version directory.
const MarkerFile = ".complete"

// Marker records a fully written payload.
type Marker struct {
	Version   string    `json:"version"`
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	WrittenAt time.Time `json:"written_at"`
}

type Options struct {
	Dir string
	// URL overrides the catalog download location.
	URL string
	// SHA256 is the expected payload digest; empty skips the check.
	SHA256 string
	// Verify re-hashes an existing payload instead of trusting the marker size.
	Verify bool
	// Timeout bounds one download attempt; zero means no limit.
	Timeout  time.Duration
	Attempts int
	Fetcher  Fetcher
}

type Warmer struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

func NewWarmer(opts Options, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = HTTPFetcher{}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	opts.SHA256 = strings.ToLower(opts.SHA256)
	return &Warmer{opts: opts, log: logger, now: time.Now}
}

// EnsureCached returns the payload path for version, downloading it first when the
// cache is missing or incomplete. Repeated calls on a valid cache do no I/O beyond a
// marker read and a stat.
func (w *Warmer) EnsureCached(ctx context.Context, version string) (string, error) {
	entry, ok := Lookup(version, w.opts.URL)
	if !ok {
		return "", fmt.Errorf("unknown model version %q and no MODEL_URL override", version)
	}
	dir := filepath.Join(w.opts.Dir, entry.Version)
	payload := filepath.Join(dir, entry.FileName)
	log := w.log.With("version", entry.Version, "path", payload)

	ok, reason := w.valid(dir, entry)
	if ok {
		log.Info("model cache hit")
		return payload, nil
	}
	log.Info("model cache miss", "reason", reason)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare cache directory: %w", err)
	}

	start := time.Now()
	got, err := backoff.Retry(ctx, func() (fetched, error) {
		size, sum, err := w.download(ctx, entry, dir, payload)
		if errors.Is(err, errChecksum) {
			return fetched{}, backoff.Permanent(err)
		}
		return fetched{size, sum}, err
	},
		backoff.WithMaxTries(uint(w.opts.Attempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("model download failed, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("download model %s: %w", entry.Version, err)
	}

	m := Marker{Version: entry.Version, File: entry.FileName, Size: got.size, SHA256: got.sum, WrittenAt: w.now().UTC()}
	if err := writeMarker(dir, m); err != nil {
		return "", err
	}
	log.Info("model cached", "bytes", got.size, "sha256", got.sum, "took", time.Since(start))
	return payload, nil
}

type fetched struct {
	size int64
	sum  string
}

var errChecksum = errors.New("checksum mismatch")

// download streams the weights into a unique temp file next to payload, then renames it.
func (w *Warmer) download(ctx context.Context, entry Entry, dir, payload string) (int64, string, error) {
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}
	body, err := w.opts.Fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		return 0, "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, entry.FileName+".*.part")
	if err != nil {
		return 0, "", fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), body)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		cleanup()
		return 0, "", fmt.Errorf("write temporary file: %w", copyErr)
	case syncErr != nil:
		cleanup()
		return 0, "", fmt.Errorf("sync temporary file: %w", syncErr)
	case closeErr != nil:
		cleanup()
		return 0, "", fmt.Errorf("close temporary file: %w", closeErr)
	case n == 0:
		cleanup()
		return 0, "", errors.New("download was empty")
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if w.opts.SHA256 != "" && sum != w.opts.SHA256 {
		cleanup()
		return 0, "", fmt.Errorf("%w: got %s, want %s", errChecksum, sum, w.opts.SHA256)
	}
	// the old marker must not outlive the payload it describes
	if err := os.Remove(filepath.Join(dir, MarkerFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		cleanup()
		return 0, "", fmt.Errorf("remove stale marker: %w", err)
	}
	if err := os.Rename(tmpPath, payload); err != nil {
		cleanup()
		return 0, "", fmt.Errorf("move downloaded file into place: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return 0, "", err
	}
	return n, sum, nil
}

// valid reports whether dir holds a complete payload for entry.
func (w *Warmer) valid(dir string, entry Entry) (bool, string) {
	m, err := ReadMarker(dir)
	if err != nil {
		return false, err.Error()
	}
	if m.Version != entry.Version || m.File != entry.FileName {
		return false, "marker describes a different payload"
	}
	if w.opts.SHA256 != "" && m.SHA256 != w.opts.SHA256 {
		return false, "marker checksum differs from MODEL_SHA256"
	}
	payload := filepath.Join(dir, entry.FileName)
	info, err := os.Stat(payload)
	if err != nil {
		return false, err.Error()
	}
	if info.Size() != m.Size {
		return false, fmt.Sprintf("payload size %d, marker says %d", info.Size(), m.Size)
	}
	if w.opts.Verify {
		sum, err := hashFile(payload)
		if err != nil {
			return false, err.Error()
		}
		if sum != m.SHA256 {
			return false, "payload checksum differs from marker"
		}
	}
	return true, ""
}

// ReadMarker parses <dir>/.complete.
func ReadMarker(dir string) (Marker, error) {
	var m Marker
	b, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse marker: %w", err)
	}
	return m, nil
}

func writeMarker(dir string, m Marker) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, MarkerFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(b)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, MarkerFile)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move marker into place: %w", err)
	}
	return syncDir(dir)
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

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
