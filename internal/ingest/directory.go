package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joseph-ayodele/calls-transcriber/internal/common"
)

// Subdirectories of the inbox that receive handled files.
const (
	DoneDir     = "done"
	RejectedDir = "rejected"
)

type FileResult struct {
	Path         string
	Fingerprint  string
	Deduplicated bool
	Err          string
}

type DirStats struct {
	Scanned      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// Inbox submits audio files dropped into a directory. Accepted files move to
// done/, rejected ones to rejected/; a file that failed for any other reason
// (store unavailable) stays put and is retried on the next scan.
type Inbox struct {
	root   string
	submit Submitter
	log    *slog.Logger
}

func NewInbox(root string, submit Submitter, logger *slog.Logger) (*Inbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("inbox root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{root, filepath.Join(root, DoneDir), filepath.Join(root, RejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create inbox dir: %w", err)
		}
	}
	return &Inbox{root: root, submit: submit, log: logger.With("inbox", root)}, nil
}

// Run watches the inbox until ctx is done, submitting existing files first.
func (in *Inbox) Run(ctx context.Context, cfg WatchConfig) error {
	cfg.Root = in.root
	cfg.InitialScan = true
	events, errs, err := StartWatcher(ctx, cfg, in.log)
	if err != nil {
		return err
	}
	in.log.Info("inbox watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-events:
			if !ok {
				return nil
			}
			_, _ = in.SubmitFile(ctx, p)
		case err, ok := <-errs:
			if ok && err != nil {
				in.log.Warn("inbox watcher reported error", "error", err)
			}
		}
	}
}

// SubmitFile submits one inbox file and files it under done/ or rejected/.
func (in *Inbox) SubmitFile(ctx context.Context, path string) (FileResult, error) {
	out := FileResult{Path: path}
	f, err := os.Open(path)
	if err != nil {
		out.Err = err.Error()
		return out, err
	}
	res, err := in.submit.Submit(ctx, Submission{Audio: f, ClientRef: filepath.Base(path)})
	if cerr := f.Close(); cerr != nil {
		in.log.Warn("close inbox file", "path", path, "error", cerr)
	}
	if err != nil {
		out.Err = err.Error()
		if errors.Is(err, common.ErrInvalidInput) {
			in.log.Info("inbox file rejected", "path", path, "error", err)
			in.move(path, RejectedDir)
		} else {
			in.log.Error("inbox file submit failed", "path", path, "error", err)
		}
		return out, err
	}
	out.Fingerprint = res.Fingerprint
	out.Deduplicated = res.Deduplicated
	in.log.Info("inbox file submitted", "path", path, "fingerprint", res.Fingerprint, "dedup", res.Deduplicated)
	in.move(path, DoneDir)
	return out, nil
}

// ScanDirectory submits every audio file currently in the inbox root.
func (in *Inbox) ScanDirectory(ctx context.Context) ([]FileResult, DirStats, error) {
	paths, err := listInbox(in.root, defaultInboxExts)
	if err != nil {
		return nil, DirStats{}, err
	}
	var results []FileResult
	var stats DirStats
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return results, stats, err
		}
		stats.Scanned++
		r, err := in.SubmitFile(ctx, p)
		results = append(results, r)
		if err != nil {
			stats.Failed++
			continue
		}
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
	}
	return results, stats, nil
}

func (in *Inbox) move(path, sub string) {
	dst := filepath.Join(in.root, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		in.log.Warn("failed to move inbox file", "path", path, "to", dst, "error", err)
	}
}

// listInbox returns allowed files directly under root, sorted by name.
func listInbox(root string, exts map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(root, e.Name())
		if allowed(p, exts) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
