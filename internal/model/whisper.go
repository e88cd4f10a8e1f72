package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/runner"
)

// Options configures a whisper.cpp CLI backed handle.
type Options struct {
	WeightsPath string
	Version     string
	Binary      string
	Threads     int
	Language    string
	Diarize     bool
	Timeout     time.Duration
	// ScratchDir holds per-inference temp files; "" uses os.TempDir.
	ScratchDir string

	Runner   runner.Runner
	LookPath func(string) (string, error)
}

// WhisperCLI runs whisper.cpp once per Transcribe call against cached weights.
//
// Each call starts a fresh whisper-cli process, which maps and loads the
// weights again before decoding: the model is resident only on the page cache,
// not in this process. For large weights that load costs seconds per job and
// the peak memory of one slot is paid on every call. Load checks the weights
// and binary once so a broken install fails at startup, and the scheduler
// still lends each handle to one inference at a time.
type WhisperCLI struct {
	opts   Options
	binary string
	run    runner.Runner
	log    *slog.Logger
	closed atomic.Bool
}

var _ Handle = (*WhisperCLI)(nil)

// stderr fragments whisper.cpp and ggml print when memory runs out.
var exhaustedMarkers = []string{
	"failed to allocate",
	"out of memory",
	"not enough space",
	"cudamalloc failed",
	"bad_alloc",
}

// stderr fragments printed when the input itself cannot be decoded.
var decodeMarkers = []string{
	"failed to read audio",
	"failed to open",
	"failed to process audio",
	"input file not found",
	"invalid wav",
	"unsupported",
}

// Load verifies the weights and the whisper binary. Anything missing is ErrStartupFatal.
func Load(ctx context.Context, opts Options, logger *slog.Logger) (*WhisperCLI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = runner.Exec{Logger: logger}
	}
	if opts.LookPath == nil {
		opts.LookPath = runner.LookPath
	}
	if opts.Version == "" {
		return nil, common.NewAppError("MODEL_LOAD_FAILED", "model version is required", common.ErrStartupFatal)
	}

	info, err := os.Stat(opts.WeightsPath)
	if err != nil {
		return nil, common.NewAppError("MODEL_LOAD_FAILED",
			fmt.Sprintf("weights %s unavailable", opts.WeightsPath), errors.Join(common.ErrStartupFatal, err))
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, common.NewAppError("MODEL_LOAD_FAILED",
			fmt.Sprintf("weights %s are not a model file", opts.WeightsPath), common.ErrStartupFatal)
	}

	bin, err := opts.LookPath(opts.Binary)
	if err != nil {
		return nil, common.NewAppError("MODEL_LOAD_FAILED",
			fmt.Sprintf("whisper binary %q not found", opts.Binary), errors.Join(common.ErrStartupFatal, err))
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(common.ErrStartupFatal, err)
	}

	logger.Info("model handle loaded",
		"version", opts.Version,
		"weights", opts.WeightsPath,
		"weights_bytes", info.Size(),
		"binary", bin,
		"threads", opts.Threads,
		"diarize", opts.Diarize,
	)
	return &WhisperCLI{
		opts:   opts,
		binary: bin,
		run:    opts.Runner,
		log:    logger.With("model_version", opts.Version),
	}, nil
}

func (w *WhisperCLI) Version() string { return w.opts.Version }

func (w *WhisperCLI) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *WhisperCLI) Transcribe(ctx context.Context, audio []byte) (entity.TranscriptResult, error) {
	if w.closed.Load() {
		return entity.TranscriptResult{}, &ResourceExhausted{Reason: "model handle closed"}
	}
	if len(audio) == 0 {
		return entity.TranscriptResult{}, &InferenceError{Reason: "empty audio"}
	}

	dir, err := os.MkdirTemp(w.opts.ScratchDir, "whisper-*")
	if err != nil {
		return entity.TranscriptResult{}, &ResourceExhausted{Reason: "create scratch dir", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			w.log.Warn("failed to remove scratch dir", "dir", dir, "error", err)
		}
	}()

	wavPath := filepath.Join(dir, "input.wav")
	if err := os.WriteFile(wavPath, audio, 0o600); err != nil {
		return entity.TranscriptResult{}, &ResourceExhausted{Reason: "write scratch audio", Err: err}
	}
	outBase := filepath.Join(dir, "out")

	runCtx := ctx
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	args := buildWhisperArgs(w.opts, wavPath, outBase)
	res, runErr := w.run.Run(runCtx, w.binary, args...)
	if runErr != nil {
		return entity.TranscriptResult{}, classifyRunError(runCtx, res, runErr)
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return entity.TranscriptResult{}, &InferenceError{Reason: "whisper produced no JSON output", Err: err}
	}
	out, err := parseOutput(raw)
	if err != nil {
		return entity.TranscriptResult{}, &InferenceError{Reason: "malformed whisper output", Err: err}
	}

	result := out.toResult(w.opts.Version, w.opts.Diarize)
	w.log.Debug("inference finished",
		"segments", len(result.Segments),
		"language", result.Language,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return result, nil
}

// classifyRunError decides whether a failed whisper run is worth retrying.
func classifyRunError(ctx context.Context, res runner.Result, err error) error {
	stderr := strings.ToLower(string(res.Stderr))
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ResourceExhausted{Reason: "inference timed out", Err: err}
	case ctx.Err() != nil:
		return &ResourceExhausted{Reason: "inference interrupted", Err: err}
	case containsAny(stderr, exhaustedMarkers):
		return &ResourceExhausted{Reason: "model ran out of memory", Err: err}
	case res.ExitCode == -1 || res.ExitCode == 137:
		// killed by a signal, typically the OOM killer
		return &ResourceExhausted{Reason: "whisper was killed", Err: err}
	case containsAny(stderr, decodeMarkers):
		return &InferenceError{Reason: lastLine(string(res.Stderr)), Err: err}
	default:
		return &ResourceExhausted{Reason: "whisper exited with code " + strconv.Itoa(res.ExitCode), Err: err}
	}
}

// buildWhisperArgs builds whisper.cpp args for JSON transcript export.
func buildWhisperArgs(opts Options, audioPath, outBase string) []string {
	args := []string{
		"-m", opts.WeightsPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
		"-np",
	}
	if lang := normalizeLanguage(opts.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(opts.Threads))
	}
	if opts.Diarize {
		args = append(args, "-tdrz")
	}
	return args
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return runner.Truncate(strings.TrimSpace(lines[len(lines)-1]), 512)
}
