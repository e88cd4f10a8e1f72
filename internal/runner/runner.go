// Package runner executes external tools (whisper.cpp, ffmpeg) behind a seam tests can stub.
package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result captures one finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec runs commands with os/exec. The zero value is ready to use.
type Exec struct {
	Logger *slog.Logger
}

func (e Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	res := Result{Stdout: out.Bytes(), Stderr: errb.Bytes(), Duration: time.Since(start)}

	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		log.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"exit_code", res.ExitCode,
			"duration_ms", res.Duration.Milliseconds(),
			"error", err,
			"stderr", Truncate(errb.String(), 8<<10),
		)
		return res, err
	}
	log.Debug("exec ok",
		"cmd", name,
		"args", strings.Join(args, " "),
		"duration_ms", res.Duration.Milliseconds(),
		"stdout_bytes", out.Len(),
		"stderr_bytes", errb.Len(),
	)
	return res, nil
}

// LookPath resolves a binary name against PATH, or checks an explicit path.
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Truncate caps s at max bytes for logging.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
