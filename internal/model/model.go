// Package model wraps the speech-to-text model behind Handle.
//
// A Handle is bound to exactly one model version for its whole life. Handles are
// not safe for concurrent Transcribe calls; the scheduler owns a pool of them
// and lends each to at most one inference at a time.
package model

import (
	"context"
	"fmt"

	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

// Handle is a loaded model.
//
// Decoding is not deterministic across runs (thread count and temperature
// fallback affect output); a stored result is never recomputed for its fingerprint.
type Handle interface {
	// Transcribe runs inference over canonical 16 kHz mono s16le WAV bytes.
	// Failures are *InferenceError (permanent) or *ResourceExhausted (transient).
	Transcribe(ctx context.Context, audio []byte) (entity.TranscriptResult, error)
	Version() string
	Close() error
}

// InferenceError means this input cannot be transcribed; retrying will not help.
type InferenceError struct {
	Reason string
	Err    error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference failed: %s: %v", e.Reason, e.Err)
	}
	return "inference failed: " + e.Reason
}

func (e *InferenceError) Unwrap() []error {
	return causes(common.ErrPermanentInference, e.Err)
}

// ResourceExhausted means the attempt failed for reasons outside the input
// (memory, timeout, interrupted process) and may succeed later.
type ResourceExhausted struct {
	Reason string
	Err    error
}

func (e *ResourceExhausted) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resource exhausted: %s: %v", e.Reason, e.Err)
	}
	return "resource exhausted: " + e.Reason
}

func (e *ResourceExhausted) Unwrap() []error {
	return causes(common.ErrTransientInference, e.Err)
}

func causes(kind, err error) []error {
	if err == nil {
		return []error{kind}
	}
	return []error{kind, err}
}
