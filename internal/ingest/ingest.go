package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/repository"
)

// Submission is one audio artifact offered for transcription.
type Submission struct {
	Audio       io.Reader
	ContentType string
	ClientRef   string
	CallbackURL string
}

// SubmitResult is the per-submission ingest outcome.
type SubmitResult struct {
	Fingerprint  string
	Deduplicated bool
	State        constants.JobState
	Job          *entity.Job
}

// Enqueuer admits fingerprints for scheduling.
type Enqueuer interface {
	Enqueue(fingerprint string)
}

// Submitter is the behavior the HTTP layer and inbox watcher depend on.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (SubmitResult, error)
}

type Options struct {
	MaxBytes      int64
	MaxDuration   time.Duration
	ResetAttempts bool
	RetainAudio   bool
	// SplitStereo keeps two-channel calls as stereo so each side is
	// transcribed as its own speaker.
	SplitStereo bool
	// Transcoder is optional; without it only 16 kHz 16-bit PCM WAV is accepted.
	Transcoder Transcoder
}

// Gateway validates and normalizes audio, deduplicates by fingerprint and hands
// new work to the scheduler. Nothing is written for rejected input.
type Gateway struct {
	jobs  repository.JobRepository
	spool *Spool
	queue Enqueuer
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

func NewGateway(jobs repository.JobRepository, spool *Spool, queue Enqueuer, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{jobs: jobs, spool: spool, queue: queue, opts: opts, log: logger, now: time.Now}
}

var _ Submitter = (*Gateway)(nil)

func (g *Gateway) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	log := common.LoggerFrom(ctx, g.log)

	if err := validateMetadata(sub); err != nil {
		return SubmitResult{}, err
	}
	data, err := readBounded(sub.Audio, g.opts.MaxBytes)
	if err != nil {
		return SubmitResult{}, err
	}

	norm, err := normalize(ctx, data, g.opts.Transcoder, g.opts.SplitStereo)
	if err != nil {
		log.Info("audio rejected", "bytes", len(data), "declared", sub.ContentType, "error", err)
		return SubmitResult{}, err
	}
	if norm.Duration <= 0 {
		return SubmitResult{}, common.InvalidInput(CodeAudioSilent, "audio has zero duration")
	}
	if g.opts.MaxDuration > 0 && norm.Duration > g.opts.MaxDuration {
		return SubmitResult{}, common.InvalidInput(CodeAudioTooLong,
			"audio is %s, limit is %s", norm.Duration.Round(time.Second), g.opts.MaxDuration)
	}

	fp := norm.Fingerprint
	log = log.With("fingerprint", fp)

	if err := g.spool.Write(fp, norm.Samples, norm.Channels); err != nil {
		return SubmitResult{}, common.WrapError(err, "spool audio")
	}

	nj := entity.NewJob{
		Fingerprint: fp,
		ContentType: norm.Sniffed,
		ClientRef:   sub.ClientRef,
		CallbackURL: sub.CallbackURL,
		DurationMS:  norm.Duration.Milliseconds(),
		AudioBytes:  int64(len(norm.Samples) * constants.CanonicalBitDepth / 8),
		SubmittedAt: g.now().UTC(),
	}

	job, created, err := g.jobs.Create(ctx, nj)
	if err != nil {
		return SubmitResult{}, err
	}
	if created {
		g.queue.Enqueue(fp)
		log.Info("job submitted", "duration_ms", nj.DurationMS, "transcoded", norm.Transcoded)
		return SubmitResult{Fingerprint: fp, State: job.State, Job: job}, nil
	}

	if job.State == constants.JobStateFailed {
		requeued, err := g.jobs.Resubmit(ctx, nj, g.opts.ResetAttempts)
		switch {
		case err == nil:
			// the previous run may have dropped the file after the first Write
			if err := g.spool.Write(fp, norm.Samples, norm.Channels); err != nil {
				return SubmitResult{}, common.WrapError(err, "spool audio")
			}
			g.queue.Enqueue(fp)
			log.Info("failed job resubmitted", "previous_error", job.Error)
			return SubmitResult{Fingerprint: fp, State: requeued.State, Job: requeued}, nil
		case errors.Is(err, common.ErrConflict):
			// a concurrent submission won the resubmit
			if job, err = g.jobs.Get(ctx, fp); err != nil {
				return SubmitResult{}, err
			}
		default:
			return SubmitResult{}, err
		}
	}

	if job.State == constants.JobStateSucceeded && !g.opts.RetainAudio {
		if err := g.spool.Remove(fp); err != nil {
			log.Warn("failed to remove spooled audio", "error", err)
		}
	}
	log.Info("duplicate submission", "state", job.State)
	return SubmitResult{Fingerprint: fp, Deduplicated: true, State: job.State, Job: job}, nil
}

func readBounded(r io.Reader, max int64) ([]byte, error) {
	if r == nil {
		return nil, common.InvalidInput(CodeAudioEmpty, "no audio provided")
	}
	if max <= 0 {
		max = 1 << 62
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, common.InvalidInput(CodeAudioTooLarge, "audio exceeds %d bytes", max)
		}
		return nil, common.NewAppError(CodeDecodeFailed, "read audio", errors.Join(common.ErrInvalidInput, err))
	}
	if int64(len(data)) > max {
		return nil, common.InvalidInput(CodeAudioTooLarge, "audio exceeds %d bytes", max)
	}
	if len(data) == 0 {
		return nil, common.InvalidInput(CodeAudioEmpty, "audio is empty")
	}
	return data, nil
}

func validateMetadata(sub Submission) error {
	v := common.NewValidator()
	v.Field("client_ref", sub.ClientRef, common.MaxLength(256))
	v.Field("callback_url", sub.CallbackURL, common.OptionalHTTPURL)
	if ct := constants.NormalizeMIME(sub.ContentType); ct != "" &&
		!strings.HasPrefix(ct, "audio/") && !strings.HasPrefix(ct, "video/") &&
		ct != "application/octet-stream" {
		return common.InvalidInput(CodeUnsupportedMedia, "content type %s is not audio", ct)
	}
	if v.HasErrors() {
		return v.Err(CodeInvalidMetadata)
	}
	return nil
}
