package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

// Recover reconciles the store after a restart: every RUNNING row is an
// orphan of a previous process and is either requeued or failed, then the
// in-memory queue is rebuilt from QUEUED rows in submission order. It must run
// before Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	running, err := s.jobs.ListByState(ctx, constants.JobStateRunning)
	if err != nil {
		return common.Classified(common.ErrStartupFatal, fmt.Errorf("list running jobs: %w", err))
	}
	requeued, failed := 0, 0
	for _, job := range running {
		ok, err := s.orphan(ctx, job, "process restarted while job was running")
		if err != nil {
			return common.Classified(common.ErrStartupFatal, err)
		}
		if ok {
			requeued++
		} else {
			failed++
		}
	}

	queued, err := s.jobs.ListByState(ctx, constants.JobStateQueued)
	if err != nil {
		return common.Classified(common.ErrStartupFatal, fmt.Errorf("list queued jobs: %w", err))
	}
	now := s.now()
	delayed := 0
	for _, job := range queued {
		if job.NotBefore != nil && job.NotBefore.After(now) {
			s.retryAfter(job.Fingerprint, job.NotBefore.Sub(now))
			delayed++
			continue
		}
		s.Enqueue(job.Fingerprint)
	}
	s.recovered.Store(true)
	s.logger.Info("recovery complete",
		"orphans_requeued", requeued,
		"orphans_failed", failed,
		"queued", len(queued)-delayed,
		"waiting_retry", delayed)
	return nil
}

// orphan resolves a RUNNING row no live inference owns. It reports whether the
// job was requeued. A row that moved meanwhile is left alone.
func (s *Scheduler) orphan(ctx context.Context, job *entity.Job, reason string) (bool, error) {
	fp := job.Fingerprint
	log := s.logger.With("fingerprint", fp, "attempts", job.Attempts)

	if job.Attempts < s.maxAttempts && !job.CancelRequested {
		notBefore := s.now().Add(s.backoff(job.Attempts))
		err := s.jobs.MarkRetry(ctx, fp, notBefore)
		if errors.Is(err, common.ErrConflict) || errors.Is(err, common.ErrNotFound) {
			log.Debug("orphan already moved on", "error", err)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("requeue orphan %s: %w", fp, err)
		}
		j := *job
		j.State = constants.JobStateQueued
		j.NotBefore = &notBefore
		s.publish(&j)
		if s.recovered.Load() {
			s.retryAfter(fp, notBefore.Sub(s.now()))
		}
		log.Warn("orphaned job requeued", "reason", reason, "not_before", notBefore)
		return true, nil
	}

	code := constants.ErrCodeOrphaned
	if job.CancelRequested {
		code = constants.ErrCodeCancelled
	}
	jobErr := entity.JobError{Code: code, Message: reason, Attempts: job.Attempts}
	err := s.jobs.MarkFailed(ctx, fp, constants.JobStateRunning, jobErr, s.now())
	if errors.Is(err, common.ErrConflict) || errors.Is(err, common.ErrNotFound) {
		log.Debug("orphan already moved on", "error", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail orphan %s: %w", fp, err)
	}
	j := *job
	j.State = constants.JobStateFailed
	j.Error = &jobErr
	s.publish(&j)
	s.dropAudio(fp)
	log.Warn("orphaned job failed", "reason", reason, "code", code)
	return false, nil
}

// reap periodically resolves RUNNING rows whose lease expired and that no
// inference in this process holds.
func (s *Scheduler) reap() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapOnce(s.runCtx)
		}
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) int {
	stale, err := s.jobs.ListRunningStartedBefore(ctx, s.now().Add(-s.leaseTimeout))
	if err != nil {
		s.logger.Warn("lease reaper could not list running jobs", "error", err)
		return 0
	}
	reaped := 0
	for _, job := range stale {
		s.mu.Lock()
		_, live := s.inflight[job.Fingerprint]
		s.mu.Unlock()
		if live {
			continue
		}
		if _, err := s.orphan(ctx, job, "running lease expired"); err != nil {
			s.logger.Warn("lease reaper could not resolve job", "fingerprint", job.Fingerprint, "error", err)
			continue
		}
		reaped++
	}
	return reaped
}

// persist retries a terminal or retry write while the store is unavailable.
// Other errors are not retried. When attempts run out the outcome is logged
// in full so it can be replayed by hand.
func (s *Scheduler) persist(fp, what string, op func(ctx context.Context) error) error {
	log := s.logger.With("fingerprint", fp, "write", what)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.storeRetryInterval
	b.MaxInterval = 30 * time.Second

	// writes of finished work outlive a shutdown deadline
	ctx := context.WithoutCancel(s.runCtx)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, common.ErrStoreUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.storeWriteAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("store unavailable, holding outcome", "error", err, "retry_in", d)
		}),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrStoreUnavailable):
		log.Error("unrecoverable: outcome could not be persisted", "attempts", s.storeWriteAttempts, "error", err)
	case errors.Is(err, common.ErrConflict), errors.Is(err, common.ErrNotFound):
		log.Warn("job moved before outcome was written; discarding", "error", err)
	default:
		log.Error("outcome write failed", "error", err)
	}
	return err
}
