// Package scheduler serializes access to model handles and drives jobs through
// QUEUED -> RUNNING -> SUCCEEDED | FAILED | QUEUED(retry).
//
// The in-memory queue holds fingerprints only; the job store is the source of
// truth and Recover rebuilds the queue from it after a restart.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/model"
	"github.com/joseph-ayodele/calls-transcriber/internal/notify"
	"github.com/joseph-ayodele/calls-transcriber/internal/repository"
)

// AudioSource yields the canonical audio for a fingerprint.
type AudioSource interface {
	Read(fingerprint string) ([]byte, error)
	// Discard removes the audio unless keep reports it is still needed. keep
	// must run while writes of the same fingerprint are blocked.
	Discard(fingerprint string, keep func() bool) error
}

// Publisher receives outcomes; it must not block.
type Publisher interface {
	Publish(o notify.Outcome) notify.Outcome
}

type Scheduler struct {
	jobs   repository.JobRepository
	audio  AudioSource
	pub    Publisher
	logger *slog.Logger

	pool  chan model.Handle
	slots int

	maxAttempts        int
	backoffBase        time.Duration
	backoffMax         time.Duration
	leaseTimeout       time.Duration
	reaperInterval     time.Duration
	storeWriteAttempts int
	storeRetryInterval time.Duration
	retainAudio        bool
	now                func() time.Time

	mu       sync.Mutex
	queue    *list.List
	queued   map[string]*list.Element
	inflight map[string]struct{}
	rerun    map[string]struct{}
	timers   map[string]*time.Timer
	closed   bool
	wake     chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
	stop      chan struct{}
	loopDone  chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	recovered atomic.Bool
}

type Option func(*Scheduler)

func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay bounds: min(base*2^(attempts-1), max).
func WithBackoff(base, max time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.backoffBase = base
		}
		if max >= s.backoffBase {
			s.backoffMax = max
		}
	}
}

func WithLease(timeout, reaperInterval time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.leaseTimeout = timeout
		}
		s.reaperInterval = reaperInterval
	}
}

// WithStoreRetry bounds how long a finished outcome is held while the store is down.
func WithStoreRetry(attempts int, interval time.Duration) Option {
	return func(s *Scheduler) {
		if attempts > 0 {
			s.storeWriteAttempts = attempts
		}
		if interval > 0 {
			s.storeRetryInterval = interval
		}
	}
}

func WithRetainAudio(retain bool) Option {
	return func(s *Scheduler) { s.retainAudio = retain }
}

func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler with one slot per handle. Handles stay owned by the caller.
func New(jobs repository.JobRepository, audio AudioSource, pub Publisher, handles []model.Handle, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		jobs:               jobs,
		audio:              audio,
		pub:                pub,
		logger:             logger,
		pool:               make(chan model.Handle, len(handles)),
		slots:              len(handles),
		maxAttempts:        3,
		backoffBase:        2 * time.Second,
		backoffMax:         2 * time.Minute,
		leaseTimeout:       30 * time.Minute,
		reaperInterval:     time.Minute,
		storeWriteAttempts: 8,
		storeRetryInterval: 250 * time.Millisecond,
		now:                time.Now,
		queue:              list.New(),
		queued:             map[string]*list.Element{},
		inflight:           map[string]struct{}{},
		rerun:              map[string]struct{}{},
		timers:             map[string]*time.Timer{},
		wake:               make(chan struct{}, 1),
		stop:               make(chan struct{}),
		loopDone:           make(chan struct{}),
	}
	for _, h := range handles {
		s.pool <- h
	}
	for _, o := range opts {
		o(s)
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	return s
}

// Start launches the dispatcher and the lease reaper.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.loop()
		if s.reaperInterval > 0 {
			s.wg.Add(1)
			go s.reap()
		}
		s.logger.Info("scheduler started", "slots", s.slots, "max_attempts", s.maxAttempts)
	})
}

// Enqueue admits a fingerprint at the back of the queue. Fingerprints already
// queued, waiting on a retry timer, or in flight are not duplicated.
func (s *Scheduler) Enqueue(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("cannot enqueue: scheduler is shutting down", "fingerprint", fingerprint)
		return
	}
	if _, ok := s.queued[fingerprint]; ok {
		return
	}
	if _, ok := s.timers[fingerprint]; ok {
		return
	}
	if _, ok := s.inflight[fingerprint]; ok {
		// a resubmission raced the finishing run; admit it once the run lets go
		s.rerun[fingerprint] = struct{}{}
		return
	}
	s.pushLocked(fingerprint)
	s.logger.Debug("queued job", "fingerprint", fingerprint, "depth", s.queue.Len())
}

func (s *Scheduler) pushLocked(fp string) {
	s.queued[fp] = s.queue.PushBack(fp)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// removeLocked drops fp from the queue and cancels its retry timer.
func (s *Scheduler) removeLocked(fp string) {
	if e, ok := s.queued[fp]; ok {
		s.queue.Remove(e)
		delete(s.queued, fp)
	}
	if t, ok := s.timers[fp]; ok {
		t.Stop()
		delete(s.timers, fp)
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		var h model.Handle
		select {
		case h = <-s.pool:
		case <-s.stop:
			return
		}
		fp, ok := s.next()
		if !ok {
			s.pool <- h
			return
		}
		s.dispatch(h, fp)
	}
}

// next blocks until a fingerprint is available and marks it in flight.
func (s *Scheduler) next() (string, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", false
		}
		if e := s.queue.Front(); e != nil {
			fp := s.queue.Remove(e).(string)
			delete(s.queued, fp)
			s.inflight[fp] = struct{}{}
			s.mu.Unlock()
			return fp, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.stop:
			return "", false
		}
	}
}

// dispatch persists QUEUED -> RUNNING while holding the slot, then hands the
// handle to an inference goroutine.
func (s *Scheduler) dispatch(h model.Handle, fp string) {
	log := s.logger.With("fingerprint", fp)
	job, err := s.jobs.MarkRunning(s.runCtx, fp, s.now())
	if err != nil {
		s.pool <- h
		s.finish(fp)
		switch {
		case errors.Is(err, common.ErrStoreUnavailable):
			log.Warn("could not start job, store unavailable; will retry", "error", err, "retry_in", s.backoffBase)
			s.retryAfter(fp, s.backoffBase)
		case errors.Is(err, common.ErrConflict), errors.Is(err, common.ErrNotFound):
			log.Debug("job no longer queued, skipping", "error", err)
		default:
			log.Error("could not start job", "error", err)
		}
		return
	}
	log.Info("job started", "attempt", job.Attempts, "model_version", h.Version())
	s.publish(job)

	s.wg.Add(1)
	go s.run(h, job)
}

func (s *Scheduler) run(h model.Handle, job *entity.Job) {
	defer s.wg.Done()
	defer s.finish(job.Fingerprint)
	fp := job.Fingerprint
	log := s.logger.With("fingerprint", fp, "attempt", job.Attempts)
	ctx := common.WithFingerprint(s.runCtx, fp)

	start := time.Now()
	result, err := s.infer(ctx, h, fp)
	s.pool <- h

	if err == nil {
		if job.DurationMS > 0 {
			result.DurationMS = job.DurationMS
		}
		if result.ModelVersion == "" {
			result.ModelVersion = h.Version()
		}
		log.Info("inference succeeded", "took", time.Since(start), "segments", len(result.Segments))
		s.complete(job, result)
		return
	}

	transient := common.IsTransient(err)
	log.Warn("inference failed", "transient", transient, "took", time.Since(start), "error", err)
	if !transient {
		s.fail(job, constants.JobStateRunning, constants.ErrCodePermanentInference, err.Error())
		return
	}
	s.retryOrFail(job, constants.ErrCodeTransientInference, err.Error())
}

func (s *Scheduler) infer(ctx context.Context, h model.Handle, fp string) (entity.TranscriptResult, error) {
	audio, err := s.audio.Read(fp)
	if errors.Is(err, common.ErrNotFound) {
		return entity.TranscriptResult{}, &model.InferenceError{Reason: "spooled audio is missing", Err: err}
	}
	if err != nil {
		return entity.TranscriptResult{}, &model.ResourceExhausted{Reason: "read spooled audio", Err: err}
	}
	return h.Transcribe(ctx, audio)
}

// retryOrFail requeues a transiently failed RUNNING job with backoff while
// attempts remain and no cancel was requested; otherwise it fails the job.
func (s *Scheduler) retryOrFail(job *entity.Job, code constants.JobErrorCode, msg string) {
	fp := job.Fingerprint
	cancelled := job.CancelRequested
	if cur, err := s.jobs.Get(s.runCtx, fp); err == nil {
		cancelled = cur.CancelRequested
	}
	switch {
	case cancelled:
		s.fail(job, constants.JobStateRunning, constants.ErrCodeCancelled, "cancelled after failed attempt: "+msg)
	case job.Attempts >= s.maxAttempts:
		s.fail(job, constants.JobStateRunning, code, msg)
	default:
		delay := s.backoff(job.Attempts)
		notBefore := s.now().Add(delay)
		err := s.persist(fp, "retry", func(ctx context.Context) error {
			return s.jobs.MarkRetry(ctx, fp, notBefore)
		})
		if err != nil {
			return
		}
		s.retryAfter(fp, delay)
		j := *job
		j.State = constants.JobStateQueued
		j.NotBefore = &notBefore
		s.publish(&j)
		s.logger.Info("job scheduled for retry", "fingerprint", fp, "attempt", job.Attempts, "retry_in", delay)
	}
}

func (s *Scheduler) complete(job *entity.Job, result entity.TranscriptResult) {
	fp := job.Fingerprint
	err := s.persist(fp, "success", func(ctx context.Context) error {
		return s.jobs.MarkSucceeded(ctx, fp, result, s.now())
	})
	if err != nil {
		return
	}
	j := *job
	j.State = constants.JobStateSucceeded
	j.Result = &result
	s.publish(&j)
	s.dropAudio(fp)
}

func (s *Scheduler) fail(job *entity.Job, from constants.JobState, code constants.JobErrorCode, msg string) {
	fp := job.Fingerprint
	jobErr := entity.JobError{Code: code, Message: msg, Attempts: job.Attempts}
	err := s.persist(fp, "failure", func(ctx context.Context) error {
		return s.jobs.MarkFailed(ctx, fp, from, jobErr, s.now())
	})
	if err != nil {
		return
	}
	j := *job
	j.State = constants.JobStateFailed
	j.Error = &jobErr
	s.publish(&j)
	s.dropAudio(fp)
}

// finish releases fp from the in-flight set, admitting a raced resubmission.
func (s *Scheduler) finish(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, fp)
	if _, ok := s.rerun[fp]; ok {
		delete(s.rerun, fp)
		if !s.closed {
			s.pushLocked(fp)
		}
	}
}

// retryAfter re-admits fp at the back of the queue once delay elapses.
func (s *Scheduler) retryAfter(fp string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[fp]; ok {
		t.Stop()
	}
	s.timers[fp] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, fp)
		if s.closed {
			return
		}
		if _, ok := s.queued[fp]; ok {
			return
		}
		if _, ok := s.inflight[fp]; ok {
			return
		}
		s.pushLocked(fp)
	})
}

// backoff returns min(base * 2^(attempts-1), max).
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.backoffMax {
			return s.backoffMax
		}
	}
	if d > s.backoffMax {
		return s.backoffMax
	}
	return d
}

func (s *Scheduler) publish(j *entity.Job) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(notify.OutcomeFromJob(j))
}

// dropAudio removes the spooled audio of a finished job unless a
// resubmission already claimed it again.
func (s *Scheduler) dropAudio(fp string) {
	if s.retainAudio || s.audio == nil {
		return
	}
	if err := s.audio.Discard(fp, func() bool { return s.audioNeeded(fp) }); err != nil {
		s.logger.Warn("failed to remove spooled audio", "fingerprint", fp, "error", err)
	}
}

// audioNeeded reports whether fp is admitted again or its row left the
// terminal state. An unreadable store keeps the file.
func (s *Scheduler) audioNeeded(fp string) bool {
	s.mu.Lock()
	_, queued := s.queued[fp]
	_, rerun := s.rerun[fp]
	_, waiting := s.timers[fp]
	s.mu.Unlock()
	if queued || rerun || waiting {
		return true
	}
	job, err := s.jobs.Get(context.WithoutCancel(s.runCtx), fp)
	if err != nil {
		return !errors.Is(err, common.ErrNotFound)
	}
	return !job.State.Terminal()
}

// Cancel fails a QUEUED job immediately, or flags a RUNNING one so that it is
// not retried. Terminal jobs are a conflict.
func (s *Scheduler) Cancel(ctx context.Context, fingerprint string) (*entity.Job, error) {
	log := common.LoggerFrom(ctx, s.logger).With("fingerprint", fingerprint)
	for i := 0; i < 3; i++ {
		job, err := s.jobs.Get(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		switch job.State {
		case constants.JobStateQueued:
			jobErr := entity.JobError{Code: constants.ErrCodeCancelled, Message: "cancelled before start", Attempts: job.Attempts}
			err := s.jobs.MarkFailed(ctx, fingerprint, constants.JobStateQueued, jobErr, s.now())
			if errors.Is(err, common.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.removeLocked(fingerprint)
			s.mu.Unlock()
			job.State = constants.JobStateFailed
			job.Error = &jobErr
			job.NotBefore = nil
			s.publish(job)
			s.dropAudio(fingerprint)
			log.Info("queued job cancelled")
			return job, nil
		case constants.JobStateRunning:
			err := s.jobs.RequestCancel(ctx, fingerprint)
			if errors.Is(err, common.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			job.CancelRequested = true
			log.Info("cancel requested for running job")
			return job, nil
		default:
			return job, common.NewAppError("JOB_TERMINAL", "job is already "+string(job.State), common.ErrConflict)
		}
	}
	return nil, common.NewAppError("CANCEL_CONTENDED", "job state kept changing", common.ErrConflict)
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued    int  `json:"queued"`
	Waiting   int  `json:"waiting_retry"`
	InFlight  int  `json:"in_flight"`
	Slots     int  `json:"slots"`
	FreeSlots int  `json:"free_slots"`
	Ready     bool `json:"ready"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    s.queue.Len(),
		Waiting:   len(s.timers),
		InFlight:  len(s.inflight),
		Slots:     s.slots,
		FreeSlots: len(s.pool),
		Ready:     s.recovered.Load() && s.started.Load() && !s.closed,
	}
}

// Ready reports whether recovery finished and the dispatcher runs.
func (s *Scheduler) Ready() bool {
	return s.Stats().Ready
}

// Shutdown stops admission and waits for in-flight inferences to finish. When
// ctx expires first, running inferences are interrupted.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for fp, t := range s.timers {
			t.Stop()
			delete(s.timers, fp)
		}
		s.mu.Unlock()
		close(s.stop)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.started.Load() {
			<-s.loopDone
		}
		s.wg.Wait()
	}()

	select {
	case <-done:
		s.cancelRun()
		s.logger.Info("scheduler drained, shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown interrupted by context, cancelling in-flight inference")
		s.cancelRun()
		return ctx.Err()
	}
}
