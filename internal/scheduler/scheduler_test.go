package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/db/migrations"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/model"
	"github.com/joseph-ayodele/calls-transcriber/internal/notify"
	"github.com/joseph-ayodele/calls-transcriber/internal/repository"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRepo(t *testing.T) repository.JobRepository {
	t.Helper()
	ctx := context.Background()
	db, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "jobs.db")}, quiet())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close(quiet()) })
	scripts, err := migrations.UpScripts("sqlite")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range scripts {
		if _, err := db.SQL.ExecContext(ctx, s); err != nil {
			t.Fatalf("apply migration: %v", err)
		}
	}
	return repository.NewJobRepository(db, quiet())
}

func fp(c byte) string { return strings.Repeat(string(c), 64) }

type memAudio struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemAudio() *memAudio { return &memAudio{files: map[string][]byte{}} }

// put stores the fingerprint itself as the audio so handles can tell jobs apart.
func (m *memAudio) put(fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[fp] = []byte(fp)
}

func (m *memAudio) has(fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[fp]
	return ok
}

func (m *memAudio) Read(fp string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[fp]
	if !ok {
		return nil, common.NewAppError("AUDIO_NOT_SPOOLED", "no audio", common.ErrNotFound)
	}
	return b, nil
}

func (m *memAudio) Discard(fp string, keep func() bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep != nil && keep() {
		return nil
	}
	delete(m.files, fp)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (r *recorder) Publish(o notify.Outcome) notify.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return o
}

func (r *recorder) states(fp string) []constants.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []constants.JobState
	for _, o := range r.outcomes {
		if o.Fingerprint == fp {
			out = append(out, o.State)
		}
	}
	return out
}

type fakeHandle struct {
	fn        func(call int32) (entity.TranscriptResult, error)
	delay     time.Duration
	gate      chan struct{}
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32

	mu    sync.Mutex
	order []string
}

func (h *fakeHandle) Transcribe(ctx context.Context, audio []byte) (entity.TranscriptResult, error) {
	h.mu.Lock()
	h.order = append(h.order, string(audio[:1]))
	h.mu.Unlock()
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		m := h.maxActive.Load()
		if n <= m || h.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	call := h.calls.Add(1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return entity.TranscriptResult{}, &model.ResourceExhausted{Reason: "interrupted", Err: ctx.Err()}
		}
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if h.fn != nil {
		return h.fn(call)
	}
	return entity.TranscriptResult{Text: "hello there", Segments: []entity.Segment{{StartMS: 0, EndMS: 900, Text: "hello there"}}}, nil
}

// seen lists the first letter of each transcribed fingerprint in call order.
func (h *fakeHandle) seen() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.order, "")
}

func (h *fakeHandle) Version() string { return "test-v1" }
func (h *fakeHandle) Close() error    { return nil }

func submit(t *testing.T, repo repository.JobRepository, audio *memAudio, fingerprint string, at time.Time) {
	t.Helper()
	_, created, err := repo.Create(context.Background(), entity.NewJob{
		Fingerprint: fingerprint,
		ContentType: constants.MIMEWav,
		DurationMS:  1234,
		SubmittedAt: at,
	})
	if err != nil || !created {
		t.Fatalf("Create() = %v, %v", created, err)
	}
	audio.put(fingerprint)
}

func waitTerminal(t *testing.T, repo repository.JobRepository, fingerprint string) *entity.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.Get(context.Background(), fingerprint)
		if err == nil && job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", fingerprint[:8])
	return nil
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func fastOpts() []Option {
	return []Option{
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithStoreRetry(5, time.Millisecond),
		WithLease(time.Hour, 0),
	}
}

func TestJobRunsToSuccess(t *testing.T) {
	repo, audio, rec := newRepo(t), newMemAudio(), &recorder{}
	h := &fakeHandle{}
	s := New(repo, audio, rec, []model.Handle{h}, quiet(), fastOpts()...)

	submit(t, repo, audio, fp('a'), time.Now())
	if err := s.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer shutdown(t, s)

	job := waitTerminal(t, repo, fp('a'))
	if job.State != constants.JobStateSucceeded || job.Result == nil {
		t.Fatalf("job = %+v", job)
	}
	if job.Result.DurationMS != 1234 || job.Result.Text != "hello there" {
		t.Errorf("result = %+v", job.Result)
	}
	if job.ModelVersion != "test-v1" || job.Attempts != 1 {
		t.Errorf("model_version = %q attempts = %d", job.ModelVersion, job.Attempts)
	}
	if audio.has(fp('a')) {
		t.Error("spooled audio not removed after success")
	}
	got := rec.states(fp('a'))
	if len(got) != 2 || got[0] != constants.JobStateRunning || got[1] != constants.JobStateSucceeded {
		t.Errorf("published states = %v", got)
	}
}

func TestSingleSlotRunsOneInferenceAtATime(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{delay: 10 * time.Millisecond}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(), fastOpts()...)

	base := time.Now()
	fps := []string{fp('a'), fp('b'), fp('c'), fp('d'), fp('e')}
	for i, f := range fps {
		submit(t, repo, audio, f, base.Add(time.Duration(i)*time.Millisecond))
		s.Enqueue(f)
	}
	s.Start()
	defer shutdown(t, s)

	for _, f := range fps {
		if job := waitTerminal(t, repo, f); job.State != constants.JobStateSucceeded {
			t.Errorf("%s state = %s", f[:1], job.State)
		}
	}
	if h.maxActive.Load() != 1 {
		t.Errorf("max concurrent inferences = %d, want 1", h.maxActive.Load())
	}
	if h.calls.Load() != int32(len(fps)) {
		t.Errorf("calls = %d, want %d", h.calls.Load(), len(fps))
	}
}

func TestTwoSlotsShareQueue(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h1, h2 := &fakeHandle{delay: 20 * time.Millisecond}, &fakeHandle{delay: 20 * time.Millisecond}
	s := New(repo, audio, nil, []model.Handle{h1, h2}, quiet(), fastOpts()...)
	for i, f := range []string{fp('a'), fp('b'), fp('c'), fp('d')} {
		submit(t, repo, audio, f, time.Now().Add(time.Duration(i)*time.Millisecond))
		s.Enqueue(f)
	}
	s.Start()
	defer shutdown(t, s)
	for _, f := range []string{fp('a'), fp('b'), fp('c'), fp('d')} {
		waitTerminal(t, repo, f)
	}
	if h1.maxActive.Load() > 1 || h2.maxActive.Load() > 1 {
		t.Errorf("a handle ran concurrently: %d %d", h1.maxActive.Load(), h2.maxActive.Load())
	}
	if h1.calls.Load()+h2.calls.Load() != 4 {
		t.Errorf("calls = %d + %d", h1.calls.Load(), h2.calls.Load())
	}
}

func TestTransientFailureRetriesUpToMaxAttempts(t *testing.T) {
	repo, audio, rec := newRepo(t), newMemAudio(), &recorder{}
	h := &fakeHandle{fn: func(int32) (entity.TranscriptResult, error) {
		return entity.TranscriptResult{}, &model.ResourceExhausted{Reason: "out of memory"}
	}}
	s := New(repo, audio, rec, []model.Handle{h}, quiet(), append(fastOpts(), WithMaxAttempts(3))...)

	submit(t, repo, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	job := waitTerminal(t, repo, fp('a'))
	if job.State != constants.JobStateFailed || job.Error == nil {
		t.Fatalf("job = %+v", job)
	}
	if job.Error.Code != constants.ErrCodeTransientInference || job.Error.Attempts != 3 || job.Attempts != 3 {
		t.Errorf("error = %+v attempts = %d", job.Error, job.Attempts)
	}
	if h.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", h.calls.Load())
	}
	queued := 0
	for _, st := range rec.states(fp('a')) {
		if st == constants.JobStateQueued {
			queued++
		}
	}
	if queued != 2 {
		t.Errorf("retry outcomes = %d, want 2", queued)
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{fn: func(call int32) (entity.TranscriptResult, error) {
		if call == 1 {
			return entity.TranscriptResult{}, errors.New("worker crashed")
		}
		return entity.TranscriptResult{Text: "ok"}, nil
	}}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(), fastOpts()...)
	submit(t, repo, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	job := waitTerminal(t, repo, fp('a'))
	if job.State != constants.JobStateSucceeded || job.Attempts != 2 {
		t.Fatalf("state = %s attempts = %d", job.State, job.Attempts)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{fn: func(int32) (entity.TranscriptResult, error) {
		return entity.TranscriptResult{}, &model.InferenceError{Reason: "corrupt audio"}
	}}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(), append(fastOpts(), WithRetainAudio(true))...)
	submit(t, repo, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	job := waitTerminal(t, repo, fp('a'))
	if job.State != constants.JobStateFailed || job.Error.Code != constants.ErrCodePermanentInference {
		t.Fatalf("job = %+v", job)
	}
	if h.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", h.calls.Load())
	}
	if !audio.has(fp('a')) {
		t.Error("audio removed despite retain option")
	}
}

func TestMissingAudioFailsPermanently(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(), fastOpts()...)
	submit(t, repo, audio, fp('a'), time.Now())
	_ = audio.Discard(fp('a'), nil)
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	job := waitTerminal(t, repo, fp('a'))
	if job.State != constants.JobStateFailed || job.Error.Code != constants.ErrCodePermanentInference {
		t.Fatalf("job = %+v", job)
	}
	if h.calls.Load() != 0 {
		t.Errorf("handle called %d times", h.calls.Load())
	}
}

func TestEnqueueIgnoresDuplicates(t *testing.T) {
	s := New(newRepo(t), newMemAudio(), nil, []model.Handle{&fakeHandle{}}, quiet())
	s.Enqueue(fp('a'))
	s.Enqueue(fp('a'))
	s.Enqueue(fp('b'))
	if got := s.Stats().Queued; got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	shutdown(t, s)
	s.Enqueue(fp('c'))
	if got := s.Stats().Queued; got != 2 {
		t.Errorf("enqueue after shutdown admitted: queued = %d", got)
	}
}

func TestRecoverRequeuesAndFailsOrphans(t *testing.T) {
	repo, audio, rec := newRepo(t), newMemAudio(), &recorder{}
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	// a: one attempt used, may retry. b: out of attempts. c: cancel was requested.
	for i, f := range []string{fp('a'), fp('b'), fp('c')} {
		submit(t, repo, audio, f, base.Add(time.Duration(i)*time.Second))
	}
	if _, err := repo.MarkRunning(ctx, fp('a'), base); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := repo.MarkRunning(ctx, fp('b'), base); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			if err := repo.MarkRetry(ctx, fp('b'), base); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := repo.MarkRunning(ctx, fp('c'), base); err != nil {
		t.Fatal(err)
	}
	if err := repo.RequestCancel(ctx, fp('c')); err != nil {
		t.Fatal(err)
	}
	submit(t, repo, audio, fp('d'), base.Add(10*time.Second))

	h := &fakeHandle{}
	s := New(repo, audio, rec, []model.Handle{h}, quiet(), append(fastOpts(), WithMaxAttempts(2))...)
	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !s.recovered.Load() || s.Ready() {
		t.Fatalf("ready before Start: %+v", s.Stats())
	}

	b, _ := repo.Get(ctx, fp('b'))
	if b.State != constants.JobStateFailed || b.Error.Code != constants.ErrCodeOrphaned {
		t.Errorf("b = %+v", b)
	}
	c, _ := repo.Get(ctx, fp('c'))
	if c.State != constants.JobStateFailed || c.Error.Code != constants.ErrCodeCancelled {
		t.Errorf("c = %+v", c)
	}

	s.Start()
	defer shutdown(t, s)
	if !s.Ready() {
		t.Error("not ready after Start")
	}
	for _, f := range []string{fp('a'), fp('d')} {
		job := waitTerminal(t, repo, f)
		if job.State != constants.JobStateSucceeded {
			t.Errorf("%s state = %s", f[:1], job.State)
		}
	}
	a, _ := repo.Get(ctx, fp('a'))
	if a.Attempts != 2 {
		t.Errorf("a attempts = %d, want 2", a.Attempts)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	repo, audio, rec := newRepo(t), newMemAudio(), &recorder{}
	s := New(repo, audio, rec, []model.Handle{&fakeHandle{}}, quiet(), fastOpts()...)
	submit(t, repo, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))

	job, err := s.Cancel(context.Background(), fp('a'))
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.State != constants.JobStateFailed || job.Error.Code != constants.ErrCodeCancelled {
		t.Fatalf("job = %+v", job)
	}
	if s.Stats().Queued != 0 {
		t.Error("cancelled job still queued")
	}
	if audio.has(fp('a')) {
		t.Error("audio kept after cancel")
	}
	if _, err := s.Cancel(context.Background(), fp('a')); !errors.Is(err, common.ErrConflict) {
		t.Errorf("second Cancel() error = %v, want conflict", err)
	}
	if _, err := s.Cancel(context.Background(), fp('z')); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want not found", err)
	}
	shutdown(t, s)
}

func TestCancelRunningJobPreventsRetry(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{
		gate: make(chan struct{}),
		fn: func(int32) (entity.TranscriptResult, error) {
			return entity.TranscriptResult{}, &model.ResourceExhausted{Reason: "busy"}
		},
	}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(), fastOpts()...)
	submit(t, repo, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	deadline := time.Now().Add(5 * time.Second)
	for h.active.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	job, err := s.Cancel(context.Background(), fp('a'))
	if err != nil || !job.CancelRequested {
		t.Fatalf("Cancel() = %+v, %v", job, err)
	}
	close(h.gate)

	job = waitTerminal(t, repo, fp('a'))
	if job.State != constants.JobStateFailed || job.Error.Code != constants.ErrCodeCancelled {
		t.Fatalf("job = %+v", job)
	}
	if h.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", h.calls.Load())
	}
}

type flakyRepo struct {
	repository.JobRepository
	failures atomic.Int32
}

func (f *flakyRepo) MarkSucceeded(ctx context.Context, fingerprint string, result entity.TranscriptResult, now time.Time) error {
	if f.failures.Add(-1) >= 0 {
		return common.Classified(common.ErrStoreUnavailable, errors.New("connection refused"))
	}
	return f.JobRepository.MarkSucceeded(ctx, fingerprint, result, now)
}

func TestOutcomeHeldWhileStoreUnavailable(t *testing.T) {
	base, audio := newRepo(t), newMemAudio()
	repo := &flakyRepo{JobRepository: base}
	repo.failures.Store(2)
	h := &fakeHandle{}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(), fastOpts()...)
	submit(t, base, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	job := waitTerminal(t, base, fp('a'))
	if job.State != constants.JobStateSucceeded {
		t.Fatalf("state = %s", job.State)
	}
	if h.calls.Load() != 1 {
		t.Errorf("inference repeated: calls = %d", h.calls.Load())
	}
}

func TestReaperResolvesExpiredLease(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	ctx := context.Background()
	submit(t, repo, audio, fp('a'), time.Now().Add(-2*time.Hour))
	if _, err := repo.MarkRunning(ctx, fp('a'), time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	submit(t, repo, audio, fp('b'), time.Now())
	if _, err := repo.MarkRunning(ctx, fp('b'), time.Now()); err != nil {
		t.Fatal(err)
	}

	s := New(repo, audio, nil, []model.Handle{&fakeHandle{}}, quiet(), WithLease(10*time.Minute, 0))
	s.recovered.Store(true)
	if n := s.reapOnce(ctx); n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	a, _ := repo.Get(ctx, fp('a'))
	if a.State != constants.JobStateQueued || a.NotBefore == nil {
		t.Errorf("a = %+v", a)
	}
	b, _ := repo.Get(ctx, fp('b'))
	if b.State != constants.JobStateRunning {
		t.Errorf("fresh lease reaped: b = %s", b.State)
	}
	if s.Stats().Waiting != 1 {
		t.Errorf("waiting_retry = %d, want 1", s.Stats().Waiting)
	}
	shutdown(t, s)
}

func TestBackoffIsCapped(t *testing.T) {
	s := New(nil, nil, nil, nil, quiet(), WithBackoff(time.Second, 5*time.Second))
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 40: 5 * time.Second}
	for attempts, want := range cases {
		if got := s.backoff(attempts); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestQueueRunsInSubmissionOrderAndRetriesGoLast(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{
		delay: 15 * time.Millisecond,
		fn: func(call int32) (entity.TranscriptResult, error) {
			if call == 1 {
				return entity.TranscriptResult{}, &model.ResourceExhausted{Reason: "busy"}
			}
			return entity.TranscriptResult{Text: "ok"}, nil
		},
	}
	s := New(repo, audio, nil, []model.Handle{h}, quiet(),
		WithBackoff(time.Millisecond, time.Millisecond), WithStoreRetry(5, time.Millisecond), WithLease(time.Hour, 0))

	// c and b share a timestamp: the fingerprint breaks the tie.
	base := time.Now().Add(-time.Minute)
	submit(t, repo, audio, fp('c'), base.Add(time.Second))
	submit(t, repo, audio, fp('a'), base)
	submit(t, repo, audio, fp('b'), base.Add(time.Second))
	if err := s.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer shutdown(t, s)

	for _, f := range []string{fp('a'), fp('b'), fp('c')} {
		if job := waitTerminal(t, repo, f); job.State != constants.JobStateSucceeded {
			t.Fatalf("%s state = %s", f[:1], job.State)
		}
	}
	if got := h.seen(); got != "abca" {
		t.Errorf("transcription order = %q, want %q", got, "abca")
	}
}

// resubmitOnFailure resubmits a job from inside the failure notification,
// the earliest point a client can see FAILED and send the audio again.
type resubmitOnFailure struct {
	recorder
	repo  repository.JobRepository
	sched *Scheduler
	once  sync.Once
}

func (r *resubmitOnFailure) Publish(o notify.Outcome) notify.Outcome {
	r.recorder.Publish(o)
	if o.State == constants.JobStateFailed {
		r.once.Do(func() {
			_, err := r.repo.Resubmit(context.Background(), entity.NewJob{
				Fingerprint: o.Fingerprint,
				ContentType: constants.MIMEWav,
				SubmittedAt: time.Now(),
			}, true)
			if err == nil {
				r.sched.Enqueue(o.Fingerprint)
			}
		})
	}
	return o
}

func TestResubmissionDuringFailureKeepsAudio(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	h := &fakeHandle{fn: func(call int32) (entity.TranscriptResult, error) {
		if call == 1 {
			return entity.TranscriptResult{}, &model.InferenceError{Reason: "decoder gave up"}
		}
		return entity.TranscriptResult{Text: "second time lucky"}, nil
	}}
	pub := &resubmitOnFailure{repo: repo}
	s := New(repo, audio, pub, []model.Handle{h}, quiet(), fastOpts()...)
	pub.sched = s

	submit(t, repo, audio, fp('a'), time.Now())
	s.Enqueue(fp('a'))
	s.Start()
	defer shutdown(t, s)

	deadline := time.Now().Add(5 * time.Second)
	var job *entity.Job
	for time.Now().Before(deadline) {
		job, _ = repo.Get(context.Background(), fp('a'))
		if job != nil && job.State == constants.JobStateSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job == nil || job.State != constants.JobStateSucceeded {
		t.Fatalf("job = %+v, want SUCCEEDED after resubmission", job)
	}
	if h.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", h.calls.Load())
	}
}

func TestFinishedAudioKeptWhileRowIsLive(t *testing.T) {
	repo, audio := newRepo(t), newMemAudio()
	s := New(repo, audio, nil, []model.Handle{&fakeHandle{}}, quiet(), fastOpts()...)
	submit(t, repo, audio, fp('a'), time.Now())

	// row still QUEUED in the store: nothing to drop
	s.dropAudio(fp('a'))
	if !audio.has(fp('a')) {
		t.Fatal("audio of a queued row removed")
	}

	ctx := context.Background()
	if err := repo.MarkFailed(ctx, fp('a'), constants.JobStateQueued,
		entity.JobError{Code: constants.ErrCodeCancelled, Message: "cancelled"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	s.dropAudio(fp('a'))
	if audio.has(fp('a')) {
		t.Error("audio of a failed row kept")
	}
	shutdown(t, s)
}
