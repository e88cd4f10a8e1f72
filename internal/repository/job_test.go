package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/db/migrations"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

func newTestRepo(t *testing.T) (JobRepository, *DB) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dsn := filepath.Join(t.TempDir(), "jobs.db")
	db, err := Open(ctx, Config{Driver: "sqlite", DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close(logger) })

	scripts, err := migrations.UpScripts("sqlite")
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	for _, s := range scripts {
		if _, err := db.SQL.ExecContext(ctx, s); err != nil {
			t.Fatalf("apply migration: %v", err)
		}
	}
	return NewJobRepository(db, logger), db
}

func fp(c byte) string {
	return strings.Repeat(string(c), 64)
}

func newJob(fingerprint string, at time.Time) entity.NewJob {
	return entity.NewJob{
		Fingerprint: fingerprint,
		ContentType: constants.MIMEWav,
		ClientRef:   "call-42",
		DurationMS:  1500,
		AudioBytes:  48044,
		SubmittedAt: at,
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job, created, err := repo.Create(ctx, newJob(fp('a'), now))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created {
		t.Fatal("first Create() reported existing row")
	}
	if job.State != constants.JobStateQueued || job.Attempts != 0 {
		t.Fatalf("new job = %+v", job)
	}
	if !job.SubmittedAt.Equal(now) {
		t.Errorf("SubmittedAt = %v, want %v", job.SubmittedAt, now)
	}

	again, created, err := repo.Create(ctx, newJob(fp('a'), now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if created {
		t.Fatal("second Create() inserted a duplicate")
	}
	if !again.SubmittedAt.Equal(now) {
		t.Errorf("duplicate submission changed submitted_at to %v", again.SubmittedAt)
	}
}

func TestGetMissing(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Get(context.Background(), fp('z'))
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLifecycleSuccess(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := repo.Create(ctx, newJob(fp('b'), now)); err != nil {
		t.Fatal(err)
	}
	running, err := repo.MarkRunning(ctx, fp('b'), now)
	if err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if running.State != constants.JobStateRunning || running.Attempts != 1 || running.StartedAt == nil {
		t.Fatalf("running job = %+v", running)
	}

	res := entity.TranscriptResult{
		Text:         "hello world",
		Segments:     []entity.Segment{{StartMS: 0, EndMS: 900, Text: "hello world"}},
		Language:     "en",
		ModelVersion: "large-v3",
		DurationMS:   1500,
	}
	if err := repo.MarkSucceeded(ctx, fp('b'), res, now); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	got, err := repo.Get(ctx, fp('b'))
	if err != nil {
		t.Fatal(err)
	}
	if got.State != constants.JobStateSucceeded || got.Result == nil || got.Error != nil {
		t.Fatalf("succeeded job = %+v", got)
	}
	if got.Result.Text != "hello world" || len(got.Result.Segments) != 1 || got.ModelVersion != "large-v3" {
		t.Errorf("result = %+v", got.Result)
	}

	// A second success must not overwrite the stored result.
	res.Text = "overwritten"
	if err := repo.MarkSucceeded(ctx, fp('b'), res, now); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("second MarkSucceeded() error = %v, want ErrConflict", err)
	}
	got, _ = repo.Get(ctx, fp('b'))
	if got.Result.Text != "hello world" {
		t.Errorf("result was overwritten: %q", got.Result.Text)
	}
}

func TestMarkRunningRequiresQueued(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := repo.MarkRunning(ctx, fp('c'), now); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("MarkRunning(missing) error = %v, want ErrNotFound", err)
	}
	if _, _, err := repo.Create(ctx, newJob(fp('c'), now)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkRunning(ctx, fp('c'), now); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkRunning(ctx, fp('c'), now); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("MarkRunning(running) error = %v, want ErrConflict", err)
	}
}

func TestRetryThenFail(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, _, err := repo.Create(ctx, newJob(fp('d'), now)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkRunning(ctx, fp('d'), now); err != nil {
		t.Fatal(err)
	}
	notBefore := now.Add(4 * time.Second)
	if err := repo.MarkRetry(ctx, fp('d'), notBefore); err != nil {
		t.Fatalf("MarkRetry() error = %v", err)
	}
	got, _ := repo.Get(ctx, fp('d'))
	if got.State != constants.JobStateQueued || got.NotBefore == nil || !got.NotBefore.Equal(notBefore) {
		t.Fatalf("retried job = %+v", got)
	}

	running, err := repo.MarkRunning(ctx, fp('d'), now)
	if err != nil {
		t.Fatal(err)
	}
	if running.Attempts != 2 || running.NotBefore != nil {
		t.Fatalf("second run = %+v", running)
	}

	jobErr := entity.JobError{Code: constants.ErrCodePermanentInference, Message: "bad audio", Attempts: 2}
	if err := repo.MarkFailed(ctx, fp('d'), constants.JobStateRunning, jobErr, now); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got, _ = repo.Get(ctx, fp('d'))
	if got.State != constants.JobStateFailed || got.Error == nil || got.Result != nil {
		t.Fatalf("failed job = %+v", got)
	}
	if got.Error.Code != constants.ErrCodePermanentInference || got.Error.Attempts != 2 {
		t.Errorf("error = %+v", got.Error)
	}
}

func TestMarkFailedRejectsTerminalSource(t *testing.T) {
	repo, _ := newTestRepo(t)
	err := repo.MarkFailed(context.Background(), fp('e'), constants.JobStateSucceeded,
		entity.JobError{Code: constants.ErrCodeCancelled}, time.Now())
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("MarkFailed(from SUCCEEDED) error = %v, want ErrConflict", err)
	}
}

func TestResubmitFailed(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if _, _, err := repo.Create(ctx, newJob(fp('f'), t0)); err != nil {
		t.Fatal(err)
	}
	// Resubmitting a QUEUED job is a conflict.
	if _, err := repo.Resubmit(ctx, newJob(fp('f'), t0), true); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("Resubmit(queued) error = %v, want ErrConflict", err)
	}
	if err := repo.MarkFailed(ctx, fp('f'), constants.JobStateQueued,
		entity.JobError{Code: constants.ErrCodeCancelled, Message: "cancelled"}, t0); err != nil {
		t.Fatal(err)
	}

	t1 := t0.Add(time.Hour)
	nj := newJob(fp('f'), t1)
	nj.ClientRef = "call-43"
	job, err := repo.Resubmit(ctx, nj, true)
	if err != nil {
		t.Fatalf("Resubmit() error = %v", err)
	}
	if job.State != constants.JobStateQueued || job.Error != nil || job.FinishedAt != nil {
		t.Fatalf("resubmitted job = %+v", job)
	}
	if !job.SubmittedAt.Equal(t1) || job.ClientRef != "call-43" || job.Attempts != 0 {
		t.Errorf("resubmitted metadata = %+v", job)
	}
}

func TestResubmitKeepsAttempts(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	if _, _, err := repo.Create(ctx, newJob(fp('g'), now)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkRunning(ctx, fp('g'), now); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkFailed(ctx, fp('g'), constants.JobStateRunning,
		entity.JobError{Code: constants.ErrCodeTransientInference}, now); err != nil {
		t.Fatal(err)
	}
	job, err := repo.Resubmit(ctx, newJob(fp('g'), now), false)
	if err != nil {
		t.Fatal(err)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", job.Attempts)
	}
}

func TestRequestCancel(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	if _, _, err := repo.Create(ctx, newJob(fp('h'), now)); err != nil {
		t.Fatal(err)
	}
	if err := repo.RequestCancel(ctx, fp('h')); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("RequestCancel(queued) error = %v, want ErrConflict", err)
	}
	if _, err := repo.MarkRunning(ctx, fp('h'), now); err != nil {
		t.Fatal(err)
	}
	if err := repo.RequestCancel(ctx, fp('h')); err != nil {
		t.Fatalf("RequestCancel(running) error = %v", err)
	}
	got, _ := repo.Get(ctx, fp('h'))
	if !got.CancelRequested {
		t.Error("cancel_requested not set")
	}
}

func TestListingsAndCounts(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	// Same submitted_at for 'k' and 'j' so the fingerprint tiebreak decides.
	for _, c := range []struct {
		fp string
		at time.Time
	}{
		{fp('k'), base},
		{fp('j'), base},
		{fp('i'), base.Add(-time.Second)},
		{fp('l'), base.Add(time.Second)},
	} {
		if _, _, err := repo.Create(ctx, newJob(c.fp, c.at)); err != nil {
			t.Fatal(err)
		}
	}

	queued, err := repo.ListByState(ctx, constants.JobStateQueued)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{fp('i'), fp('j'), fp('k'), fp('l')}
	if len(queued) != len(want) {
		t.Fatalf("ListByState() returned %d jobs, want %d", len(queued), len(want))
	}
	for i, j := range queued {
		if j.Fingerprint != want[i] {
			t.Errorf("queued[%d] = %s, want %s", i, j.Fingerprint[:1], want[i][:1])
		}
	}

	if _, err := repo.MarkRunning(ctx, fp('i'), base.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkRunning(ctx, fp('j'), base); err != nil {
		t.Fatal(err)
	}
	stale, err := repo.ListRunningStartedBefore(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].Fingerprint != fp('i') {
		t.Fatalf("ListRunningStartedBefore() = %v", stale)
	}

	counts, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[constants.JobStateQueued] != 2 || counts[constants.JobStateRunning] != 2 {
		t.Errorf("CountByState() = %v", counts)
	}

	from := base
	limited, err := repo.List(ctx, entity.JobFilter{From: &from, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Fingerprint != fp('j') || limited[1].Fingerprint != fp('k') {
		t.Errorf("List(from, limit) = %d jobs", len(limited))
	}

	running, err := repo.List(ctx, entity.JobFilter{State: constants.JobStateRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 2 {
		t.Errorf("List(RUNNING) = %d jobs, want 2", len(running))
	}
}

func TestListUpperBoundIsExclusive(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	midnight := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, c := range []struct {
		fp string
		at time.Time
	}{
		{fp('a'), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)},
		{fp('b'), midnight.Add(-time.Millisecond)},
		{fp('c'), midnight},
	} {
		if _, _, err := repo.Create(ctx, newJob(c.fp, c.at)); err != nil {
			t.Fatal(err)
		}
	}

	from := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	got, err := repo.List(ctx, entity.JobFilter{From: &from, To: &midnight})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Fingerprint != fp('a') || got[1].Fingerprint != fp('b') {
		t.Errorf("List(31 Jan) returned %d jobs, want the first two", len(got))
	}
}

func TestStoreErrorsAreClassified(t *testing.T) {
	repo, db := newTestRepo(t)
	_ = db.SQL.Close()
	_, err := repo.Get(context.Background(), fp('a'))
	if !errors.Is(err, common.ErrStoreUnavailable) {
		t.Fatalf("Get() on closed db error = %v, want ErrStoreUnavailable", err)
	}
}
