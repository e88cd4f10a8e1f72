package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

const jobsTable = "transcription_jobs"

var jobColumns = []string{
	"fingerprint", "state", "attempts", "submitted_at", "started_at", "finished_at",
	"not_before", "cancel_requested", "content_type", "client_ref", "callback_url",
	"duration_ms", "audio_bytes", "model_version", "result", "error",
}

// JobRepository is the durable source of truth for transcription jobs.
// Every state change is a conditional update keyed on the expected prior state;
// a lost race surfaces as common.ErrConflict.
type JobRepository interface {
	Get(ctx context.Context, fingerprint string) (*entity.Job, error)
	// Create inserts a QUEUED job. created is false when a row already existed.
	Create(ctx context.Context, nj entity.NewJob) (job *entity.Job, created bool, err error)
	// Resubmit moves a FAILED job back to QUEUED for a new submission of the same audio.
	Resubmit(ctx context.Context, nj entity.NewJob, resetAttempts bool) (*entity.Job, error)
	// MarkRunning moves QUEUED -> RUNNING, increments attempts and stamps started_at.
	MarkRunning(ctx context.Context, fingerprint string, now time.Time) (*entity.Job, error)
	MarkSucceeded(ctx context.Context, fingerprint string, result entity.TranscriptResult, now time.Time) error
	MarkFailed(ctx context.Context, fingerprint string, from constants.JobState, jobErr entity.JobError, now time.Time) error
	// MarkRetry moves RUNNING -> QUEUED, eligible again at notBefore.
	MarkRetry(ctx context.Context, fingerprint string, notBefore time.Time) error
	// RequestCancel flags a RUNNING job; the flag is honored if the job would otherwise retry.
	RequestCancel(ctx context.Context, fingerprint string) error
	ListByState(ctx context.Context, state constants.JobState) ([]*entity.Job, error)
	ListRunningStartedBefore(ctx context.Context, before time.Time) ([]*entity.Job, error)
	List(ctx context.Context, filter entity.JobFilter) ([]*entity.Job, error)
	CountByState(ctx context.Context) (map[constants.JobState]int, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

func (r *jobRepo) sqlb() *entsql.DialectBuilder {
	return entsql.Dialect(r.db.Dialect)
}

func (r *jobRepo) selectJobs() *entsql.Selector {
	b := r.sqlb()
	return b.Select(jobColumns...).From(b.Table(jobsTable))
}

func (r *jobRepo) Get(ctx context.Context, fingerprint string) (*entity.Job, error) {
	query, args := r.selectJobs().Where(entsql.EQ("fingerprint", fingerprint)).Query()
	jobs, err := r.query(ctx, query, args)
	if err != nil {
		r.log.Error("transcription_job get failed", "fingerprint", fingerprint, "err", err)
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, common.NewAppError("JOB_NOT_FOUND", fingerprint, common.ErrNotFound)
	}
	return jobs[0], nil
}

func (r *jobRepo) Create(ctx context.Context, nj entity.NewJob) (*entity.Job, bool, error) {
	query, args := r.sqlb().Insert(jobsTable).
		Columns("fingerprint", "state", "attempts", "submitted_at", "cancel_requested",
			"content_type", "client_ref", "callback_url", "duration_ms", "audio_bytes").
		Values(nj.Fingerprint, string(constants.JobStateQueued), 0, toMillis(nj.SubmittedAt), false,
			nj.ContentType, nj.ClientRef, nj.CallbackURL, nj.DurationMS, nj.AudioBytes).
		OnConflict(entsql.ConflictColumns("fingerprint"), entsql.DoNothing()).
		Query()
	n, err := r.exec(ctx, query, args)
	if err != nil {
		r.log.Error("transcription_job create failed", "fingerprint", nj.Fingerprint, "err", err)
		return nil, false, err
	}
	job, err := r.Get(ctx, nj.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		r.log.Debug("transcription_job already exists", "fingerprint", nj.Fingerprint, "state", job.State)
		return job, false, nil
	}
	r.log.Info("transcription_job queued", "fingerprint", nj.Fingerprint, "duration_ms", nj.DurationMS)
	return job, true, nil
}

func (r *jobRepo) Resubmit(ctx context.Context, nj entity.NewJob, resetAttempts bool) (*entity.Job, error) {
	u := r.sqlb().Update(jobsTable).
		Set("state", string(constants.JobStateQueued)).
		Set("submitted_at", toMillis(nj.SubmittedAt)).
		Set("cancel_requested", false).
		Set("content_type", nj.ContentType).
		Set("client_ref", nj.ClientRef).
		Set("callback_url", nj.CallbackURL).
		Set("duration_ms", nj.DurationMS).
		Set("audio_bytes", nj.AudioBytes).
		SetNull("started_at").
		SetNull("finished_at").
		SetNull("not_before").
		SetNull("error")
	if resetAttempts {
		u.Set("attempts", 0)
	}
	query, args := u.Where(entsql.And(
		entsql.EQ("fingerprint", nj.Fingerprint),
		entsql.EQ("state", string(constants.JobStateFailed)),
	)).Query()
	if err := r.conditional(ctx, nj.Fingerprint, query, args); err != nil {
		return nil, err
	}
	r.log.Info("transcription_job resubmitted", "fingerprint", nj.Fingerprint, "reset_attempts", resetAttempts)
	return r.Get(ctx, nj.Fingerprint)
}

func (r *jobRepo) MarkRunning(ctx context.Context, fingerprint string, now time.Time) (*entity.Job, error) {
	query, args := r.sqlb().Update(jobsTable).
		Set("state", string(constants.JobStateRunning)).
		Add("attempts", 1).
		Set("started_at", toMillis(now)).
		SetNull("not_before").
		Where(entsql.And(
			entsql.EQ("fingerprint", fingerprint),
			entsql.EQ("state", string(constants.JobStateQueued)),
		)).Query()
	if err := r.conditional(ctx, fingerprint, query, args); err != nil {
		return nil, err
	}
	return r.Get(ctx, fingerprint)
}

func (r *jobRepo) MarkSucceeded(ctx context.Context, fingerprint string, result entity.TranscriptResult, now time.Time) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query, args := r.sqlb().Update(jobsTable).
		Set("state", string(constants.JobStateSucceeded)).
		Set("result", string(payload)).
		Set("model_version", result.ModelVersion).
		Set("finished_at", toMillis(now)).
		SetNull("error").
		Where(entsql.And(
			entsql.EQ("fingerprint", fingerprint),
			entsql.EQ("state", string(constants.JobStateRunning)),
			entsql.IsNull("result"),
		)).Query()
	if err := r.conditional(ctx, fingerprint, query, args); err != nil {
		return err
	}
	r.log.Info("transcription_job succeeded", "fingerprint", fingerprint, "segments", len(result.Segments))
	return nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, fingerprint string, from constants.JobState, jobErr entity.JobError, now time.Time) error {
	if !constants.CanTransition(from, constants.JobStateFailed) {
		return common.NewAppError("INVALID_TRANSITION", fmt.Sprintf("%s -> %s", from, constants.JobStateFailed), common.ErrConflict)
	}
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}
	query, args := r.sqlb().Update(jobsTable).
		Set("state", string(constants.JobStateFailed)).
		Set("error", string(payload)).
		Set("finished_at", toMillis(now)).
		SetNull("not_before").
		Where(entsql.And(
			entsql.EQ("fingerprint", fingerprint),
			entsql.EQ("state", string(from)),
		)).Query()
	if err := r.conditional(ctx, fingerprint, query, args); err != nil {
		return err
	}
	r.log.Warn("transcription_job failed", "fingerprint", fingerprint, "code", jobErr.Code, "error", jobErr.Message)
	return nil
}

func (r *jobRepo) MarkRetry(ctx context.Context, fingerprint string, notBefore time.Time) error {
	query, args := r.sqlb().Update(jobsTable).
		Set("state", string(constants.JobStateQueued)).
		Set("not_before", toMillis(notBefore)).
		Where(entsql.And(
			entsql.EQ("fingerprint", fingerprint),
			entsql.EQ("state", string(constants.JobStateRunning)),
		)).Query()
	if err := r.conditional(ctx, fingerprint, query, args); err != nil {
		return err
	}
	r.log.Info("transcription_job requeued", "fingerprint", fingerprint, "not_before", notBefore)
	return nil
}

func (r *jobRepo) RequestCancel(ctx context.Context, fingerprint string) error {
	query, args := r.sqlb().Update(jobsTable).
		Set("cancel_requested", true).
		Where(entsql.And(
			entsql.EQ("fingerprint", fingerprint),
			entsql.EQ("state", string(constants.JobStateRunning)),
		)).Query()
	return r.conditional(ctx, fingerprint, query, args)
}

func (r *jobRepo) ListByState(ctx context.Context, state constants.JobState) ([]*entity.Job, error) {
	query, args := r.selectJobs().
		Where(entsql.EQ("state", string(state))).
		OrderBy("submitted_at", "fingerprint").
		Query()
	return r.query(ctx, query, args)
}

func (r *jobRepo) ListRunningStartedBefore(ctx context.Context, before time.Time) ([]*entity.Job, error) {
	query, args := r.selectJobs().
		Where(entsql.And(
			entsql.EQ("state", string(constants.JobStateRunning)),
			entsql.LT("started_at", toMillis(before)),
		)).
		OrderBy("started_at", "fingerprint").
		Query()
	return r.query(ctx, query, args)
}

func (r *jobRepo) List(ctx context.Context, filter entity.JobFilter) ([]*entity.Job, error) {
	var preds []*entsql.Predicate
	if filter.State != "" {
		preds = append(preds, entsql.EQ("state", string(filter.State)))
	}
	if filter.From != nil {
		preds = append(preds, entsql.GTE("submitted_at", toMillis(*filter.From)))
	}
	if filter.To != nil {
		preds = append(preds, entsql.LT("submitted_at", toMillis(*filter.To)))
	}
	sel := r.selectJobs()
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy("submitted_at", "fingerprint")
	if filter.Limit > 0 {
		sel.Limit(filter.Limit)
	}
	query, args := sel.Query()
	return r.query(ctx, query, args)
}

func (r *jobRepo) CountByState(ctx context.Context) (map[constants.JobState]int, error) {
	b := r.sqlb()
	query, args := b.Select("state", entsql.Count("*")).
		From(b.Table(jobsTable)).
		GroupBy("state").
		Query()
	rows, err := r.db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	out := make(map[constants.JobState]int, len(constants.JobStates))
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storeErr(err)
		}
		out[constants.JobState(state)] = n
	}
	return out, storeErr(rows.Err())
}

// conditional runs an UPDATE guarded by an expected state and maps "no rows" to NotFound/Conflict.
func (r *jobRepo) conditional(ctx context.Context, fingerprint, query string, args []any) error {
	n, err := r.exec(ctx, query, args)
	if err != nil {
		r.log.Error("transcription_job update failed", "fingerprint", fingerprint, "err", err)
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := r.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	return common.NewAppError("STATE_CONFLICT",
		fmt.Sprintf("job %s is %s", fingerprint, current.State), common.ErrConflict)
}

func (r *jobRepo) exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := r.db.SQL.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (r *jobRepo) query(ctx context.Context, query string, args []any) ([]*entity.Job, error) {
	rows, err := r.db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, storeErr(rows.Err())
}

func scanJob(rows *sql.Rows) (*entity.Job, error) {
	var (
		j                            entity.Job
		state                        string
		submitted                    int64
		started, finished, notBefore sql.NullInt64
		resultJSON, errorJSON        sql.NullString
	)
	err := rows.Scan(&j.Fingerprint, &state, &j.Attempts, &submitted, &started, &finished,
		&notBefore, &j.CancelRequested, &j.ContentType, &j.ClientRef, &j.CallbackURL,
		&j.DurationMS, &j.AudioBytes, &j.ModelVersion, &resultJSON, &errorJSON)
	if err != nil {
		return nil, storeErr(err)
	}
	j.State = constants.JobState(state)
	j.SubmittedAt = fromMillis(submitted)
	j.StartedAt = nullableTime(started)
	j.FinishedAt = nullableTime(finished)
	j.NotBefore = nullableTime(notBefore)
	if resultJSON.Valid && resultJSON.String != "" {
		var res entity.TranscriptResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", j.Fingerprint, err)
		}
		j.Result = &res
	}
	if errorJSON.Valid && errorJSON.String != "" {
		var je entity.JobError
		if err := json.Unmarshal([]byte(errorJSON.String), &je); err != nil {
			return nil, fmt.Errorf("decode error for %s: %w", j.Fingerprint, err)
		}
		j.Error = &je
	}
	return &j, nil
}

// storeErr classifies driver failures as ErrStoreUnavailable: no durable write happened.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return common.NewAppError("JOB_NOT_FOUND", "no rows", common.ErrNotFound)
	}
	return common.Classified(common.ErrStoreUnavailable, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
