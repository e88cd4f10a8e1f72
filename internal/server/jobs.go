package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/ingest"
)

const (
	headerClientRef   = "X-Client-Reference"
	headerCallbackURL = "X-Callback-URL"
)

type submitResponse struct {
	Fingerprint  string             `json:"fingerprint"`
	State        constants.JobState `json:"state"`
	Deduplicated bool               `json:"dedup"`
	Job          *entity.Job        `json:"job,omitempty"`
}

func (h *HTTP) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.MaxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxBody)
	}

	audio, contentType, closeFn, err := audioPart(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer closeFn()

	res, err := h.deps.Submitter.Submit(ctx, ingest.Submission{
		Audio:       audio,
		ContentType: contentType,
		ClientRef:   strings.TrimSpace(r.Header.Get(headerClientRef)),
		CallbackURL: strings.TrimSpace(r.Header.Get(headerCallbackURL)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if res.Deduplicated && res.State.Terminal() {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/jobs/"+res.Fingerprint)
	writeJSON(w, status, submitResponse{
		Fingerprint:  res.Fingerprint,
		State:        res.State,
		Deduplicated: res.Deduplicated,
		Job:          res.Job,
	})
}

// audioPart returns the upload stream: the "audio" field of a multipart form,
// or the raw body otherwise.
func audioPart(r *http.Request) (io.Reader, string, func(), error) {
	ct := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)
	if mediaType != "multipart/form-data" {
		return r.Body, ct, func() {}, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", nil, common.InvalidInput(ingest.CodeInvalidMetadata, "malformed multipart body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", nil, common.InvalidInput(ingest.CodeAudioEmpty, "multipart body has no %q field", "audio")
		}
		if err != nil {
			return nil, "", nil, common.InvalidInput(ingest.CodeInvalidMetadata, "malformed multipart body: %v", err)
		}
		if part.FormName() == "audio" {
			return part, part.Header.Get("Content-Type"), func() { _ = part.Close() }, nil
		}
		_ = part.Close()
	}
}

func (h *HTTP) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fp := chi.URLParam(r, "fingerprint")
	if err := validateFingerprint(fp); err != nil {
		h.writeError(w, r, err)
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"), h.deps.MaxWait)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.deps.Jobs.Get(ctx, fp)
	if err != nil || wait == 0 || job.State.Terminal() {
		h.writeJob(w, r, job, err)
		return
	}

	// subscribe, then re-read so a transition between the two reads is not missed
	ch, cancel := h.deps.Outcomes.Subscribe(fp)
	defer cancel()
	if job, err = h.deps.Jobs.Get(ctx, fp); err != nil || job.State.Terminal() {
		h.writeJob(w, r, job, err)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return
	}
	job, err = h.deps.Jobs.Get(ctx, fp)
	h.writeJob(w, r, job, err)
}

func (h *HTTP) writeJob(w http.ResponseWriter, r *http.Request, job *entity.Job, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *HTTP) handleCancel(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := validateFingerprint(fp); err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.deps.Canceller.Cancel(r.Context(), fp)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if job.State == constants.JobStateRunning {
		status = http.StatusAccepted
	}
	writeJSON(w, status, job)
}

func (h *HTTP) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v := common.NewValidator()
	filter := entity.JobFilter{State: constants.JobState(strings.ToUpper(q.Get("state")))}
	if filter.State != "" && !filter.State.Valid() {
		v.Field("state", q.Get("state"), func(name string, value interface{}) *common.ValidationError {
			return &common.ValidationError{Field: name, Value: value, Message: "unknown state"}
		})
	}
	var err error
	if filter.From, err = parseDate(q.Get("from"), false); err != nil {
		v.Field("from", q.Get("from"), dateRule(err))
	}
	if filter.To, err = parseDate(q.Get("to"), true); err != nil {
		v.Field("to", q.Get("to"), dateRule(err))
	}
	if err := v.Err("INVALID_QUERY"); err != nil {
		h.writeError(w, r, err)
		return
	}

	xlsx, err := h.deps.Exporter.ExportJobsXLSX(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xlsx)
}

func (h *HTTP) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, r, common.InvalidInput("INVALID_QUERY", "after must be a non-negative integer"))
			return
		}
		after = n
	}
	events := h.deps.Outcomes.Since(after)
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "healthy", "service": "calls-transcriber"}
	status := http.StatusOK
	if h.deps.Readiness != nil {
		st := h.deps.Readiness.Stats()
		body["scheduler"] = st
		if !st.Ready {
			body["status"] = "starting"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func validateFingerprint(fp string) error {
	return common.NewValidator().Field("fingerprint", fp, common.Fingerprint).Err("INVALID_FINGERPRINT")
}

// parseWait reads a duration like "30s" or plain seconds, capped at max.
func parseWait(s string, max time.Duration) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		n, nerr := strconv.Atoi(s)
		if nerr != nil {
			return 0, common.InvalidInput("INVALID_QUERY", "wait must be a duration such as 30s")
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		return 0, common.InvalidInput("INVALID_QUERY", "wait must not be negative")
	}
	if d > max {
		d = max
	}
	return d, nil
}

// parseDate accepts YYYY-MM-DD or RFC3339. A date-only upper bound becomes the
// following midnight, since the filter's upper bound is exclusive.
func parseDate(s string, upper bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("must be YYYY-MM-DD or RFC3339")
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func dateRule(err error) common.ValidationRule {
	return func(name string, value interface{}) *common.ValidationError {
		return &common.ValidationError{Field: name, Value: value, Message: err.Error()}
	}
}
