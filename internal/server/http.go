package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
	"github.com/joseph-ayodele/calls-transcriber/internal/ingest"
	"github.com/joseph-ayodele/calls-transcriber/internal/notify"
	"github.com/joseph-ayodele/calls-transcriber/internal/scheduler"
)

// JobReader reads single jobs and listings.
type JobReader interface {
	Get(ctx context.Context, fingerprint string) (*entity.Job, error)
}

// Canceller cancels jobs.
type Canceller interface {
	Cancel(ctx context.Context, fingerprint string) (*entity.Job, error)
}

// Outcomes is the notifier surface the HTTP layer uses.
type Outcomes interface {
	Subscribe(fingerprint string) (<-chan notify.Outcome, func())
	Since(seq int64) []notify.Outcome
}

// Exporter renders job listings as XLSX.
type Exporter interface {
	ExportJobsXLSX(ctx context.Context, filter entity.JobFilter) ([]byte, error)
}

// Readiness reports scheduler state for /health.
type Readiness interface {
	Stats() scheduler.Stats
}

// Deps wires the HTTP handlers to the core.
type Deps struct {
	Submitter ingest.Submitter
	Jobs      JobReader
	Canceller Canceller
	Outcomes  Outcomes
	Exporter  Exporter
	Readiness Readiness
	// MaxWait caps GET /jobs/{fingerprint}?wait=.
	MaxWait time.Duration
	// MaxBody bounds POST /jobs bodies.
	MaxBody int64
}

type HTTP struct {
	deps   Deps
	logger *slog.Logger
}

func NewHTTP(deps Deps, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MaxWait <= 0 {
		deps.MaxWait = 60 * time.Second
	}
	return &HTTP{deps: deps, logger: logger}
}

// Routes builds the router.
func (h *HTTP) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/events", h.handleEvents)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.handleSubmit)
		r.Get("/export.xlsx", h.handleExport)
		r.Get("/{fingerprint}", h.handleGet)
		r.Delete("/{fingerprint}", h.handleCancel)
	})
	return r
}

// accessLog logs one line per request with chi's request id.
func (h *HTTP) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())
		ctx := common.WithRequestID(r.Context(), reqID)

		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		h.logger.Log(r.Context(), level, "http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
		)
	})
}
