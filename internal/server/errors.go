package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joseph-ayodele/calls-transcriber/internal/common"
	"github.com/joseph-ayodele/calls-transcriber/internal/ingest"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrInvalidInput):
		switch common.ErrorCode(err) {
		case ingest.CodeAudioTooLarge:
			return http.StatusRequestEntityTooLarge
		case ingest.CodeUnsupportedMedia:
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: http.StatusText(status), Code: common.ErrorCode(err), Message: err.Error()}
	log := common.LoggerFrom(r.Context(), h.logger)
	if status >= 500 {
		log.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
		// internals stay in the log
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
			body.Message = "store unavailable, retry later"
		}
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
