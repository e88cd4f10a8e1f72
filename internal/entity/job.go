package entity

import (
	"time"

	"github.com/joseph-ayodele/calls-transcriber/constants"
)

// Job represents a transcription job for data transfer between layers.
type Job struct {
	Fingerprint     string             `json:"fingerprint"`
	State           constants.JobState `json:"state"`
	Attempts        int                `json:"attempts"`
	SubmittedAt     time.Time          `json:"submitted_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	NotBefore       *time.Time         `json:"not_before,omitempty"`
	CancelRequested bool               `json:"cancel_requested"`
	ContentType     string             `json:"content_type"`
	ClientRef       string             `json:"client_ref,omitempty"`
	CallbackURL     string             `json:"callback_url,omitempty"`
	DurationMS      int64              `json:"duration_ms"`
	AudioBytes      int64              `json:"audio_bytes"`
	ModelVersion    string             `json:"model_version,omitempty"`
	Result          *TranscriptResult  `json:"result,omitempty"`
	Error           *JobError          `json:"error,omitempty"`
}

// JobError is the structured failure reason stored on a FAILED job.
type JobError struct {
	Code     constants.JobErrorCode `json:"code"`
	Message  string                 `json:"message"`
	Attempts int                    `json:"attempts"`
}

// NewJob carries what ingestion knows about a submission before it is persisted.
type NewJob struct {
	Fingerprint string
	ContentType string
	ClientRef   string
	CallbackURL string
	DurationMS  int64
	AudioBytes  int64
	SubmittedAt time.Time
}

// JobFilter narrows job listings; zero values mean "any".
type JobFilter struct {
	State constants.JobState
	From  *time.Time // inclusive
	To    *time.Time // exclusive
	Limit int
}
