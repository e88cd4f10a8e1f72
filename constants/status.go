package constants

// JobState is the canonical state for rows in transcription_jobs.
type JobState string

// Stable values (store these exact strings in DB).
const (
	JobStateQueued    JobState = "QUEUED"    // waiting for a model slot
	JobStateRunning   JobState = "RUNNING"   // inference in progress
	JobStateSucceeded JobState = "SUCCEEDED" // terminal, result set
	JobStateFailed    JobState = "FAILED"    // terminal, error set
)

// JobStates lists every valid state.
var JobStates = []JobState{JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed}

// Terminal reports whether no further transition is expected without a resubmission.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	for _, v := range JobStates {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition enforces the job state machine edges.
// FAILED -> QUEUED is only reachable through a resubmission of the same audio.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateQueued:
		return to == JobStateRunning || to == JobStateFailed
	case JobStateRunning:
		return to == JobStateSucceeded || to == JobStateFailed || to == JobStateQueued
	case JobStateFailed:
		return to == JobStateQueued
	default:
		return false
	}
}

// JobErrorCode classifies the terminal error stored on a FAILED job.
type JobErrorCode string

const (
	ErrCodeTransientInference JobErrorCode = "TRANSIENT_INFERENCE_ERROR"
	ErrCodePermanentInference JobErrorCode = "PERMANENT_INFERENCE_ERROR"
	ErrCodeCancelled          JobErrorCode = "CANCELLED"
	ErrCodeOrphaned           JobErrorCode = "ORPHANED"
)
