package constants

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateFailed, true},
		{JobStateQueued, JobStateSucceeded, false},
		{JobStateRunning, JobStateSucceeded, true},
		{JobStateRunning, JobStateFailed, true},
		{JobStateRunning, JobStateQueued, true},
		{JobStateSucceeded, JobStateQueued, false},
		{JobStateSucceeded, JobStateFailed, false},
		{JobStateFailed, JobStateQueued, true},
		{JobStateFailed, JobStateRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNormalizeMIME(t *testing.T) {
	tests := map[string]string{
		"audio/wav":                MIMEWav,
		"Audio/X-WAV":              MIMEWav,
		"audio/wave; codecs=1":     MIMEWav,
		" audio/mpeg ":             "audio/mpeg",
		"application/octet-stream": "application/octet-stream",
	}
	for in, want := range tests {
		if got := NormalizeMIME(in); got != want {
			t.Errorf("NormalizeMIME(%q) = %q, want %q", in, got, want)
		}
	}
}
