package entity

// TranscriptResult is the immutable output of one successful inference.
type TranscriptResult struct {
	Text         string    `json:"text"`
	Segments     []Segment `json:"segments"`
	Language     string    `json:"language,omitempty"`
	ModelVersion string    `json:"model_version"`
	DurationMS   int64     `json:"duration_ms"`
}

// Segment is a time-aligned portion of a transcript.
type Segment struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}
