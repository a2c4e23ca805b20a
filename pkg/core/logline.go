package core

import "time"

// LogLine is a single line appended to a logical log. It is immutable once
// appended; ordering is append order, Timestamp is informational.
type LogLine struct {
	Text        string    `json:"line"`
	Timestamp   time.Time `json:"timestamp"`
	SourceTag   string    `json:"source,omitempty"`
	SourceIndex *int      `json:"agentIndex,omitempty"`
	FeatureID   *int      `json:"featureId,omitempty"`
}

// NewLogLine stamps text with the current time.
func NewLogLine(source, text string) LogLine {
	return LogLine{
		Text:      text,
		Timestamp: time.Now(),
		SourceTag: source,
	}
}

// IntPtr returns a pointer to a copy of v.
func IntPtr(v int) *int {
	return &v
}
