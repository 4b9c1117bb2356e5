package gaps

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAudio         Type = "audio"
	TypeTranscription Type = "transcription"
	TypeTemporal      Type = "temporal"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityCritical Severity = "critical"
	// SeverityActive marks an ongoing discontinuity not yet bounded at
	// the end.
	SeverityActive Severity = "active"
)

// Gap is a detected discontinuity in the audio or transcript timeline.
// Gaps are never deleted, only marked resolved, so the final report keeps
// a full audit trail.
type Gap struct {
	ID            string
	Type          Type
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	Severity      Severity
	Sequences     []int
	Resolved      bool
	Recovered     bool
	RetryAttempts int
	DetectedAt    time.Time
}

func newGap(t Type, start, end time.Time, severity Severity, now time.Time) *Gap {
	return &Gap{
		ID:         uuid.NewString(),
		Type:       t,
		Start:      start,
		End:        end,
		Duration:   end.Sub(start),
		Severity:   severity,
		DetectedAt: now,
	}
}
