package reliability

import "time"

// Report is the final session summary, generated once at session end. It
// is the sole externally-consumed output of the pipeline besides the live
// transcript text.
type Report struct {
	SessionID string        `json:"session_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`

	AudioSegments   int     `json:"audio_segments"`
	MissingSegments int     `json:"missing_segments"`
	AudioIntegrity  float64 `json:"audio_integrity"`

	TranscriptSegments int     `json:"transcript_segments"`
	TotalWords         int     `json:"total_words"`
	AverageConfidence  float64 `json:"average_confidence"`
	Coverage           float64 `json:"coverage"`
	WordsPerMinute     float64 `json:"words_per_minute"`
	AverageLatencyMS   float64 `json:"average_latency_ms"`

	TotalGaps       int `json:"total_gaps"`
	ResolvedGaps    int `json:"resolved_gaps"`
	UnrecoveredGaps int `json:"unrecovered_gaps"`

	RetryAttempts     int `json:"retry_attempts"`
	ReconnectAttempts int `json:"reconnect_attempts"`

	SuccessRate float64 `json:"success_rate"`
	Scores      Scores  `json:"scores"`
}

// ReportInput gathers per-session figures the counters snapshot does not
// carry.
type ReportInput struct {
	SessionID   string
	StartedAt   time.Time
	EndedAt     time.Time
	TotalWords  int
	SumConf     float64
	SumLatency  int64
	ResultCount int
}

// BuildReport snapshots the counters into the final report.
func BuildReport(in ReportInput, c Counters) *Report {
	duration := in.EndedAt.Sub(in.StartedAt)

	r := &Report{
		SessionID:          in.SessionID,
		StartedAt:          in.StartedAt,
		EndedAt:            in.EndedAt,
		Duration:           duration,
		AudioSegments:      c.TotalSegments,
		MissingSegments:    c.MissingSegments,
		AudioIntegrity:     AudioIntegrity(c.TotalSegments, c.MissingSegments),
		TranscriptSegments: c.AcceptedResults,
		TotalWords:         in.TotalWords,
		TotalGaps:          c.TotalGaps,
		ResolvedGaps:       c.ResolvedGaps,
		UnrecoveredGaps:    c.ResolvedGaps - c.RecoveredGaps + c.UnresolvedGaps,
		RetryAttempts:      c.RetryAttempts,
		ReconnectAttempts:  c.ReconnectAttempts,
		Scores:             Compute(c),
	}

	if in.ResultCount > 0 {
		r.AverageConfidence = in.SumConf / float64(in.ResultCount)
		r.AverageLatencyMS = float64(in.SumLatency) / float64(in.ResultCount)
	}
	attempts := c.AcceptedResults + c.FailedResults
	if attempts > 0 {
		r.Coverage = float64(c.AcceptedResults) / float64(attempts) * 100
		r.SuccessRate = r.Coverage
	} else {
		r.Coverage = 100
		r.SuccessRate = 100
	}
	if minutes := duration.Minutes(); minutes > 0 {
		r.WordsPerMinute = float64(in.TotalWords) / minutes
	}
	return r
}
