package quality

import (
	"math"
	"strings"

	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
)

// Rejection reasons reported in verdicts and logs.
const (
	ReasonEmptyText     = "empty_text"
	ReasonLowConfidence = "low_confidence"
	ReasonHighLatency   = "high_latency"
)

// Verdict is the outcome of validating one transcription result.
type Verdict struct {
	Accepted bool
	Reason   string
	Score    int
	// RetryNeeded is set when the result was rejected for confidence low
	// enough that a re-transcription request is worthwhile.
	RetryNeeded bool
}

// Gate validates incoming transcription results against the configured
// confidence, length and latency thresholds.
type Gate struct {
	minConfidence   float64
	retryConfidence float64
	maxLatencyMS    int64
}

func NewGate(cfg config.SessionConfig) *Gate {
	return &Gate{
		minConfidence:   cfg.MinConfidence,
		retryConfidence: cfg.RetryConfidence,
		maxLatencyMS:    int64(cfg.MaxLatency),
	}
}

// Validate accepts a result iff confidence, text length and latency all
// clear their thresholds. Every verdict carries the quality score for the
// session report, accepted or not.
func (g *Gate) Validate(res protocol.TranscriptionResult) Verdict {
	v := Verdict{Score: Score(res.Confidence, len(strings.TrimSpace(res.Text)), res.LatencyMS)}

	switch {
	case strings.TrimSpace(res.Text) == "":
		v.Reason = ReasonEmptyText
	case res.Confidence < g.minConfidence:
		v.Reason = ReasonLowConfidence
		v.RetryNeeded = res.Confidence < g.retryConfidence
	case res.LatencyMS >= g.maxLatencyMS:
		v.Reason = ReasonHighLatency
	default:
		v.Accepted = true
	}
	return v
}

// Score is the explainable linear quality score: 60% confidence, 20% a
// saturating text-length bonus, 20% a latency penalty. Triage, not a
// statistical model.
func Score(confidence float64, textLength int, latencyMS int64) int {
	conf := confidence * 60
	length := math.Min(float64(textLength)*20, 100) * 0.2
	latency := math.Max(0, 100-float64(latencyMS)/50) * 0.2
	return int(math.Round(conf + length + latency))
}
