package reliability

import "math"

// Counters is the cross-component snapshot the five scores are derived
// from. All penalties are simple linear formulas, recomputed on every
// health-check tick.
type Counters struct {
	TotalSegments   int
	MissingSegments int

	AcceptedResults int
	FailedResults   int

	TotalGaps      int
	ResolvedGaps   int
	RecoveredGaps  int
	UnresolvedGaps int
	ActiveGaps     int

	RetryAttempts       int
	ReconnectAttempts   int
	ConsecutiveFailures int
}

// Scores are the five running reliability scores, each within [0, 100].
type Scores struct {
	SessionStability      float64 `json:"session_stability"`
	AudioIntegrity        float64 `json:"audio_integrity"`
	TranscriptionCoverage float64 `json:"transcription_coverage"`
	ConnectionReliability float64 `json:"connection_reliability"`
	ErrorRecoveryRate     float64 `json:"error_recovery_rate"`
}

// Compute derives the scores from the counter snapshot.
func Compute(c Counters) Scores {
	return Scores{
		SessionStability:      sessionStability(c),
		AudioIntegrity:        AudioIntegrity(c.TotalSegments, c.MissingSegments),
		TranscriptionCoverage: transcriptionCoverage(c),
		ConnectionReliability: connectionReliability(c),
		ErrorRecoveryRate:     errorRecoveryRate(c),
	}
}

// AudioIntegrity is 100 with no missing segments regardless of total
// count, otherwise the covered fraction of the sequence.
func AudioIntegrity(total, missing int) float64 {
	if missing <= 0 || total <= 0 {
		return 100
	}
	return clamp(float64(total-missing) / float64(total) * 100)
}

func transcriptionCoverage(c Counters) float64 {
	attempts := c.AcceptedResults + c.FailedResults
	if attempts == 0 {
		return 100
	}
	return clamp(float64(c.AcceptedResults) / float64(attempts) * 100)
}

func connectionReliability(c Counters) float64 {
	return clamp(100 -
		math.Min(float64(c.ConsecutiveFailures)*20, 80) -
		math.Min(float64(c.ReconnectAttempts)*5, 20))
}

func sessionStability(c Counters) float64 {
	return clamp(100 -
		math.Min(float64(c.UnresolvedGaps)*10, 50) -
		math.Min(float64(c.ActiveGaps)*15, 30) -
		math.Min(float64(c.ConsecutiveFailures)*5, 20))
}

func errorRecoveryRate(c Counters) float64 {
	if c.TotalGaps == 0 {
		return 100
	}
	return clamp(float64(c.RecoveredGaps) / float64(c.TotalGaps) * 100)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
