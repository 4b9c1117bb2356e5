package quality

import (
	"testing"

	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
)

func newGate() *Gate {
	return NewGate(config.Default().Session)
}

func TestAcceptsGoodResult(t *testing.T) {
	v := newGate().Validate(protocol.TranscriptionResult{
		Text:       "hello",
		Confidence: 0.9,
		LatencyMS:  200,
	})
	if !v.Accepted {
		t.Fatalf("expected accepted, got rejection %q", v.Reason)
	}
	if v.Score != 93 {
		t.Fatalf("expected score 93, got %d", v.Score)
	}
}

func TestRejectsLowConfidenceWithRetry(t *testing.T) {
	v := newGate().Validate(protocol.TranscriptionResult{
		Text:       "hi",
		Confidence: 0.3,
		LatencyMS:  200,
	})
	if v.Accepted {
		t.Fatal("expected rejection")
	}
	if v.Reason != ReasonLowConfidence {
		t.Fatalf("expected low confidence reason, got %q", v.Reason)
	}
	if !v.RetryNeeded {
		t.Fatal("expected retry for confidence below retry threshold")
	}
}

func TestRejectsBorderlineConfidenceWithoutRetry(t *testing.T) {
	v := newGate().Validate(protocol.TranscriptionResult{
		Text:       "maybe",
		Confidence: 0.6,
		LatencyMS:  200,
	})
	if v.Accepted {
		t.Fatal("expected rejection below min confidence")
	}
	if v.RetryNeeded {
		t.Fatal("confidence 0.6 should not trigger re-transcription")
	}
}

func TestRejectsEmptyText(t *testing.T) {
	v := newGate().Validate(protocol.TranscriptionResult{
		Text:       "   ",
		Confidence: 0.95,
		LatencyMS:  100,
	})
	if v.Accepted || v.Reason != ReasonEmptyText {
		t.Fatalf("expected empty text rejection, got %+v", v)
	}
}

func TestRejectsHighLatency(t *testing.T) {
	v := newGate().Validate(protocol.TranscriptionResult{
		Text:       "slow result",
		Confidence: 0.95,
		LatencyMS:  6000,
	})
	if v.Accepted || v.Reason != ReasonHighLatency {
		t.Fatalf("expected latency rejection, got %+v", v)
	}
}

func TestScoreClampsLatencyPenalty(t *testing.T) {
	// 10s latency would go negative without the floor.
	if got := Score(1.0, 100, 10000); got != 80 {
		t.Fatalf("expected 80 for floored latency term, got %d", got)
	}
}
