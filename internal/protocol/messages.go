package protocol

import (
	"encoding/json"
	"time"
)

// AudioChunk carries one captured audio segment to the recognizer.
type AudioChunk struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  uint32    `json:"checksum"`
	PCM       []byte    `json:"pcm"`
}

// TranscriptionResult is one recognizer result, interim or final.
type TranscriptionResult struct {
	SessionID  string    `json:"session_id"`
	SegmentID  string    `json:"segment_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
	LatencyMS  int64     `json:"latency_ms"`
}

// Heartbeat is exchanged on the recognizer link while connected.
type Heartbeat struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RetransmitRequest asks the recognizer side to resend audio segment acks
// for the listed sequence numbers.
type RetransmitRequest struct {
	SessionID string    `json:"session_id"`
	Sequences []int     `json:"sequences"`
	Timestamp time.Time `json:"timestamp"`
}

// RetranscribeRequest asks the recognizer to re-run recognition over an
// already buffered span.
type RetranscribeRequest struct {
	SessionID string    `json:"session_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope frames every message on the recognizer link.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	TypeAudioChunk          = "audio_chunk"
	TypeTranscriptionResult = "transcription_result"
	TypeHeartbeat           = "heartbeat"
	TypeHeartbeatAck        = "heartbeat_ack"
	TypeRetransmitRequest   = "request_segment_retransmission"
	TypeRetranscribeRequest = "request_retranscription"
)

// SessionEvent is broadcast on the bus for UI subscribers.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthEvent carries the periodic reliability snapshot.
type HealthEvent struct {
	SessionID             string    `json:"session_id"`
	ConnectionStatus      string    `json:"connection_status"`
	SessionStability      float64   `json:"session_stability"`
	AudioIntegrity        float64   `json:"audio_integrity"`
	TranscriptionCoverage float64   `json:"transcription_coverage"`
	ConnectionReliability float64   `json:"connection_reliability"`
	ErrorRecoveryRate     float64   `json:"error_recovery_rate"`
	UnresolvedGaps        int       `json:"unresolved_gaps"`
	Timestamp             time.Time `json:"timestamp"`
}

// TranscriptEvent is broadcast whenever the cumulative transcript grows.
type TranscriptEvent struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionStarted    = "session.lifecycle.started"
	SubjectSessionEnded      = "session.lifecycle.ended"
	SubjectSessionHealth     = "session.health"
	SubjectTranscriptUpdated = "session.transcript.updated"
)
