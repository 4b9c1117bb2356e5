// Package recsim is a stand-in recognizer endpoint for local development.
// It speaks the same WebSocket and HTTP fallback protocol as a real
// streaming recognizer and answers every audio chunk with a synthetic
// transcription result.
package recsim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tune the synthetic results the simulator emits.
type Options struct {
	// Confidence stamped on every result.
	Confidence float64
	// LatencyMS stamped on every result.
	LatencyMS int64
	// FinalEvery emits a final result every Nth chunk; the rest are
	// interim. Zero means every result is final.
	FinalEvery int
}

func DefaultOptions() Options {
	return Options{Confidence: 0.92, LatencyMS: 120, FinalEvery: 4}
}

// Server implements the recognizer side of the streaming protocol.
type Server struct {
	opts Options
	log  *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	chunks int
}

func NewServer(opts Options, log *slog.Logger) *Server {
	return &Server{
		opts: opts,
		log:  log.With(slog.String("component", "recsim")),
	}
}

// Handler serves both the WebSocket stream and the HTTP fallback on the
// same path, switching on the upgrade header.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.serveStream(w, r)
			return
		}
		s.serveFallback(w, r)
	})
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	s.log.Info("stream opened", slog.String("remote", r.RemoteAddr))

	var writeMu sync.Mutex
	send := func(env protocol.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Warn("stream write failed", slog.String("error", err.Error()))
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("stream closed", slog.String("remote", r.RemoteAddr))
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		for _, out := range s.respond(env) {
			send(out)
		}
	}
}

func (s *Server) serveFallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var results []protocol.TranscriptionResult
	for _, out := range s.respond(env) {
		if out.Type != protocol.TypeTranscriptionResult {
			continue
		}
		var res protocol.TranscriptionResult
		if err := json.Unmarshal(out.Payload, &res); err == nil {
			results = append(results, res)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}

// respond maps one inbound envelope to the envelopes the simulator sends
// back.
func (s *Server) respond(env protocol.Envelope) []protocol.Envelope {
	switch env.Type {
	case protocol.TypeHeartbeat:
		return []protocol.Envelope{{Type: protocol.TypeHeartbeatAck}}

	case protocol.TypeAudioChunk:
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			return nil
		}
		return []protocol.Envelope{s.resultFor(chunk)}

	case protocol.TypeRetranscribeRequest:
		var req protocol.RetranscribeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil
		}
		res := protocol.TranscriptionResult{
			SessionID:  req.SessionID,
			SegmentID:  uuid.NewString(),
			Text:       fmt.Sprintf("[retranscribed %s span]", req.Reason),
			Confidence: s.opts.Confidence,
			IsFinal:    true,
			Timestamp:  time.Now().UTC(),
			LatencyMS:  s.opts.LatencyMS,
		}
		payload, _ := json.Marshal(res)
		return []protocol.Envelope{{Type: protocol.TypeTranscriptionResult, Payload: payload}}

	case protocol.TypeRetransmitRequest:
		// Nothing to resend in a simulator; acknowledged by silence.
		return nil
	}
	return nil
}

func (s *Server) resultFor(chunk protocol.AudioChunk) protocol.Envelope {
	s.mu.Lock()
	s.chunks++
	n := s.chunks
	s.mu.Unlock()

	final := s.opts.FinalEvery == 0 || n%s.opts.FinalEvery == 0
	mode := "partial"
	if final {
		mode = "final"
	}

	res := protocol.TranscriptionResult{
		SessionID:  chunk.SessionID,
		SegmentID:  uuid.NewString(),
		Text:       fmt.Sprintf("[%s transcript seq=%d length=%d]", mode, chunk.Sequence, len(chunk.PCM)),
		Confidence: s.opts.Confidence,
		IsFinal:    final,
		Timestamp:  time.Now().UTC(),
		LatencyMS:  s.opts.LatencyMS,
	}
	payload, _ := json.Marshal(res)
	return protocol.Envelope{Type: protocol.TypeTranscriptionResult, Payload: payload}
}
