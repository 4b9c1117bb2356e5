package recsim

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/fathomlabs/scribeflow/internal/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTransportAgainstSimulator(t *testing.T) {
	sim := NewServer(Options{Confidence: 0.9, LatencyMS: 100, FinalEvery: 0}, discard())
	server := httptest.NewServer(sim.Handler())
	t.Cleanup(server.Close)

	cfg := config.Default().Transport
	cfg.WebSocketURL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.FallbackURL = server.URL
	cfg.HeartbeatInterval = 50

	m := transport.NewManager(context.Background(), cfg, discard())
	t.Cleanup(m.Close)
	m.SetSession("sim-session")
	m.Connect()

	if m.Health().Status != transport.StatusConnected {
		t.Fatalf("expected connected, got %s", m.Health().Status)
	}

	chunk := protocol.AudioChunk{SessionID: "sim-session", Sequence: 7, Timestamp: time.Now(), PCM: []byte{1, 2, 3, 4}}
	if err := m.SendAudio(chunk); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	select {
	case res := <-m.Results():
		if !strings.Contains(res.Text, "seq=7") {
			t.Fatalf("unexpected result text %q", res.Text)
		}
		if !res.IsFinal {
			t.Fatal("expected final result with FinalEvery=0")
		}
		if res.SessionID != "sim-session" {
			t.Fatalf("unexpected session %q", res.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no synthetic result delivered")
	}
}

func TestFallbackReturnsResults(t *testing.T) {
	sim := NewServer(DefaultOptions(), discard())
	server := httptest.NewServer(sim.Handler())
	t.Cleanup(server.Close)

	chunk := protocol.AudioChunk{SessionID: "s", Sequence: 1, PCM: []byte{9}}
	payload, _ := json.Marshal(chunk)
	env, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeAudioChunk, Payload: payload})

	resp, err := http.Post(server.URL, "application/json", bytes.NewReader(env))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Results []protocol.TranscriptionResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(body.Results))
	}
	if !strings.Contains(body.Results[0].Text, "seq=1") {
		t.Fatalf("unexpected text %q", body.Results[0].Text)
	}
}

func TestHeartbeatAcked(t *testing.T) {
	sim := NewServer(DefaultOptions(), discard())

	out := sim.respond(protocol.Envelope{Type: protocol.TypeHeartbeat})
	if len(out) != 1 || out[0].Type != protocol.TypeHeartbeatAck {
		t.Fatalf("expected heartbeat ack, got %+v", out)
	}
}

func TestRetranscribeProducesFinalResult(t *testing.T) {
	sim := NewServer(DefaultOptions(), discard())

	req := protocol.RetranscribeRequest{SessionID: "s", Reason: "low_confidence"}
	payload, _ := json.Marshal(req)
	out := sim.respond(protocol.Envelope{Type: protocol.TypeRetranscribeRequest, Payload: payload})
	if len(out) != 1 || out[0].Type != protocol.TypeTranscriptionResult {
		t.Fatalf("expected one result, got %+v", out)
	}

	var res protocol.TranscriptionResult
	if err := json.Unmarshal(out[0].Payload, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.IsFinal || !strings.Contains(res.Text, "low_confidence") {
		t.Fatalf("unexpected result %+v", res)
	}
}
