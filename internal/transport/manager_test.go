package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/gorilla/websocket"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.TransportConfig {
	cfg := config.Default().Transport
	cfg.RetryDelayBase = 1
	cfg.RetryDelayMax = 10
	cfg.HeartbeatInterval = 50
	cfg.ConnectionTimeout = 5000
	return cfg
}

type wsServer struct {
	server *httptest.Server

	mu       sync.Mutex
	received []protocol.Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{}
	upgrader := websocket.Upgrader{}

	ws.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Greet with one transcription result.
		res := protocol.TranscriptionResult{
			SegmentID:  "greeting",
			Text:       "hello there",
			Confidence: 0.95,
			IsFinal:    false,
			Timestamp:  time.Now().UTC(),
			LatencyMS:  120,
		}
		payload, _ := json.Marshal(res)
		env, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeTranscriptionResult, Payload: payload})
		_ = conn.WriteMessage(websocket.TextMessage, env)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var envelope protocol.Envelope
			if err := json.Unmarshal(data, &envelope); err != nil {
				continue
			}
			ws.mu.Lock()
			ws.received = append(ws.received, envelope)
			ws.mu.Unlock()

			if envelope.Type == protocol.TypeHeartbeat {
				ack, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeHeartbeatAck})
				_ = conn.WriteMessage(websocket.TextMessage, ack)
			}
		}
	}))
	t.Cleanup(ws.server.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.server.URL, "http")
}

func (ws *wsServer) envelopesOfType(msgType string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for _, e := range ws.received {
		if e.Type == msgType {
			n++
		}
	}
	return n
}

func TestConnectDeliversResults(t *testing.T) {
	server := newWSServer(t)
	cfg := testConfig()
	cfg.WebSocketURL = server.url()

	m := NewManager(context.Background(), cfg, discard())
	t.Cleanup(m.Close)
	m.SetSession("s-1")
	m.Connect()

	if m.Health().Status != StatusConnected {
		t.Fatalf("expected connected, got %s", m.Health().Status)
	}

	select {
	case res := <-m.Results():
		if res.SegmentID != "greeting" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound result")
	}
}

func TestSendAudioOverWebSocket(t *testing.T) {
	server := newWSServer(t)
	cfg := testConfig()
	cfg.WebSocketURL = server.url()

	m := NewManager(context.Background(), cfg, discard())
	t.Cleanup(m.Close)
	m.Connect()

	chunk := protocol.AudioChunk{SessionID: "s-1", Sequence: 1, Timestamp: time.Now(), PCM: []byte{1, 2, 3}}
	if err := m.SendAudio(chunk); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.envelopesOfType(protocol.TypeAudioChunk) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never received the audio chunk")
}

func TestQueueWhileDisconnectedFlushedInOrder(t *testing.T) {
	server := newWSServer(t)
	cfg := testConfig()
	cfg.WebSocketURL = server.url()

	m := NewManager(context.Background(), cfg, discard())
	t.Cleanup(m.Close)

	// Not connected yet: sends must queue, not fail.
	for i := 1; i <= 3; i++ {
		if err := m.SendAudio(protocol.AudioChunk{Sequence: i}); err != nil {
			t.Fatalf("queued send errored: %v", err)
		}
	}
	if m.Health().Status != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", m.Health().Status)
	}

	m.Connect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.envelopesOfType(protocol.TypeAudioChunk) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.envelopesOfType(protocol.TypeAudioChunk); got != 3 {
		t.Fatalf("expected 3 flushed chunks, got %d", got)
	}

	// Verify original order.
	server.mu.Lock()
	defer server.mu.Unlock()
	want := 1
	for _, env := range server.received {
		if env.Type != protocol.TypeAudioChunk {
			continue
		}
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if chunk.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, chunk.Sequence)
		}
		want++
	}
}

func TestDegradedAfterRepeatedFailure(t *testing.T) {
	fallbackCalls := 0
	var fallbackMu sync.Mutex
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackMu.Lock()
		fallbackCalls++
		fallbackMu.Unlock()

		res := protocol.TranscriptionResult{SegmentID: "via-http", Text: "fallback", Confidence: 0.8}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []protocol.TranscriptionResult{res}})
	}))
	t.Cleanup(fallback.Close)

	cfg := testConfig()
	cfg.WebSocketURL = "ws://127.0.0.1:1/v1/stream" // unreachable
	cfg.FallbackURL = fallback.URL

	m := NewManager(context.Background(), cfg, discard())
	t.Cleanup(m.Close)
	m.Connect()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Health().Status == StatusDegraded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Health().Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", m.Health().Status)
	}

	// Sends now route over HTTP and fallback results reach the queue.
	if err := m.SendAudio(protocol.AudioChunk{Sequence: 9}); err != nil {
		t.Fatalf("fallback send: %v", err)
	}
	fallbackMu.Lock()
	calls := fallbackCalls
	fallbackMu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 fallback call, got %d", calls)
	}

	select {
	case res := <-m.Results():
		if res.SegmentID != "via-http" {
			t.Fatalf("unexpected fallback result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback result never delivered")
	}
}
