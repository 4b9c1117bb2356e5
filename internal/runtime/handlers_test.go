package runtime

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
	"github.com/fathomlabs/scribeflow/internal/session"
)

// testServer builds the HTTP surface around a session manager whose
// recognizer endpoint is unreachable, so outbound sends queue instead of
// failing.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Session.GapScanInterval = 60_000
	cfg.Session.HealthInterval = 60_000
	cfg.Transport.WebSocketURL = "ws://127.0.0.1:1/v1/stream"
	cfg.Transport.RetryDelayBase = 60_000
	cfg.Transport.RetryDelayMax = 60_000
	cfg.Checkpoint.RetentionMode = "ephemeral"

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := &Runtime{cfg: cfg, logger: logger}
	rt.sessions = session.NewManager(context.Background(), cfg, nil, nil, logger)
	rt.ready.Store(true)
	t.Cleanup(rt.sessions.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	rt.registerSessionRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	server := testServer(t)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/session", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", resp.StatusCode)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatal("start: missing session_id")
	}

	// A second start conflicts while the first session runs.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/session", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/session/audio", map[string]any{
		"sequence":  1,
		"timestamp": time.Now(),
		"pcm":       []byte{0x01, 0x02, 0x03},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("audio: expected 202, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/session/result", map[string]any{
		"session_id": id,
		"segment_id": "seg-1",
		"text":       "hello from the recognizer",
		"confidence": 0.91,
		"is_final":   true,
		"timestamp":  time.Now(),
		"latency_ms": 150,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("result: expected 202, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/session/transcript", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript: expected 200, got %d", resp.StatusCode)
	}
	if text, _ := body["transcript"].(string); !strings.Contains(text, "hello from the recognizer") {
		t.Fatalf("unexpected transcript %q", body["transcript"])
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/session/reliability", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reliability: expected 200, got %d", resp.StatusCode)
	}
	if got, _ := body["session_id"].(string); got != id {
		t.Fatalf("reliability: expected session %q, got %q", id, got)
	}

	resp, body = doJSON(t, http.MethodDelete, server.URL+"/v1/session", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: expected 200, got %d", resp.StatusCode)
	}
	if got, _ := body["session_id"].(string); got != id {
		t.Fatalf("end: report for %q, expected %q", got, id)
	}

	// Everything 404s once the session ended.
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/session/transcript", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("transcript after end: expected 404, got %d", resp.StatusCode)
	}
}

func TestBadRequestBodies(t *testing.T) {
	server := testServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/session", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/v1/session/audio", strings.NewReader("not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := testServer(t)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", resp.StatusCode)
	}
}
