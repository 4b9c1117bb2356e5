package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/gorilla/websocket"
)

// Status is the connection state of the recognizer link.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusDegraded means the WebSocket link gave up after repeated
	// reconnect failure and sends route through the HTTP fallback.
	StatusDegraded Status = "degraded"
)

// Health is the per-session connection health snapshot.
type Health struct {
	Status              Status    `json:"status"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	QualityScore        float64   `json:"quality_score"`
}

// Manager owns the recognizer transport: the WebSocket link, heartbeats,
// reconnection with capped exponential backoff, and the HTTP fallback
// path. Inbound transcription results are delivered on a channel so the
// session pipeline consumes them as a queue rather than being called into
// directly.
type Manager struct {
	cfg config.TransportConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dialer *websocket.Dialer
	client *http.Client

	mu                  sync.Mutex
	status              Status
	conn                *websocket.Conn
	writeMu             sync.Mutex
	queue               [][]byte
	sessionID           string
	lastHeartbeatAck    time.Time
	reconnectAttempts   int
	consecutiveFailures int
	reconnectTimer      *time.Timer
	bo                  *backoff.ExponentialBackOff
	closed              bool

	results chan protocol.TranscriptionResult
	wg      sync.WaitGroup
}

func NewManager(parent context.Context, cfg config.TransportConfig, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.RetryDelayBase) * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Duration(cfg.RetryDelayMax) * time.Millisecond

	return &Manager{
		cfg:     cfg,
		log:     log.With(slog.String("component", "transport")),
		ctx:     ctx,
		cancel:  cancel,
		dialer:  websocket.DefaultDialer,
		client:  &http.Client{Timeout: time.Duration(cfg.ConnectionTimeout) * time.Millisecond},
		status:  StatusDisconnected,
		bo:      bo,
		results: make(chan protocol.TranscriptionResult, 64),
	}
}

// SetSession pins the session id stamped on heartbeats and requests.
func (m *Manager) SetSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
}

// Results is the inbound transcription result queue.
func (m *Manager) Results() <-chan protocol.TranscriptionResult {
	return m.results
}

// Connect dials the WebSocket endpoint. Failures schedule a backoff
// reconnect; they are never fatal.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnecting
	m.reconnectTimer = nil
	m.mu.Unlock()

	header := http.Header{}
	if m.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(m.ctx, time.Duration(m.cfg.ConnectionTimeout)*time.Millisecond)
	defer cancel()

	conn, _, err := m.dialer.DialContext(dialCtx, m.cfg.WebSocketURL, header)
	if err != nil {
		m.log.Warn("websocket dial failed", slog.String("error", err.Error()))
		m.handleDisconnect()
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.status = StatusConnected
	m.consecutiveFailures = 0
	m.reconnectAttempts = 0
	m.lastHeartbeatAck = time.Now()
	m.bo.Reset()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	m.log.Info("recognizer link connected", slog.String("url", m.cfg.WebSocketURL))

	m.wg.Add(2)
	go m.readLoop(conn)
	go m.heartbeatLoop(conn)

	// Flush queued sends in original order.
	for _, data := range pending {
		if err := m.writeRaw(conn, data); err != nil {
			m.log.Warn("queued send failed after reconnect", slog.String("error", err.Error()))
			break
		}
	}
}

// Reconnect forces an immediate dial attempt, used by temporal gap
// recovery. From degraded it gives the WebSocket path another chance.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.Connect()
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.Warn("websocket read failed", slog.String("error", err.Error()))
				m.handleDisconnect()
			}
			return
		}
		m.handleMessage(data)
	}
}

func (m *Manager) handleMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.Warn("failed to decode envelope", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeatAck:
		m.mu.Lock()
		m.lastHeartbeatAck = time.Now()
		m.mu.Unlock()
	case protocol.TypeTranscriptionResult:
		var res protocol.TranscriptionResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			m.log.Warn("failed to decode transcription result", slog.String("error", err.Error()))
			return
		}
		m.deliver(res)
	default:
		m.log.Debug("ignoring message", slog.String("type", env.Type))
	}
}

func (m *Manager) deliver(res protocol.TranscriptionResult) {
	select {
	case m.results <- res:
	default:
		m.log.Warn("result queue full, dropping result", slog.String("segment_id", res.SegmentID))
	}
}

func (m *Manager) heartbeatLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.conn != conn || m.status != StatusConnected {
				m.mu.Unlock()
				return
			}
			stale := time.Since(m.lastHeartbeatAck) > time.Duration(m.cfg.ConnectionTimeout)*time.Millisecond
			sessionID := m.sessionID
			m.mu.Unlock()

			if stale {
				m.log.Warn("heartbeat ack timeout, treating as disconnect")
				conn.Close()
				m.handleDisconnect()
				return
			}

			hb := protocol.Heartbeat{SessionID: sessionID, Timestamp: time.Now().UTC()}
			if err := m.sendEnvelope(protocol.TypeHeartbeat, hb); err != nil {
				m.log.Warn("heartbeat send failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleDisconnect transitions to disconnected (or degraded once the
// reconnect bound is exceeded) and schedules the next dial.
func (m *Manager) handleDisconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// A failure already handled (conn gone, not mid-dial) must not be
	// double counted when read and heartbeat loops both observe it.
	if m.conn == nil && m.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.consecutiveFailures++

	if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		if m.status != StatusDegraded {
			m.status = StatusDegraded
			m.log.Warn("reconnect bound exceeded, switching to HTTP fallback",
				slog.Int("attempts", m.reconnectAttempts),
				slog.String("fallback_url", m.cfg.FallbackURL))
		}
		m.mu.Unlock()
		return
	}

	m.status = StatusDisconnected
	delay := m.bo.NextBackOff()
	m.reconnectAttempts++
	attempts := m.reconnectAttempts
	m.reconnectTimer = time.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	m.log.Info("reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", attempts))
}

// SendAudio forwards one audio chunk to the recognizer.
func (m *Manager) SendAudio(chunk protocol.AudioChunk) error {
	return m.sendEnvelope(protocol.TypeAudioChunk, chunk)
}

// RequestRetransmit asks for segment retransmission.
func (m *Manager) RequestRetransmit(req protocol.RetransmitRequest) error {
	return m.sendEnvelope(protocol.TypeRetransmitRequest, req)
}

// RequestRetranscribe asks for re-transcription of a buffered span.
func (m *Manager) RequestRetranscribe(req protocol.RetranscribeRequest) error {
	return m.sendEnvelope(protocol.TypeRetranscribeRequest, req)
}

func (m *Manager) sendEnvelope(msgType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	data, err := json.Marshal(protocol.Envelope{Type: msgType, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.mu.Lock()
	status := m.status
	conn := m.conn
	m.mu.Unlock()

	switch status {
	case StatusConnected:
		if err := m.writeRaw(conn, data); err != nil {
			m.handleDisconnect()
			return fmt.Errorf("websocket send: %w", err)
		}
		return nil
	case StatusDegraded:
		return m.fallbackPost(data)
	default:
		m.enqueue(data)
		return nil
	}
}

func (m *Manager) writeRaw(conn *websocket.Conn, data []byte) error {
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue buffers a send while disconnected, bounded FIFO: the oldest
// entry is dropped on overflow.
func (m *Manager) enqueue(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= m.cfg.SendQueueSize {
		m.queue = m.queue[1:]
		m.log.Warn("send queue full, dropping oldest entry")
	}
	m.queue = append(m.queue, data)
}

// fallbackPost sends an envelope over HTTP. The fallback endpoint may
// return transcription results in its response body; they are delivered
// on the same inbound queue as WebSocket results.
func (m *Manager) fallbackPost(data []byte) error {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodPost, m.cfg.FallbackURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.mu.Lock()
		m.consecutiveFailures++
		m.mu.Unlock()
		return fmt.Errorf("fallback post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.mu.Lock()
		m.consecutiveFailures++
		m.mu.Unlock()
		return fmt.Errorf("fallback returned status %d", resp.StatusCode)
	}

	var body struct {
		Results []protocol.TranscriptionResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		for _, res := range body.Results {
			m.deliver(res)
		}
	}
	return nil
}

// Health returns the current connection health snapshot.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	score := 100 - float64(m.consecutiveFailures)*20 - float64(m.reconnectAttempts)*5
	if score < 0 {
		score = 0
	}
	return Health{
		Status:              m.status,
		LastHeartbeat:       m.lastHeartbeatAck,
		ReconnectAttempts:   m.reconnectAttempts,
		ConsecutiveFailures: m.consecutiveFailures,
		QualityScore:        score,
	}
}

// Healthy reports whether the link is usable (connected or degraded).
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected || m.status == StatusDegraded
}

// Close tears down the transport.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
