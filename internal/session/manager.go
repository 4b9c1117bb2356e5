package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fathomlabs/scribeflow/internal/checkpoint"
	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/fathomlabs/scribeflow/internal/session/reliability"
	"github.com/fathomlabs/scribeflow/internal/transport"
	"github.com/google/uuid"
)

// finalSweepTimeout bounds the last recovery pass at session end.
const finalSweepTimeout = 2 * time.Second

// ErrNoActiveSession is returned by operations that need a running
// session when none exists.
var ErrNoActiveSession = errors.New("no active session")

// ErrSessionActive is returned by StartSession while a session is already
// running. One recording at a time.
var ErrSessionActive = errors.New("a session is already active")

// TransportFactory builds the recognizer link for a new session. The
// default wires up *transport.Manager; tests inject fakes.
type TransportFactory func(ctx context.Context) Transport

// Manager owns the single active session and its recognizer link.
type Manager struct {
	cfg         config.Config
	log         *slog.Logger
	bus         Publisher
	checkpoints *checkpoint.Store
	newLink     TransportFactory

	ctx context.Context

	mu      sync.Mutex
	current *Session
	link    Transport
}

func NewManager(parent context.Context, cfg config.Config, bus Publisher, checkpoints *checkpoint.Store, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:         cfg,
		log:         log.With(slog.String("component", "session-manager")),
		bus:         bus,
		checkpoints: checkpoints,
		ctx:         parent,
	}
	m.newLink = func(ctx context.Context) Transport {
		return transport.NewManager(ctx, cfg.Transport, log)
	}
	if err := m.registerMetrics(); err != nil {
		m.log.Warn("metric registration failed", slog.String("error", err.Error()))
	}
	return m
}

// StartSession begins a new recording session and returns its id.
func (m *Manager) StartSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Ended() {
		return "", ErrSessionActive
	}

	id := uuid.NewString()
	link := m.newLink(m.ctx)
	link.SetSession(id)
	link.Connect()

	m.current = m.spawn(id, time.Now(), link)
	m.link = link

	m.publish(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: id,
		Status:    "started",
		Timestamp: time.Now().UTC(),
	})
	m.log.Info("session started", slog.String("session_id", id))
	return id, nil
}

// ResumeSession restarts accounting for a checkpointed session after a
// process restart. Counters continue from where the checkpoint left off;
// buffered audio from before the restart is gone.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Ended() {
		return ErrSessionActive
	}
	if m.checkpoints == nil {
		return errors.New("checkpointing disabled")
	}

	cp, err := m.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for session %s", sessionID)
	}
	if cp.Status == "ended" {
		return fmt.Errorf("session %s already ended", sessionID)
	}

	link := m.newLink(m.ctx)
	link.SetSession(sessionID)
	link.Connect()

	sess := m.spawn(sessionID, cp.StartedAt, link)
	sess.restore(cp)
	m.current = sess
	m.link = link

	m.publish(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: sessionID,
		Status:    "resumed",
		Timestamp: time.Now().UTC(),
	})
	m.log.Info("session resumed",
		slog.String("session_id", sessionID),
		slog.Int("highest_sequence", cp.HighestSequence),
		slog.Int("accepted_results", cp.AcceptedResults))
	return nil
}

// EndSession closes the active session and returns its final report.
func (m *Manager) EndSession(ctx context.Context) (*reliability.Report, error) {
	m.mu.Lock()
	sess := m.current
	link := m.link
	m.mu.Unlock()

	if sess == nil || sess.Ended() {
		return nil, ErrNoActiveSession
	}

	report := sess.End(ctx, finalSweepTimeout)
	if link != nil {
		link.Close()
	}

	m.mu.Lock()
	if m.current == sess {
		m.link = nil
	}
	m.mu.Unlock()
	return report, nil
}

// ProcessAudioSegment forwards a captured chunk to the active session.
func (m *Manager) ProcessAudioSegment(pcm []byte, timestamp time.Time, sequence int) error {
	sess, err := m.active()
	if err != nil {
		return err
	}
	return sess.ProcessAudioSegment(pcm, timestamp, sequence)
}

// ProcessTranscriptionResult injects a result into the active session.
// The transport result queue feeds the session directly; this entry point
// exists for the HTTP surface and tests.
func (m *Manager) ProcessTranscriptionResult(res protocol.TranscriptionResult) error {
	sess, err := m.active()
	if err != nil {
		return err
	}
	sess.ProcessTranscriptionResult(res)
	return nil
}

// CompleteTranscript returns the active session's assembled transcript.
func (m *Manager) CompleteTranscript() (string, error) {
	sess, err := m.active()
	if err != nil {
		return "", err
	}
	return sess.CompleteTranscript(), nil
}

// ReliabilityReport returns the live report for the active session.
func (m *Manager) ReliabilityReport() (*reliability.Report, error) {
	sess, err := m.active()
	if err != nil {
		return nil, err
	}
	return sess.Report(), nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Ended() {
		return nil
	}
	return m.current
}

// Healthy reports whether the manager can serve requests. A manager with
// no session is healthy; a session with a dead link is not.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Ended() {
		return true
	}
	health := m.link.Health()
	return health.Status == transport.StatusConnected || health.Status == transport.StatusDegraded
}

// Close ends any active session.
func (m *Manager) Close() {
	if _, err := m.EndSession(context.Background()); err != nil && !errors.Is(err, ErrNoActiveSession) {
		m.log.Warn("session shutdown failed", slog.String("error", err.Error()))
	}
}

// spawn builds a session sharing the transport's retry delay schedule
// for gap recovery.
func (m *Manager) spawn(id string, startedAt time.Time, link Transport) *Session {
	return newSession(m.ctx, id, startedAt, m.cfg.Session,
		time.Duration(m.cfg.Transport.RetryDelayBase)*time.Millisecond,
		time.Duration(m.cfg.Transport.RetryDelayMax)*time.Millisecond,
		link, m.bus, m.checkpoints, m.log)
}

func (m *Manager) active() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Ended() {
		return nil, ErrNoActiveSession
	}
	return m.current, nil
}

func (m *Manager) publish(subject string, payload any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(subject, payload); err != nil {
		m.log.Warn("event publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
