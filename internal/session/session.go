package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fathomlabs/scribeflow/internal/checkpoint"
	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/fathomlabs/scribeflow/internal/session/audiobuf"
	"github.com/fathomlabs/scribeflow/internal/session/gaps"
	"github.com/fathomlabs/scribeflow/internal/session/quality"
	"github.com/fathomlabs/scribeflow/internal/session/recovery"
	"github.com/fathomlabs/scribeflow/internal/session/reliability"
	"github.com/fathomlabs/scribeflow/internal/session/transcript"
	"github.com/fathomlabs/scribeflow/internal/transport"
	"github.com/google/uuid"
)

// Transport is the recognizer link seam the session pipeline depends on.
// *transport.Manager satisfies it; tests substitute fakes.
type Transport interface {
	SetSession(id string)
	Connect()
	Reconnect()
	SendAudio(chunk protocol.AudioChunk) error
	RequestRetransmit(req protocol.RetransmitRequest) error
	RequestRetranscribe(req protocol.RetranscribeRequest) error
	Results() <-chan protocol.TranscriptionResult
	Health() transport.Health
	Close()
}

// Publisher broadcasts session events to UI subscribers. *bus.Client
// satisfies it; a nil bus publishes nowhere.
type Publisher interface {
	Publish(subject string, payload any) error
}

// TranscriptSegment is one accepted transcription result as recorded in
// the session history.
type TranscriptSegment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
	Score      int       `json:"score"`
}

// Session owns the full reliability pipeline for one recording: segment
// buffering and hole detection, gap scanning, bounded-retry recovery,
// result validation and transcript assembly, plus the periodic health
// checkpointing that survives a restart.
type Session struct {
	id        string
	startedAt time.Time

	cfg  config.SessionConfig
	log  *slog.Logger
	bus  Publisher
	link Transport

	buffer    *audiobuf.Buffer
	detector  *gaps.Detector
	gate      *quality.Gate
	assembler *transcript.Assembler
	orch      *recovery.Orchestrator

	checkpoints *checkpoint.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	ended           bool
	endedAt         time.Time
	segments        []TranscriptSegment
	transcriptTimes []time.Time
	lastTranscript  time.Time
	lastAudio       time.Time
	accepted        int
	failed          int
	sumConfidence   float64
	sumLatency      int64
	resultCount     int

	// Counter offsets restored from a checkpoint, so a resumed session
	// reports totals across the interruption.
	baseAccepted  int
	baseFailed    int
	baseRetries   int
	baseReconnect int

	// Recovery retries pace themselves with the same backoff schedule
	// the transport uses for reconnects.
	retryBase time.Duration
	retryMax  time.Duration

	clock func() time.Time
}

func newSession(parent context.Context, id string, startedAt time.Time, cfg config.SessionConfig, retryBase, retryMax time.Duration, link Transport, bus Publisher, checkpoints *checkpoint.Store, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:          id,
		startedAt:   startedAt,
		cfg:         cfg,
		log:         log.With(slog.String("component", "session"), slog.String("session_id", id)),
		bus:         bus,
		link:        link,
		buffer:      audiobuf.New(time.Duration(cfg.OverlapWindow) * time.Millisecond),
		detector:    gaps.NewDetector(time.Duration(cfg.GapThreshold)*time.Millisecond, cfg.SampleRate, cfg.BytesPerSample),
		gate:        quality.NewGate(cfg),
		assembler:   transcript.NewAssembler(),
		checkpoints: checkpoints,
		retryBase:   retryBase,
		retryMax:    retryMax,
		ctx:         ctx,
		cancel:      cancel,
		clock:       time.Now,
	}

	s.orch = recovery.NewOrchestrator(
		s.detector,
		&recoveryActions{session: s},
		cfg.MaxRetryAttempts,
		retryBase,
		retryMax,
		func() bool { return !s.Ended() },
		log,
	)

	s.wg.Add(1)
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// ProcessAudioSegment ingests one captured audio chunk, forwards it to the
// recognizer and dispatches recovery for any sequence holes it exposes.
func (s *Session) ProcessAudioSegment(pcm []byte, timestamp time.Time, sequence int) error {
	if s.Ended() {
		return fmt.Errorf("session %s has ended", s.id)
	}

	seg := audiobuf.Segment{
		ID:        uuid.NewString(),
		Sequence:  sequence,
		Timestamp: timestamp,
		ByteSize:  len(pcm),
		Checksum:  audiobuf.Checksum(pcm),
		PCM:       pcm,
	}

	s.mu.Lock()
	prevAudio := s.lastAudio
	if timestamp.After(s.lastAudio) {
		s.lastAudio = timestamp
	}
	s.mu.Unlock()

	newlyMissing := s.buffer.Ingest(seg)
	now := s.clock()

	if len(newlyMissing) > 0 {
		start := prevAudio
		if start.IsZero() || start.After(timestamp) {
			start = timestamp
		}
		if gap := s.detector.RecordMissing(newlyMissing, start, timestamp, now); gap != nil {
			s.log.Warn("missing audio segments detected",
				slog.Any("sequences", newlyMissing),
				slog.String("gap_id", gap.ID))
			s.orch.Dispatch(gap.ID)
		}
	}

	// A re-ingested sequence may close out a tracked gap.
	stillMissing := make(map[int]bool)
	for _, missing := range s.buffer.MissingSequences() {
		stillMissing[missing] = true
	}
	if gap := s.detector.ResolveSequence(sequence, func(seq int) bool { return stillMissing[seq] }); gap != nil {
		s.orch.Cancel(gap.ID)
		s.log.Info("audio gap recovered",
			slog.String("gap_id", gap.ID),
			slog.Int("sequence", sequence))
	}

	chunk := protocol.AudioChunk{
		SessionID: s.id,
		Sequence:  sequence,
		Timestamp: timestamp,
		Checksum:  seg.Checksum,
		PCM:       pcm,
	}
	if err := s.link.SendAudio(chunk); err != nil {
		return fmt.Errorf("forward segment %d: %w", sequence, err)
	}
	s.buffer.Acknowledge(sequence)
	return nil
}

// ProcessTranscriptionResult validates one recognizer result and merges it
// into the transcript when it clears the quality gate.
func (s *Session) ProcessTranscriptionResult(res protocol.TranscriptionResult) {
	if s.Ended() {
		return
	}

	verdict := s.gate.Validate(res)

	s.mu.Lock()
	s.transcriptTimes = append(s.transcriptTimes, res.Timestamp)
	if res.Timestamp.After(s.lastTranscript) {
		s.lastTranscript = res.Timestamp
	}
	s.resultCount++
	s.sumConfidence += res.Confidence
	s.sumLatency += res.LatencyMS
	s.mu.Unlock()

	if !verdict.Accepted {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()

		s.log.Warn("transcription result rejected",
			slog.String("segment_id", res.SegmentID),
			slog.String("reason", verdict.Reason),
			slog.Float64("confidence", res.Confidence),
			slog.Int64("latency_ms", res.LatencyMS))

		if verdict.RetryNeeded {
			start := res.Timestamp.Add(-time.Duration(res.LatencyMS) * time.Millisecond)
			s.orch.RequestRetranscribe(start, res.Timestamp, verdict.Reason)
		}
		return
	}

	var changed bool
	if res.IsFinal {
		changed = s.assembler.AddFinal(res.Text)
	} else {
		changed = s.assembler.AddInterim(res.Text)
	}

	s.mu.Lock()
	s.accepted++
	s.segments = append(s.segments, TranscriptSegment{
		ID:         res.SegmentID,
		Text:       res.Text,
		Confidence: res.Confidence,
		IsFinal:    res.IsFinal,
		Timestamp:  res.Timestamp,
		Score:      verdict.Score,
	})
	s.mu.Unlock()

	if changed {
		s.publish(protocol.SubjectTranscriptUpdated, protocol.TranscriptEvent{
			SessionID: s.id,
			Text:      s.assembler.Complete(),
			Partial:   !res.IsFinal,
			Timestamp: s.clock().UTC(),
		})
	}
}

// CompleteTranscript returns the assembled transcript including any
// pending interim text.
func (s *Session) CompleteTranscript() string {
	return s.assembler.Complete()
}

// Segments returns the accepted transcription results in arrival order.
func (s *Session) Segments() []TranscriptSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptSegment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Report builds the reliability report as of now. For a live session the
// end time is the current instant.
func (s *Session) Report() *reliability.Report {
	s.mu.Lock()
	endedAt := s.endedAt
	if endedAt.IsZero() {
		endedAt = s.clock()
	}
	input := reliability.ReportInput{
		SessionID:   s.id,
		StartedAt:   s.startedAt,
		EndedAt:     endedAt,
		TotalWords:  s.assembler.Words(),
		SumConf:     s.sumConfidence,
		SumLatency:  s.sumLatency,
		ResultCount: s.resultCount,
	}
	s.mu.Unlock()

	return reliability.BuildReport(input, s.counters())
}

// Scores returns the five live reliability scores.
func (s *Session) Scores() reliability.Scores {
	return reliability.Compute(s.counters())
}

// End closes the session: one final recovery sweep bounded by timeout,
// then the report is generated and the closing checkpoint written.
func (s *Session) End(ctx context.Context, sweepTimeout time.Duration) *reliability.Report {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return s.Report()
	}
	s.mu.Unlock()

	s.orch.FinalSweep(sweepTimeout)

	s.mu.Lock()
	s.ended = true
	s.endedAt = s.clock()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.orch.Close()

	report := s.Report()
	s.saveCheckpoint(ctx, "ended")

	s.publish(protocol.SubjectSessionEnded, protocol.SessionEvent{
		SessionID: s.id,
		Status:    "ended",
		Timestamp: s.endedAt.UTC(),
	})

	s.log.Info("session ended",
		slog.Duration("duration", report.Duration),
		slog.Int("words", report.TotalWords),
		slog.Int("gaps", report.TotalGaps),
		slog.Float64("audio_integrity", report.AudioIntegrity))
	return report
}

// restore seeds counter offsets from a persisted checkpoint.
func (s *Session) restore(cp *checkpoint.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = cp.StartedAt
	s.baseAccepted = cp.AcceptedResults
	s.baseFailed = cp.FailedResults
	s.baseRetries = cp.RetryAttempts
	s.baseReconnect = cp.ReconnectAttempts
}

// run is the session maintenance loop: gap scans, health checks and the
// inbound result queue.
func (s *Session) run() {
	defer s.wg.Done()

	gapTicker := time.NewTicker(time.Duration(s.cfg.GapScanInterval) * time.Millisecond)
	defer gapTicker.Stop()
	healthTicker := time.NewTicker(time.Duration(s.cfg.HealthInterval) * time.Millisecond)
	defer healthTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case res, ok := <-s.link.Results():
			if !ok {
				return
			}
			s.ProcessTranscriptionResult(res)
		case <-gapTicker.C:
			s.scanGaps()
		case <-healthTicker.C:
			s.healthCheck()
		}
	}
}

// scanGaps runs the three timeline detectors and dispatches recovery for
// anything new.
func (s *Session) scanGaps() {
	now := s.clock()

	var found []*gaps.Gap
	found = append(found, s.detector.ScanAudio(s.buffer.Timeline(), now)...)

	s.mu.Lock()
	times := make([]time.Time, len(s.transcriptTimes))
	copy(times, s.transcriptTimes)
	lastTranscript := s.lastTranscript
	s.mu.Unlock()

	found = append(found, s.detector.ScanTranscripts(times, now)...)
	if g := s.detector.ScanInactivity(s.buffer.LastTimestamp(), lastTranscript, now); g != nil {
		found = append(found, g)
	}

	for _, g := range found {
		s.log.Warn("gap detected",
			slog.String("gap_id", g.ID),
			slog.String("type", string(g.Type)),
			slog.String("severity", string(g.Severity)),
			slog.Duration("duration", g.Duration))
		s.orch.Dispatch(g.ID)
	}
}

// healthCheck publishes the live scores and persists the checkpoint.
func (s *Session) healthCheck() {
	scores := reliability.Compute(s.counters())
	_, _, _, unresolved, _ := s.detector.Counts()

	s.publish(protocol.SubjectSessionHealth, protocol.HealthEvent{
		SessionID:             s.id,
		ConnectionStatus:      string(s.link.Health().Status),
		SessionStability:      scores.SessionStability,
		AudioIntegrity:        scores.AudioIntegrity,
		TranscriptionCoverage: scores.TranscriptionCoverage,
		ConnectionReliability: scores.ConnectionReliability,
		ErrorRecoveryRate:     scores.ErrorRecoveryRate,
		UnresolvedGaps:        unresolved,
		Timestamp:             s.clock().UTC(),
	})

	s.saveCheckpoint(s.ctx, "active")
}

func (s *Session) counters() reliability.Counters {
	total, resolved, recovered, unresolved, active := s.detector.Counts()
	health := s.link.Health()
	attempts := s.orch.TotalAttempts()

	s.mu.Lock()
	accepted := s.baseAccepted + s.accepted
	failed := s.baseFailed + s.failed
	retries := s.baseRetries + attempts
	reconnects := s.baseReconnect + health.ReconnectAttempts
	s.mu.Unlock()

	return reliability.Counters{
		TotalSegments:       s.buffer.Count() + len(s.buffer.MissingSequences()),
		MissingSegments:     len(s.buffer.MissingSequences()),
		AcceptedResults:     accepted,
		FailedResults:       failed,
		TotalGaps:           total,
		ResolvedGaps:        resolved,
		RecoveredGaps:       recovered,
		UnresolvedGaps:      unresolved,
		ActiveGaps:          active,
		RetryAttempts:       retries,
		ReconnectAttempts:   reconnects,
		ConsecutiveFailures: health.ConsecutiveFailures,
	}
}

func (s *Session) saveCheckpoint(ctx context.Context, status string) {
	if s.checkpoints == nil {
		return
	}

	c := s.counters()
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	cp := checkpoint.Checkpoint{
		SessionID:          s.id,
		Status:             status,
		StartedAt:          startedAt,
		HighestSequence:    s.buffer.HighestSequence(),
		AudioSegments:      c.TotalSegments,
		MissingSegments:    c.MissingSegments,
		TranscriptSegments: c.AcceptedResults,
		AcceptedResults:    c.AcceptedResults,
		FailedResults:      c.FailedResults,
		RetryAttempts:      c.RetryAttempts,
		ReconnectAttempts:  c.ReconnectAttempts,
	}
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		s.log.Warn("checkpoint save failed", slog.String("error", err.Error()))
	}
}

func (s *Session) publish(subject string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(subject, payload); err != nil {
		s.log.Warn("event publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// recoveryActions adapts the session to the recovery action seam.
// Retransmission re-sends segments whose audio is still in the overlap
// window and asks the recognizer for the rest.
type recoveryActions struct {
	session *Session
}

func (a *recoveryActions) RequestRetransmit(sequences []int) error {
	s := a.session

	held := make(map[int]audiobuf.Segment)
	for _, seg := range s.buffer.Window() {
		held[seg.Sequence] = seg
	}

	var remote []int
	for _, seq := range sequences {
		seg, ok := held[seq]
		if !ok {
			remote = append(remote, seq)
			continue
		}
		chunk := protocol.AudioChunk{
			SessionID: s.id,
			Sequence:  seg.Sequence,
			Timestamp: seg.Timestamp,
			Checksum:  seg.Checksum,
			PCM:       seg.PCM,
		}
		if err := s.link.SendAudio(chunk); err != nil {
			return fmt.Errorf("resend segment %d: %w", seq, err)
		}
	}

	if len(remote) == 0 {
		return nil
	}
	return s.link.RequestRetransmit(protocol.RetransmitRequest{
		SessionID: s.id,
		Sequences: remote,
		Timestamp: s.clock().UTC(),
	})
}

func (a *recoveryActions) RequestRetranscribe(start, end time.Time, reason string) error {
	s := a.session
	return s.link.RequestRetranscribe(protocol.RetranscribeRequest{
		SessionID: s.id,
		Start:     start,
		End:       end,
		Reason:    reason,
		Timestamp: s.clock().UTC(),
	})
}

func (a *recoveryActions) Reconnect() {
	a.session.link.Reconnect()
}
