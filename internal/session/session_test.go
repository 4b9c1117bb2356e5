package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fathomlabs/scribeflow/internal/checkpoint"
	"github.com/fathomlabs/scribeflow/internal/config"
	"github.com/fathomlabs/scribeflow/internal/protocol"
	"github.com/fathomlabs/scribeflow/internal/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testSessionConfig slows the background tickers down so tests drive the
// pipeline deterministically.
func testSessionConfig() config.SessionConfig {
	cfg := config.Default().Session
	cfg.GapScanInterval = 60_000
	cfg.HealthInterval = 60_000
	return cfg
}

type fakeLink struct {
	mu            sync.Mutex
	sessionID     string
	sent          []protocol.AudioChunk
	retransmits   []protocol.RetransmitRequest
	retranscribes []protocol.RetranscribeRequest
	reconnects    int
	closed        bool
	results       chan protocol.TranscriptionResult
	health        transport.Health
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		results: make(chan protocol.TranscriptionResult, 16),
		health:  transport.Health{Status: transport.StatusConnected, QualityScore: 100},
	}
}

func (f *fakeLink) SetSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = id
}

func (f *fakeLink) Connect()   {}
func (f *fakeLink) Reconnect() { f.mu.Lock(); f.reconnects++; f.mu.Unlock() }

func (f *fakeLink) SendAudio(chunk protocol.AudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeLink) RequestRetransmit(req protocol.RetransmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retransmits = append(f.retransmits, req)
	return nil
}

func (f *fakeLink) RequestRetranscribe(req protocol.RetranscribeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retranscribes = append(f.retranscribes, req)
	return nil
}

func (f *fakeLink) Results() <-chan protocol.TranscriptionResult { return f.results }

func (f *fakeLink) Health() transport.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeLink) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeLink) retransmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retransmits)
}

type recordingBus struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string]int)}
}

func (b *recordingBus) Publish(subject string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[subject]++
	return nil
}

func (b *recordingBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[subject]
}

func newTestSession(t *testing.T, link *fakeLink, bus Publisher) *Session {
	t.Helper()
	s := newSession(context.Background(), "sess-test", time.Now(), testSessionConfig(),
		time.Second, 30*time.Second, link, bus, nil, discard())
	t.Cleanup(func() { s.End(context.Background(), 50*time.Millisecond) })
	return s
}

func TestMissingSegmentTriggersRetransmitOnce(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, nil)

	base := time.Now()
	for _, seq := range []int{1, 2, 4, 5} {
		ts := base.Add(time.Duration(seq) * 250 * time.Millisecond)
		if err := s.ProcessAudioSegment([]byte{0x01, 0x02}, ts, seq); err != nil {
			t.Fatalf("ingest %d: %v", seq, err)
		}
	}

	if got := link.retransmitCount(); got != 1 {
		t.Fatalf("expected exactly one retransmission request, got %d", got)
	}
	link.mu.Lock()
	seqs := link.retransmits[0].Sequences
	link.mu.Unlock()
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Fatalf("expected retransmission of [3], got %v", seqs)
	}

	// All four chunks were forwarded and acknowledged.
	link.mu.Lock()
	forwarded := len(link.sent)
	link.mu.Unlock()
	if forwarded != 4 {
		t.Fatalf("expected 4 forwarded chunks, got %d", forwarded)
	}
}

func TestReingestRecoversGap(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, nil)

	base := time.Now()
	for _, seq := range []int{1, 2, 4} {
		if err := s.ProcessAudioSegment([]byte{0x01}, base.Add(time.Duration(seq)*100*time.Millisecond), seq); err != nil {
			t.Fatalf("ingest %d: %v", seq, err)
		}
	}
	if err := s.ProcessAudioSegment([]byte{0x01}, base.Add(300*time.Millisecond), 3); err != nil {
		t.Fatalf("re-ingest 3: %v", err)
	}

	report := s.Report()
	if report.MissingSegments != 0 {
		t.Fatalf("expected no missing segments, got %d", report.MissingSegments)
	}
	if report.Scores.AudioIntegrity != 100 {
		t.Fatalf("expected audio integrity 100, got %v", report.Scores.AudioIntegrity)
	}
	if report.TotalGaps != 1 || report.ResolvedGaps != 1 || report.UnrecoveredGaps != 0 {
		t.Fatalf("expected one recovered gap, got total=%d resolved=%d unrecovered=%d",
			report.TotalGaps, report.ResolvedGaps, report.UnrecoveredGaps)
	}
}

func TestInterimThenFinalAssembly(t *testing.T) {
	link := newFakeLink()
	bus := newRecordingBus()
	s := newTestSession(t, link, bus)

	now := time.Now()
	s.ProcessTranscriptionResult(protocol.TranscriptionResult{
		SegmentID: "a", Text: "the cat", Confidence: 0.8, IsFinal: false, Timestamp: now, LatencyMS: 200,
	})
	s.ProcessTranscriptionResult(protocol.TranscriptionResult{
		SegmentID: "b", Text: "the cat sat", Confidence: 0.92, IsFinal: true, Timestamp: now.Add(time.Second), LatencyMS: 300,
	})

	if got := s.CompleteTranscript(); got != "the cat sat" {
		t.Fatalf("expected %q, got %q", "the cat sat", got)
	}
	if got := bus.count(protocol.SubjectTranscriptUpdated); got != 2 {
		t.Fatalf("expected 2 transcript events, got %d", got)
	}
	if segs := s.Segments(); len(segs) != 2 {
		t.Fatalf("expected 2 accepted segments, got %d", len(segs))
	}
}

func TestLowConfidenceRejectionRequestsRetranscription(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, nil)

	s.ProcessTranscriptionResult(protocol.TranscriptionResult{
		SegmentID: "bad", Text: "mumble", Confidence: 0.3, Timestamp: time.Now(), LatencyMS: 100,
	})

	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.retranscribes) != 1 {
		t.Fatalf("expected one re-transcription request, got %d", len(link.retranscribes))
	}
	if link.retranscribes[0].Reason != "low_confidence" {
		t.Fatalf("unexpected reason %q", link.retranscribes[0].Reason)
	}
}

func TestRejectedResultsLowerCoverage(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, nil)

	now := time.Now()
	s.ProcessTranscriptionResult(protocol.TranscriptionResult{
		SegmentID: "good", Text: "hello world", Confidence: 0.9, IsFinal: true, Timestamp: now, LatencyMS: 100,
	})
	s.ProcessTranscriptionResult(protocol.TranscriptionResult{
		SegmentID: "slow", Text: "too late", Confidence: 0.9, Timestamp: now.Add(time.Second), LatencyMS: 9000,
	})

	report := s.Report()
	if report.TranscriptSegments != 1 {
		t.Fatalf("expected 1 accepted segment, got %d", report.TranscriptSegments)
	}
	if report.Coverage != 50 {
		t.Fatalf("expected coverage 50, got %v", report.Coverage)
	}
	if report.Scores.TranscriptionCoverage != 50 {
		t.Fatalf("expected coverage score 50, got %v", report.Scores.TranscriptionCoverage)
	}
}

func TestEndSessionStopsIngest(t *testing.T) {
	link := newFakeLink()
	s := newSession(context.Background(), "sess-end", time.Now(), testSessionConfig(),
		time.Second, 30*time.Second, link, nil, nil, discard())

	if err := s.ProcessAudioSegment([]byte{0x01}, time.Now(), 1); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	report := s.End(context.Background(), 50*time.Millisecond)
	if report == nil || report.SessionID != "sess-end" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", report.Duration)
	}

	if err := s.ProcessAudioSegment([]byte{0x01}, time.Now(), 2); err == nil {
		t.Fatal("expected error after session end")
	}
	// End is idempotent.
	if again := s.End(context.Background(), 50*time.Millisecond); again.SessionID != "sess-end" {
		t.Fatalf("second End returned %+v", again)
	}
}

func TestResultQueueFeedsSession(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, nil)

	link.results <- protocol.TranscriptionResult{
		SegmentID: "q", Text: "from the queue", Confidence: 0.9, IsFinal: true,
		Timestamp: time.Now(), LatencyMS: 100,
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.CompleteTranscript() == "from the queue" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queued result never assembled, transcript=%q", s.CompleteTranscript())
}

func TestHealthSnapshotDuringRetryDispatch(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(t, link, nil)

	now := time.Now()
	gap := s.detector.RecordMissing([]int{2}, now, now.Add(time.Second), now)
	if gap == nil {
		t.Fatal("expected a recorded gap")
	}

	// Counter snapshots and recovery dispatches must be able to run
	// concurrently: the snapshot reads orchestrator state while the
	// orchestrator consults session liveness on every attempt.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			s.counters()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			s.orch.Dispatch(gap.ID)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("counter snapshot and recovery dispatch deadlocked")
	}
}

func newTestManager(t *testing.T, store *checkpoint.Store) (*Manager, *fakeLink) {
	t.Helper()
	cfg := config.Default()
	cfg.Session = testSessionConfig()

	link := newFakeLink()
	m := NewManager(context.Background(), cfg, nil, store, discard())
	m.newLink = func(ctx context.Context) Transport { return link }
	t.Cleanup(m.Close)
	return m, link
}

func TestManagerSingleActiveSession(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id, err := m.StartSession(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session id")
	}

	if _, err := m.StartSession(context.Background()); err != ErrSessionActive {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if _, err := m.EndSession(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := m.EndSession(context.Background()); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	// A new session may start once the previous one ended.
	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestManagerOperationsWithoutSession(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if err := m.ProcessAudioSegment([]byte{0x01}, time.Now(), 1); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := m.CompleteTranscript(); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := m.ReliabilityReport(); err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if !m.Healthy() {
		t.Fatal("an idle manager should be healthy")
	}
}

func TestRecoveryRetriesUseTransportBackoff(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := m.Current()
	if sess == nil {
		t.Fatal("expected an active session")
	}

	cfg := config.Default().Transport
	if want := time.Duration(cfg.RetryDelayBase) * time.Millisecond; sess.retryBase != want {
		t.Fatalf("expected retry base %v, got %v", want, sess.retryBase)
	}
	if want := time.Duration(cfg.RetryDelayMax) * time.Millisecond; sess.retryMax != want {
		t.Fatalf("expected retry max %v, got %v", want, sess.retryMax)
	}
}

func TestManagerResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Checkpoint
	cfg.Path = filepath.Join(t.TempDir(), "checkpoints.db")
	cfg.RetentionMode = "persistent"

	store, err := checkpoint.Open(ctx, cfg, discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	started := time.Now().Add(-2 * time.Minute).UTC()
	if err := store.Save(ctx, checkpoint.Checkpoint{
		SessionID:       "resume-me",
		Status:          "active",
		StartedAt:       started,
		HighestSequence: 41,
		AcceptedResults: 7,
		FailedResults:   1,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	m, _ := newTestManager(t, store)
	if err := m.ResumeSession(ctx, "resume-me"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	report, err := m.ReliabilityReport()
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.SessionID != "resume-me" {
		t.Fatalf("expected resumed id, got %q", report.SessionID)
	}
	if report.TranscriptSegments != 7 {
		t.Fatalf("expected restored accepted count 7, got %d", report.TranscriptSegments)
	}
	if !report.StartedAt.Equal(started) {
		t.Fatalf("expected restored start %v, got %v", started, report.StartedAt)
	}

	if err := m.ResumeSession(ctx, "missing"); err == nil {
		t.Fatal("expected error resuming unknown session")
	}
}
