package recovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fathomlabs/scribeflow/internal/session/gaps"
)

// Actions are the fire-and-forget recovery requests the orchestrator can
// issue. The orchestrator does not guarantee a request succeeds, only
// that a bounded number of attempts were made.
type Actions interface {
	RequestRetransmit(sequences []int) error
	RequestRetranscribe(start, end time.Time, reason string) error
	Reconnect()
}

// Orchestrator drives bounded-retry recovery for unresolved gaps. Each gap
// gets its own exponential backoff schedule; once the retry bound is
// reached the gap is marked resolved-but-unrecovered so it stops consuming
// retry cycles.
type Orchestrator struct {
	detector *gaps.Detector
	actions  Actions
	log      *slog.Logger

	maxRetries int
	delayBase  time.Duration
	delayMax   time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	backoffs map[string]*backoff.ExponentialBackOff
	total    int
	closed   bool
	active   func() bool
}

func NewOrchestrator(detector *gaps.Detector, actions Actions, maxRetries int, delayBase, delayMax time.Duration, active func() bool, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		detector:   detector,
		actions:    actions,
		log:        log.With(slog.String("component", "recovery")),
		maxRetries: maxRetries,
		delayBase:  delayBase,
		delayMax:   delayMax,
		timers:     make(map[string]*time.Timer),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
		active:     active,
	}
}

// Dispatch starts recovery for a gap: one immediate attempt, then
// backoff-scheduled retries until resolution or the retry bound.
func (o *Orchestrator) Dispatch(gapID string) {
	o.attempt(gapID)
}

func (o *Orchestrator) attempt(gapID string) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	// active reaches back into the session, which may be holding its own
	// lock while reading orchestrator counters. Never evaluate it under
	// o.mu.
	if closed || (o.active != nil && !o.active()) {
		return
	}

	g, ok := o.detector.Get(gapID)
	if !ok || g.Resolved {
		o.cancelTimer(gapID)
		return
	}

	o.fire(g)

	attempts, _ := o.detector.IncrementRetry(gapID)
	o.mu.Lock()
	o.total++
	o.mu.Unlock()

	if attempts >= o.maxRetries {
		// Given up on, not fixed: reported as unrecovered in the final
		// report.
		o.detector.Resolve(gapID, false)
		o.cancelTimer(gapID)
		o.log.Warn("gap retry bound reached",
			slog.String("gap_id", gapID),
			slog.String("type", string(g.Type)),
			slog.Int("attempts", attempts))
		return
	}

	o.schedule(gapID)
}

func (o *Orchestrator) fire(g *gaps.Gap) {
	var err error
	switch g.Type {
	case gaps.TypeAudio:
		if len(g.Sequences) > 0 {
			err = o.actions.RequestRetransmit(g.Sequences)
		} else {
			err = o.actions.RequestRetranscribe(g.Start, g.End, "audio_gap")
		}
	case gaps.TypeTranscription:
		err = o.actions.RequestRetranscribe(g.Start, g.End, "transcription_gap")
	case gaps.TypeTemporal:
		o.actions.Reconnect()
	}
	if err != nil {
		o.log.Warn("recovery request failed",
			slog.String("gap_id", g.ID),
			slog.String("type", string(g.Type)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) schedule(gapID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	bo := o.backoffs[gapID]
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = o.delayBase
		bo.RandomizationFactor = 0
		bo.Multiplier = 2
		bo.MaxInterval = o.delayMax
		o.backoffs[gapID] = bo
	}

	delay := bo.NextBackOff()
	o.timers[gapID] = time.AfterFunc(delay, func() { o.attempt(gapID) })
}

func (o *Orchestrator) cancelTimer(gapID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t := o.timers[gapID]; t != nil {
		t.Stop()
	}
	delete(o.timers, gapID)
	delete(o.backoffs, gapID)
}

// Cancel stops scheduled retries for a gap, used when it resolved on its
// own (e.g. a missing segment was re-ingested).
func (o *Orchestrator) Cancel(gapID string) {
	o.cancelTimer(gapID)
}

// RequestRetranscribe forwards a re-transcription request outside the gap
// cycle, used by the quality gate for low-confidence rejections.
func (o *Orchestrator) RequestRetranscribe(start, end time.Time, reason string) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed || (o.active != nil && !o.active()) {
		return
	}

	if err := o.actions.RequestRetranscribe(start, end, reason); err != nil {
		o.log.Warn("re-transcription request failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
}

// TotalAttempts returns how many recovery attempts were fired.
func (o *Orchestrator) TotalAttempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

// FinalSweep fires one last attempt for every unresolved gap and waits up
// to timeout for resolutions before the session report is generated.
func (o *Orchestrator) FinalSweep(timeout time.Duration) {
	for _, g := range o.detector.Unresolved() {
		o.fire(g)
	}

	if len(o.detector.Unresolved()) == 0 {
		return
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
			if len(o.detector.Unresolved()) == 0 {
				return
			}
		}
	}
}

// Close stops all scheduled retries. Any retry firing after this point is
// a no-op.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	for id := range o.backoffs {
		delete(o.backoffs, id)
	}
}
