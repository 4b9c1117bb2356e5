package gaps

import (
	"sync"
	"time"

	"github.com/fathomlabs/scribeflow/internal/session/audiobuf"
)

// dedupeWindow is how close two gap starts of the same type may be before
// the later one is considered a duplicate of the earlier.
const dedupeWindow = 100 * time.Millisecond

// Detector scans the audio and transcript timelines for temporal
// discontinuities and keeps the per-session gap registry.
type Detector struct {
	threshold      time.Duration
	sampleRate     int
	bytesPerSample int

	mu   sync.Mutex
	gaps []*Gap
}

func NewDetector(threshold time.Duration, sampleRate, bytesPerSample int) *Detector {
	return &Detector{
		threshold:      threshold,
		sampleRate:     sampleRate,
		bytesPerSample: bytesPerSample,
	}
}

// ScanAudio flags a gap wherever the next segment starts later than the
// current segment's estimated end plus the detection threshold. Returns
// only newly recorded gaps.
func (d *Detector) ScanAudio(points []audiobuf.TimedSize, now time.Time) []*Gap {
	var found []*Gap
	for i := 0; i+1 < len(points); i++ {
		cur, next := points[i], points[i+1]
		estimated := d.estimateDuration(cur.ByteSize)
		end := cur.Timestamp.Add(estimated)
		gap := next.Timestamp.Sub(end)
		if gap <= d.threshold {
			continue
		}
		severity := SeverityMinor
		if gap > 2*time.Second {
			severity = SeverityCritical
		}
		if g := d.record(newGap(TypeAudio, end, next.Timestamp, severity, now)); g != nil {
			found = append(found, g)
		}
	}
	return found
}

// ScanTranscripts applies the same logic over transcript timestamps with a
// doubled threshold, since interim results are naturally sparser.
func (d *Detector) ScanTranscripts(times []time.Time, now time.Time) []*Gap {
	var found []*Gap
	for i := 0; i+1 < len(times); i++ {
		gap := times[i+1].Sub(times[i])
		if gap <= 2*d.threshold {
			continue
		}
		severity := SeverityMinor
		if gap > 5*time.Second {
			severity = SeverityCritical
		}
		if g := d.record(newGap(TypeTranscription, times[i], times[i+1], severity, now)); g != nil {
			found = append(found, g)
		}
	}
	return found
}

// ScanInactivity records an ongoing temporal gap when neither timeline has
// advanced for three thresholds.
func (d *Detector) ScanInactivity(lastAudio, lastTranscript, now time.Time) *Gap {
	last := lastAudio
	if lastTranscript.After(last) {
		last = lastTranscript
	}
	if last.IsZero() {
		return nil
	}
	if now.Sub(last) <= 3*d.threshold {
		return nil
	}
	return d.record(newGap(TypeTemporal, last, now, SeverityActive, now))
}

// RecordMissing registers an audio gap for sequence numbers the segment
// buffer reported as missing.
func (d *Detector) RecordMissing(sequences []int, start, end time.Time, now time.Time) *Gap {
	if len(sequences) == 0 {
		return nil
	}
	severity := SeverityMinor
	if end.Sub(start) > 2*time.Second {
		severity = SeverityCritical
	}
	g := newGap(TypeAudio, start, end, severity, now)
	g.Sequences = append([]int(nil), sequences...)
	return d.record(g)
}

// record registers a gap unless a gap of the same type already starts
// within the dedupe window. Resolved gaps count too: the scans revisit
// the whole timeline every tick, and a span already given up on must not
// re-enter the retry cycle as a fresh gap.
func (d *Detector) record(g *Gap) *Gap {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.gaps {
		if existing.Type != g.Type {
			continue
		}
		delta := g.Start.Sub(existing.Start)
		if delta < 0 {
			delta = -delta
		}
		if delta <= dedupeWindow {
			return nil
		}
	}
	d.gaps = append(d.gaps, g)
	return g
}

// Unresolved returns copies of all unresolved gaps.
func (d *Detector) Unresolved() []*Gap {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Gap
	for _, g := range d.gaps {
		if !g.Resolved {
			copied := *g
			out = append(out, &copied)
		}
	}
	return out
}

// All returns copies of every gap recorded this session.
func (d *Detector) All() []*Gap {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Gap, 0, len(d.gaps))
	for _, g := range d.gaps {
		copied := *g
		out = append(out, &copied)
	}
	return out
}

// Resolve marks a gap resolved. recovered=false means "given up on".
func (d *Detector) Resolve(id string, recovered bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, g := range d.gaps {
		if g.ID == id && !g.Resolved {
			g.Resolved = true
			g.Recovered = recovered
			return true
		}
	}
	return false
}

// ResolveSequence resolves any audio gap tracking the given sequence
// number once every sequence in that gap has been recovered.
func (d *Detector) ResolveSequence(seq int, stillMissing func(int) bool) *Gap {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, g := range d.gaps {
		if g.Resolved || g.Type != TypeAudio {
			continue
		}
		if !containsSeq(g.Sequences, seq) {
			continue
		}
		allRecovered := true
		for _, s := range g.Sequences {
			if stillMissing(s) {
				allRecovered = false
				break
			}
		}
		if allRecovered {
			g.Resolved = true
			g.Recovered = true
			copied := *g
			return &copied
		}
		return nil
	}
	return nil
}

// IncrementRetry bumps a gap's retry counter and returns the new value.
func (d *Detector) IncrementRetry(id string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, g := range d.gaps {
		if g.ID == id {
			g.RetryAttempts++
			return g.RetryAttempts, true
		}
	}
	return 0, false
}

// Get returns a copy of the gap with the given id.
func (d *Detector) Get(id string) (*Gap, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, g := range d.gaps {
		if g.ID == id {
			copied := *g
			return &copied, true
		}
	}
	return nil, false
}

// Counts returns (total, resolved, recovered, unresolved, active).
func (d *Detector) Counts() (total, resolved, recovered, unresolved, active int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, g := range d.gaps {
		total++
		switch {
		case g.Resolved && g.Recovered:
			resolved++
			recovered++
		case g.Resolved:
			resolved++
		default:
			unresolved++
			if g.Severity == SeverityActive {
				active++
			}
		}
	}
	return
}

func (d *Detector) estimateDuration(byteSize int) time.Duration {
	bytesPerSecond := d.sampleRate * d.bytesPerSample
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(byteSize) / float64(bytesPerSecond) * float64(time.Second))
}

func containsSeq(seqs []int, seq int) bool {
	for _, s := range seqs {
		if s == seq {
			return true
		}
	}
	return false
}
