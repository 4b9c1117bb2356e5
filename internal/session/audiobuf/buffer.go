package audiobuf

import (
	"hash/crc32"
	"sort"
	"sync"
	"time"
)

// Segment is one captured audio chunk keyed by its capture sequence number.
// Immutable once acknowledged except for the Acknowledged flag.
type Segment struct {
	ID           string
	Sequence     int
	Timestamp    time.Time
	ByteSize     int
	Checksum     uint32
	PCM          []byte
	Processed    bool
	Acknowledged bool
}

// Checksum computes the integrity checksum used for Segment.Checksum.
func Checksum(pcm []byte) uint32 {
	return crc32.ChecksumIEEE(pcm)
}

// Buffer stores segments by sequence number and detects interior holes in
// the sequence. Detection is idempotent: a hole is reported exactly once,
// and re-ingesting a previously missing sequence clears it.
type Buffer struct {
	mu       sync.Mutex
	segments map[int]*Segment
	missing  map[int]bool
	minSeq   int
	maxSeq   int
	seen     bool

	window    time.Duration
	recovered int
	clock     func() time.Time
}

func New(window time.Duration) *Buffer {
	return &Buffer{
		segments: make(map[int]*Segment),
		missing:  make(map[int]bool),
		window:   window,
		clock:    time.Now,
	}
}

// Ingest stores a segment and returns the sequence numbers newly detected
// as missing. PCM of segments older than the overlap window is released;
// sequencing metadata is kept so nothing drops out of the accounting.
func (b *Buffer) Ingest(seg Segment) []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.missing[seg.Sequence] {
		delete(b.missing, seg.Sequence)
		b.recovered++
	}

	stored := seg
	b.segments[seg.Sequence] = &stored

	if !b.seen {
		b.minSeq, b.maxSeq = seg.Sequence, seg.Sequence
		b.seen = true
	} else {
		if seg.Sequence < b.minSeq {
			b.minSeq = seg.Sequence
		}
		if seg.Sequence > b.maxSeq {
			b.maxSeq = seg.Sequence
		}
	}

	var newly []int
	for s := b.minSeq + 1; s < b.maxSeq; s++ {
		if b.segments[s] == nil && !b.missing[s] {
			b.missing[s] = true
			newly = append(newly, s)
		}
	}

	b.evictLocked()
	return newly
}

// evictLocked releases audio bytes outside the overlap window.
func (b *Buffer) evictLocked() {
	cutoff := b.clock().Add(-b.window)
	for _, seg := range b.segments {
		if seg.PCM != nil && seg.Timestamp.Before(cutoff) {
			seg.PCM = nil
		}
	}
}

// MissingSequences returns the sorted sequence numbers strictly between the
// lowest and highest received that have not been seen.
func (b *Buffer) MissingSequences() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, 0, len(b.missing))
	for s := range b.missing {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Acknowledge marks a segment as acknowledged by the transport.
func (b *Buffer) Acknowledge(seq int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	seg, ok := b.segments[seq]
	if !ok {
		return false
	}
	seg.Acknowledged = true
	return true
}

// Timeline returns (timestamp, byteSize) pairs for all stored segments in
// timestamp order, for gap scanning.
func (b *Buffer) Timeline() []TimedSize {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]TimedSize, 0, len(b.segments))
	for _, seg := range b.segments {
		out = append(out, TimedSize{Timestamp: seg.Timestamp, ByteSize: seg.ByteSize})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// TimedSize is one audio timeline point.
type TimedSize struct {
	Timestamp time.Time
	ByteSize  int
}

// Window returns the segments whose audio bytes are still held, most
// recent overlap window only.
func (b *Buffer) Window() []Segment {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Segment
	for _, seg := range b.segments {
		if seg.PCM != nil {
			out = append(out, *seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Count returns the number of stored segments.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}

// HighestSequence returns the highest sequence number seen, or -1 when
// nothing has been ingested.
func (b *Buffer) HighestSequence() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seen {
		return -1
	}
	return b.maxSeq
}

// LastTimestamp returns the timestamp of the most recent segment.
func (b *Buffer) LastTimestamp() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	var last time.Time
	for _, seg := range b.segments {
		if seg.Timestamp.After(last) {
			last = seg.Timestamp
		}
	}
	return last
}

// Recovered returns how many previously missing sequences were filled.
func (b *Buffer) Recovered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recovered
}
