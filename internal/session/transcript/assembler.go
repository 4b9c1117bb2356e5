package transcript

import (
	"strings"
	"sync"
)

// Assembler merges interim and final recognizer results into one cumulative
// transcript. Committed text is append-only: nothing mutates or removes it,
// which is what makes the transcript usable as a live document.
type Assembler struct {
	mu         sync.Mutex
	cumulative string
	pending    string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// AddInterim appends an interim result to the pending text unless the same
// utterance is already present, so repeated polls of the same partial do
// not duplicate it. Reports whether the text was appended.
func (a *Assembler) AddInterim(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current := strings.TrimSpace(a.cumulative + " " + a.pending)
	if strings.Contains(current, text) {
		return false
	}
	if a.pending != "" && strings.Contains(text, a.pending) {
		// A grown partial of the same utterance replaces the previous one.
		a.pending = text
		return true
	}
	a.pending = strings.TrimSpace(a.pending + " " + text)
	return true
}

// AddFinal commits a final result to the cumulative transcript. When the
// final covers the pending interim span, the pending text is cleared;
// otherwise the final is appended directly.
func (a *Assembler) AddFinal(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != "" && (strings.Contains(text, a.pending) || strings.Contains(a.pending, text)) {
		a.pending = ""
	}
	if a.cumulative == "" {
		a.cumulative = text
	} else {
		a.cumulative = a.cumulative + " " + text
	}
	return true
}

// Complete returns cumulative plus pending text, trimmed, for display.
func (a *Assembler) Complete() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(a.cumulative + " " + a.pending)
}

// Cumulative returns only the committed text.
func (a *Assembler) Cumulative() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cumulative
}

// Pending returns the uncommitted interim text.
func (a *Assembler) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Words counts the words committed or pending.
func (a *Assembler) Words() int {
	return len(strings.Fields(a.Complete()))
}
