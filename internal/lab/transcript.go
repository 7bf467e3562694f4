package lab

import "sync"

// transcriptBound is the number of transcript fragments retained.
const transcriptBound = 10

// TranscriptLog is a bounded, ordered log of transcript fragments. Once full,
// appending drops the oldest fragment. Safe for concurrent use.
type TranscriptLog struct {
	mu    sync.Mutex
	lines []string
}

// NewTranscriptLog creates an empty log.
func NewTranscriptLog() *TranscriptLog {
	return &TranscriptLog{}
}

// Append adds one fragment, evicting the oldest if the bound is exceeded.
func (t *TranscriptLog) Append(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, text)
	if len(t.lines) > transcriptBound {
		t.lines = t.lines[len(t.lines)-transcriptBound:]
	}
}

// Lines returns a copy of the retained fragments, oldest first.
func (t *TranscriptLog) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Clear empties the log.
func (t *TranscriptLog) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = nil
}
