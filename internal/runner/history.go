package runner

import (
	"strings"
	"sync"
)

// History keeps the most recent output lines of a run under a total byte
// cap. Oldest lines are evicted first.
type History struct {
	mu         sync.Mutex
	lines      []string
	totalBytes int
	capBytes   int
}

func NewHistory(capBytes int) *History {
	return &History{capBytes: capBytes}
}

// AddOutput splits output into lines and adds each non-empty one.
func (h *History) AddOutput(output string) {
	if h == nil || output == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		h.Add(line)
	}
}

// Add appends a line and evicts oldest lines while over the cap.
func (h *History) Add(line string) {
	if h == nil || line == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, line)
	h.totalBytes += len(line)
	for h.totalBytes > h.capBytes && len(h.lines) > 0 {
		h.totalBytes -= len(h.lines[0])
		h.lines = h.lines[1:]
	}
}

// LastN returns a copy of up to n most recent lines.
func (h *History) LastN(n int) []string {
	if h == nil || n <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lines) == 0 {
		return nil
	}
	if n > len(h.lines) {
		n = len(h.lines)
	}
	out := make([]string, n)
	copy(out, h.lines[len(h.lines)-n:])
	return out
}

// All returns a copy of every stored line.
func (h *History) All() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lines) == 0 {
		return nil
	}
	out := make([]string, len(h.lines))
	copy(out, h.lines)
	return out
}
