package state

import "time"

// Outcome is one success/failure event fed to the error window.
type Outcome struct {
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
	Source  string    `json:"source,omitempty"`
}

// WindowStats summarizes the error window.
type WindowStats struct {
	Capacity int     `json:"capacity"`
	Samples  int     `json:"samples"`
	Failures int     `json:"failures"`
	Ratio    float64 `json:"failure_ratio"`
}

// ErrorWindow is a fixed-capacity ring of recent outcomes. The failure
// ratio is failures over capacity, so a partially filled window never
// reports a higher ratio than the same failures in a full one.
type ErrorWindow struct {
	buf      []Outcome
	next     int
	filled   bool
	failures int
}

// NewErrorWindow returns an empty window holding capacity outcomes.
func NewErrorWindow(capacity int) *ErrorWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &ErrorWindow{buf: make([]Outcome, capacity)}
}

// Add appends o, evicting the oldest outcome when full.
func (w *ErrorWindow) Add(o Outcome) {
	if w.filled && !w.buf[w.next].Success {
		w.failures--
	}
	w.buf[w.next] = o
	if !o.Success {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.filled = true
	}
}

// Len returns the number of outcomes held.
func (w *ErrorWindow) Len() int {
	if w.filled {
		return len(w.buf)
	}
	return w.next
}

// Stats returns the window summary.
func (w *ErrorWindow) Stats() WindowStats {
	return WindowStats{
		Capacity: len(w.buf),
		Samples:  w.Len(),
		Failures: w.failures,
		Ratio:    float64(w.failures) / float64(len(w.buf)),
	}
}

// Outcomes returns the held outcomes oldest first.
func (w *ErrorWindow) Outcomes() []Outcome {
	n := w.Len()
	out := make([]Outcome, 0, n)
	start := 0
	if w.filled {
		start = w.next
	}
	for i := 0; i < n; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

// Reset empties the window, optionally resizing it.
func (w *ErrorWindow) Reset(capacity int) {
	if capacity < 1 {
		capacity = len(w.buf)
	}
	*w = ErrorWindow{buf: make([]Outcome, capacity)}
}
