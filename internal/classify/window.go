package classify

import "sync"

// DefaultWindowSize is the default bound on retained trailing output.
const DefaultWindowSize = 16 * 1024

// TailWindow retains a bounded trailing window of accumulated worker
// output. Rate-limit and auth-failure messages can be emitted across
// multiple lines or repeated, so classification needs more context than
// the last line, but unbounded accumulation would leak on chatty workers.
//
// TailWindow is safe for concurrent use.
type TailWindow struct {
	mu   sync.Mutex
	max  int
	data []byte
}

// NewTailWindow creates a TailWindow bounded to max bytes.
// A non-positive max falls back to DefaultWindowSize.
func NewTailWindow(max int) *TailWindow {
	if max <= 0 {
		max = DefaultWindowSize
	}
	return &TailWindow{max: max}
}

// Write appends output, discarding the oldest bytes beyond the bound.
func (w *TailWindow) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(p) >= w.max {
		w.data = append(w.data[:0], p[len(p)-w.max:]...)
		return len(p), nil
	}

	w.data = append(w.data, p...)
	if overflow := len(w.data) - w.max; overflow > 0 {
		w.data = w.data[overflow:]
	}
	return len(p), nil
}

// WriteLine appends one line of output plus a newline separator.
func (w *TailWindow) WriteLine(line string) {
	_, _ = w.Write(append([]byte(line), '\n'))
}

// String returns the current window contents.
func (w *TailWindow) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.data)
}

// Len returns the number of retained bytes.
func (w *TailWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// Reset discards all retained output.
func (w *TailWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = w.data[:0]
}
