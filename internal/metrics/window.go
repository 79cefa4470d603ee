package metrics

import "sync"

// DefaultWindowSize is the number of recent calls kept per service.
const DefaultWindowSize = 20

// CallWindow remembers whether each of the last N calls per service ended in
// retry exhaustion.
type CallWindow struct {
	mu      sync.Mutex
	size    int
	windows map[string]*ring
}

type ring struct {
	buf  []bool
	next int
	full bool
}

// NewCallWindow creates a window keeping size outcomes per service.
func NewCallWindow(size int) *CallWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &CallWindow{size: size, windows: make(map[string]*ring)}
}

// Observe records one call outcome for service.
func (w *CallWindow) Observe(service string, exhausted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.windows[service]
	if !ok {
		r = &ring{buf: make([]bool, w.size)}
		w.windows[service] = r
	}
	r.buf[r.next] = exhausted
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// ExhaustionRate returns the share of exhausted calls among the recorded
// ones and how many calls that share is based on.
func (w *CallWindow) ExhaustionRate(service string) (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.windows[service]
	if !ok {
		return 0, 0
	}
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return 0, 0
	}
	exhausted := 0
	for i := 0; i < n; i++ {
		if r.buf[i] {
			exhausted++
		}
	}
	return float64(exhausted) / float64(n), n
}
