package admission

import (
	"sync"
	"time"
)

// slidingWindow counts accepted requests per key over a trailing interval.
// Each accepted request is recorded with its own timestamp and expires
// individually once it falls out of the window, so bursts straddling the
// window boundary are accounted exactly rather than per fixed bucket.
type slidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:    max,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// allow purges expired timestamps for the key, then admits and records the
// request only when the remaining count is under the maximum.
func (w *slidingWindow) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.hits[key]
	// Timestamps are appended in order; find the first one still inside the window.
	idx := 0
	for idx < len(kept) && !kept[idx].After(cutoff) {
		idx++
	}
	kept = kept[idx:]

	if len(kept) >= w.max {
		w.hits[key] = kept
		return false
	}
	w.hits[key] = append(kept, now)
	return true
}
