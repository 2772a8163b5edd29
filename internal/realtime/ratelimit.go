package realtime

import (
	"sync"
	"time"
)

// slidingWindow counts message arrivals inside a rolling window. Not a
// token bucket: clients are allowed at most N messages per window, so we
// keep the actual arrival times.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// Allow records an arrival at now and reports whether it fits.
func (s *slidingWindow) Allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	keep := s.hits[:0]
	for _, t := range s.hits {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	s.hits = keep

	if len(s.hits) >= s.limit {
		return false
	}
	s.hits = append(s.hits, now)
	return true
}
