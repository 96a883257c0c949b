package sampler

import (
	"sync"

	"codeberg.org/mutker/hostmon/internal/metrics"
)

// Ring keeps the most recent raw samples within a fixed time span. It is
// safe for concurrent use.
type Ring struct {
	mu       sync.RWMutex
	spanMs   int64
	capacity int
	buf      []metrics.RawSample
	start    int
	size     int
}

// NewRing returns a ring holding at most capacity samples no older than
// spanMs relative to the newest one.
func NewRing(spanMs int64, capacity int) *Ring {
	capacity = max(1, capacity)
	return &Ring{
		spanMs:   spanMs,
		capacity: capacity,
		buf:      make([]metrics.RawSample, capacity),
	}
}

// Push appends s, evicting the oldest sample when full and any sample older
// than the span.
func (r *Ring) Push(s metrics.RawSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity {
		r.start = (r.start + 1) % r.capacity
		r.size--
	}
	r.buf[(r.start+r.size)%r.capacity] = s
	r.size++

	cutoff := s.TimeMs - r.spanMs
	for r.size > 0 && r.buf[r.start].TimeMs < cutoff {
		r.buf[r.start] = metrics.RawSample{}
		r.start = (r.start + 1) % r.capacity
		r.size--
	}
}

// Snapshot returns the buffered samples, oldest first.
func (r *Ring) Snapshot() []metrics.RawSample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]metrics.RawSample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%r.capacity]
	}
	return out
}

// Since returns the buffered samples with TimeMs >= fromMs, oldest first.
func (r *Ring) Since(fromMs int64) []metrics.RawSample {
	all := r.Snapshot()
	for i, s := range all {
		if s.TimeMs >= fromMs {
			return all[i:]
		}
	}
	return all[:0]
}

// Latest returns the newest buffered sample.
func (r *Ring) Latest() (metrics.RawSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return metrics.RawSample{}, false
	}
	return r.buf[(r.start+r.size-1)%r.capacity], true
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
