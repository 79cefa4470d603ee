// Package ratelimit provides sliding-window request budgets.
//
// A Limiter gates outbound calls per inference service; an IngressLimiter
// gates inbound HTTP requests per client and endpoint. Both count hits in a
// Backend, which is either process-local memory or redis.
package ratelimit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Decision is the outcome of one acquisition.
type Decision struct {
	Allowed bool
	// Count is the number of hits inside the window after the decision.
	Count int
	// Oldest is the timestamp of the oldest hit still inside the window.
	Oldest time.Time
}

// Backend stores hit timestamps per key. Acquire must check and record as a
// single atomic step.
type Backend interface {
	Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
}

// MemoryBackend keeps hits in process memory.
type MemoryBackend struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{hits: make(map[string][]time.Time)}
}

// Acquire records a hit for key when fewer than limit hits fall inside the
// window ending at now.
func (m *MemoryBackend) Acquire(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := prune(m.hits[key], now.Add(-window))
	allowed := len(hits) < limit
	if allowed {
		hits = insertSorted(hits, now)
	}
	if len(hits) == 0 {
		delete(m.hits, key)
		return Decision{Allowed: allowed, Oldest: now}, nil
	}
	m.hits[key] = hits
	return Decision{Allowed: allowed, Count: len(hits), Oldest: hits[0]}, nil
}

// Count returns the hits for key inside the window ending at now.
func (m *MemoryBackend) Count(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := prune(m.hits[key], now.Add(-window))
	if len(hits) == 0 {
		delete(m.hits, key)
		return 0, nil
	}
	m.hits[key] = hits
	return len(hits), nil
}

// Sweep drops keys whose hits have all left the window.
func (m *MemoryBackend) Sweep(window time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, hits := range m.hits {
		if len(prune(hits, now.Add(-window))) == 0 {
			delete(m.hits, key)
			removed++
		}
	}
	return removed
}

// insertSorted adds t keeping hits ascending. Callers read their clock
// before taking the lock, so a later timestamp can arrive first.
func insertSorted(hits []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(hits), func(i int) bool { return hits[i].After(t) })
	return slices.Insert(hits, i, t)
}

// prune drops hits at or before cutoff. hits is sorted ascending.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(hits), func(i int) bool { return hits[i].After(cutoff) })
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
