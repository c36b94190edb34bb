// Package ratelimit implements the per-caller sliding-window limiter
// described in spec.md §4.C: separate trade and read buckets, each
// keyed by caller identity, with independent limits and windows.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket tracks one caller's recent hits in a single sliding window.
type Bucket struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewBucket builds a bucket allowing limit hits per window, per caller.
func NewBucket(limit int, window time.Duration) *Bucket {
	return &Bucket{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether caller may proceed now, and if so records the hit.
// Every call takes the lock, prunes hits older than the window, and
// checks the remaining count against the limit.
func (b *Bucket) Allow(caller string) bool {
	now := time.Now()
	cutoff := now.Add(-b.window)

	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.hits[caller]
	pruned := pruneBefore(existing, cutoff)
	if len(pruned) >= b.limit {
		b.hits[caller] = pruned
		return false
	}
	b.hits[caller] = append(pruned, now)
	return true
}

// Remaining reports how many more calls caller may make in the current
// window without recording a hit.
func (b *Bucket) Remaining(caller string) int {
	cutoff := time.Now().Add(-b.window)

	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := pruneBefore(b.hits[caller], cutoff)
	b.hits[caller] = pruned
	remaining := b.limit - len(pruned)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleanup drops callers with no hits inside the window, bounding memory
// for a relay that has seen many distinct agent names over its lifetime.
func (b *Bucket) Cleanup() {
	cutoff := time.Now().Add(-b.window)

	b.mu.Lock()
	defer b.mu.Unlock()

	for caller, hits := range b.hits {
		pruned := pruneBefore(hits, cutoff)
		if len(pruned) == 0 {
			delete(b.hits, caller)
		} else {
			b.hits[caller] = pruned
		}
	}
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	return kept
}

// Limiter bundles the two buckets spec.md §4.C requires: one for
// capital-moving trade actions, one for everything else.
type Limiter struct {
	Trade *Bucket
	Read  *Bucket
}

func New(tradeLimit int, tradeWindow time.Duration, readLimit int, readWindow time.Duration) *Limiter {
	return &Limiter{
		Trade: NewBucket(tradeLimit, tradeWindow),
		Read:  NewBucket(readLimit, readWindow),
	}
}

// RunCleanup starts a background goroutine that periodically prunes both
// buckets until ctx-like stop channel closes.
func (l *Limiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Trade.Cleanup()
				l.Read.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
