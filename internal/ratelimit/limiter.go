package ratelimit

import (
	"time"
)

// slidingWindow keeps the admitted-request timestamps inside the window for
// one key.
type slidingWindow struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// SlidingWindowResult reports the outcome of one sliding-window check.
type SlidingWindowResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

func (w *slidingWindow) check(now time.Time, limit int, window time.Duration) SlidingWindowResult {
	cutoff := now.Add(-window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept
	w.lastSeen = now

	result := SlidingWindowResult{ResetAt: now.Add(window)}
	if len(w.timestamps) > 0 {
		result.ResetAt = w.timestamps[0].Add(window)
	}
	if len(w.timestamps) < limit {
		w.timestamps = append(w.timestamps, now)
		result.Allowed = true
	}
	result.Remaining = limit - len(w.timestamps)
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result
}

// tokenBucket refills lazily on each check, proportional to elapsed time.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastSeen   time.Time
}

// TokenBucketResult reports the outcome of one token-bucket check.
type TokenBucketResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

func (b *tokenBucket) check(now time.Time, needed float64) TokenBucketResult {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}
	b.lastSeen = now

	if b.tokens >= needed {
		b.tokens -= needed
		return TokenBucketResult{Allowed: true, Remaining: b.tokens}
	}

	result := TokenBucketResult{Remaining: b.tokens}
	if b.refillRate > 0 {
		deficit := needed - b.tokens
		result.RetryAfter = time.Duration(deficit / b.refillRate * float64(time.Second))
	}
	return result
}
