package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"time"
)

const (
	sweepInterval = time.Minute
	idleEviction  = 24 * time.Hour
)

// AlarmScheduler is the slice of the runtime instance the actor needs to
// self-reschedule its sweep.
type AlarmScheduler interface {
	SetAlarm(at time.Time)
	ClearAlarm()
}

// Actor is a process-local rate-limit cache: sliding windows, token buckets,
// and concurrency locks keyed by caller-chosen strings. State is a resource
// bound, not a source of truth, and is safe to lose entirely on eviction.
// All methods run inside the runtime instance's serialized context.
type Actor struct {
	logger *log.Logger
	alarms AlarmScheduler

	windows map[string]*slidingWindow
	buckets map[string]*tokenBucket
	locks   map[string]int

	now func() time.Time
}

func NewActor(logger *log.Logger, alarms AlarmScheduler) *Actor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &Actor{
		logger:  logger,
		alarms:  alarms,
		windows: make(map[string]*slidingWindow),
		buckets: make(map[string]*tokenBucket),
		locks:   make(map[string]int),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if alarms != nil {
		alarms.SetAlarm(a.now().Add(sweepInterval))
	}
	return a
}

// CheckSlidingWindow admits the request iff fewer than limit requests were
// admitted inside the trailing window.
func (a *Actor) CheckSlidingWindow(key string, limit int, window time.Duration) SlidingWindowResult {
	w, ok := a.windows[key]
	if !ok {
		w = &slidingWindow{}
		a.windows[key] = w
	}
	return w.check(a.now(), limit, window)
}

// CheckTokenBucket lazily refills the bucket, then admits iff enough tokens
// remain.
func (a *Actor) CheckTokenBucket(key string, maxTokens, refillRate, needed float64) TokenBucketResult {
	now := a.now()
	b, ok := a.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: now}
		a.buckets[key] = b
	}
	b.maxTokens = maxTokens
	b.refillRate = refillRate
	return b.check(now, needed)
}

// AcquireLock increments the key's concurrency counter iff below max.
func (a *Actor) AcquireLock(key string, maxConcurrent int) bool {
	if a.locks[key] >= maxConcurrent {
		return false
	}
	a.locks[key]++
	return true
}

// ReleaseLock decrements the counter, dropping the key entirely at zero.
func (a *Actor) ReleaseLock(key string) {
	if count, ok := a.locks[key]; ok {
		if count <= 1 {
			delete(a.locks, key)
		} else {
			a.locks[key] = count - 1
		}
	}
}

// APILimits configures the composite check. Zero values disable a check.
type APILimits struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int

	BucketMaxTokens  float64
	BucketRefillRate float64
	BucketNeeded     float64

	MaxConcurrent int
}

// APICheckResult is the composite outcome. Remaining is the single
// most-restrictive remaining quota across all configured checks, for
// client-facing headers.
type APICheckResult struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CheckAPIRateLimit runs every configured check for one (apiKeyID, endpoint)
// pair and admits only if all pass. Checks that record state (windows,
// buckets) are evaluated unconditionally so their bookkeeping stays
// consistent even when an earlier check already failed. The concurrency slot
// is taken last and only when every prior check passed: a rejected caller
// never calls ReleaseAPISlot, so a slot acquired on its behalf would be held
// forever.
func (a *Actor) CheckAPIRateLimit(apiKeyID, endpoint string, limits APILimits) APICheckResult {
	base := fmt.Sprintf("%s:%s", apiKeyID, endpoint)
	result := APICheckResult{Allowed: true, Remaining: math.MaxInt}

	windows := []struct {
		suffix string
		limit  int
		span   time.Duration
	}{
		{"sec", limits.PerSecond, time.Second},
		{"min", limits.PerMinute, time.Minute},
		{"hour", limits.PerHour, time.Hour},
		{"day", limits.PerDay, 24 * time.Hour},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		r := a.CheckSlidingWindow(base+":"+w.suffix, w.limit, w.span)
		if !r.Allowed {
			result.Allowed = false
		}
		if r.Remaining < result.Remaining {
			result.Remaining = r.Remaining
			result.ResetAt = r.ResetAt
		}
	}

	if limits.BucketMaxTokens > 0 {
		needed := limits.BucketNeeded
		if needed <= 0 {
			needed = 1
		}
		r := a.CheckTokenBucket(base+":bucket", limits.BucketMaxTokens, limits.BucketRefillRate, needed)
		if !r.Allowed {
			result.Allowed = false
			if r.RetryAfter > result.RetryAfter {
				result.RetryAfter = r.RetryAfter
			}
		}
		if remaining := int(r.Remaining); remaining < result.Remaining {
			result.Remaining = remaining
		}
	}

	if limits.MaxConcurrent > 0 && result.Allowed {
		if !a.AcquireLock(base+":conc", limits.MaxConcurrent) {
			result.Allowed = false
		}
	}

	if result.Remaining == math.MaxInt {
		result.Remaining = 0
	}
	return result
}

// ReleaseAPISlot releases the concurrency slot taken by an admitted
// CheckAPIRateLimit call.
func (a *Actor) ReleaseAPISlot(apiKeyID, endpoint string) {
	a.ReleaseLock(fmt.Sprintf("%s:%s:conc", apiKeyID, endpoint))
}

// HandleAlarm sweeps idle state and reschedules itself.
func (a *Actor) HandleAlarm(ctx context.Context) error {
	now := a.now()
	cutoff := now.Add(-idleEviction)
	evicted := 0
	for key, w := range a.windows {
		if w.lastSeen.Before(cutoff) {
			delete(a.windows, key)
			evicted++
		}
	}
	for key, b := range a.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(a.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		a.logger.Printf("ratelimit sweep evicted %d idle keys", evicted)
	}
	if a.alarms != nil {
		a.alarms.SetAlarm(now.Add(sweepInterval))
	}
	return nil
}
