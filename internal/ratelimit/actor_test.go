package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeAlarms struct {
	setAt   []time.Time
	cleared int
}

func (f *fakeAlarms) SetAlarm(at time.Time) { f.setAt = append(f.setAt, at) }
func (f *fakeAlarms) ClearAlarm()           { f.cleared++ }

func newTestActor(start time.Time) (*Actor, *time.Time) {
	now := start
	actor := NewActor(nil, nil)
	actor.now = func() time.Time { return now }
	return actor, &now
}

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	actor, now := newTestActor(time.Unix(1000, 0))
	const limit = 3
	window := time.Second

	for i := 0; i < limit; i++ {
		r := actor.CheckSlidingWindow("k", limit, window)
		if !r.Allowed {
			t.Fatalf("request %d rejected inside limit", i+1)
		}
		if want := limit - i - 1; r.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i+1, r.Remaining, want)
		}
	}

	r := actor.CheckSlidingWindow("k", limit, window)
	if r.Allowed {
		t.Fatal("4th request inside window admitted")
	}
	if r.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", r.Remaining)
	}
	if !r.ResetAt.Equal(now.Add(window)) {
		t.Fatalf("reset at %v, want %v", r.ResetAt, now.Add(window))
	}

	*now = now.Add(window + time.Millisecond)
	if r := actor.CheckSlidingWindow("k", limit, window); !r.Allowed {
		t.Fatal("request after window elapsed rejected")
	}
}

func TestTokenBucketCapsAndRetryAfter(t *testing.T) {
	actor, now := newTestActor(time.Unix(1000, 0))

	// Fresh bucket starts full.
	r := actor.CheckTokenBucket("k", 10, 1, 8)
	if !r.Allowed || r.Remaining != 2 {
		t.Fatalf("expected admitted with 2 remaining, got %+v", r)
	}

	// A long idle period must not overfill past maxTokens.
	*now = now.Add(time.Hour)
	r = actor.CheckTokenBucket("k", 10, 1, 10)
	if !r.Allowed || r.Remaining != 0 {
		t.Fatalf("expected full bucket drained to 0, got %+v", r)
	}

	// Insufficient tokens: rejected with positive retry-after.
	r = actor.CheckTokenBucket("k", 10, 1, 5)
	if r.Allowed {
		t.Fatal("empty bucket admitted a request")
	}
	if r.RetryAfter <= 0 {
		t.Fatalf("retry-after not positive: %v", r.RetryAfter)
	}
	if want := 5 * time.Second; r.RetryAfter != want {
		t.Fatalf("retry-after = %v, want %v", r.RetryAfter, want)
	}
}

func TestConcurrencyLock(t *testing.T) {
	actor, _ := newTestActor(time.Unix(1000, 0))

	if !actor.AcquireLock("k", 2) || !actor.AcquireLock("k", 2) {
		t.Fatal("acquire below max rejected")
	}
	if actor.AcquireLock("k", 2) {
		t.Fatal("acquire at max admitted")
	}
	actor.ReleaseLock("k")
	if !actor.AcquireLock("k", 2) {
		t.Fatal("acquire after release rejected")
	}

	actor.ReleaseLock("k")
	actor.ReleaseLock("k")
	if _, ok := actor.locks["k"]; ok {
		t.Fatal("key not removed at zero holders")
	}
}

func TestCompositeRequiresEveryCheck(t *testing.T) {
	actor, _ := newTestActor(time.Unix(1000, 0))
	limits := APILimits{PerSecond: 2, MaxConcurrent: 1}

	first := actor.CheckAPIRateLimit("key_1", "/v1/send", limits)
	if !first.Allowed {
		t.Fatalf("first request rejected: %+v", first)
	}

	// Per-second quota remains, but the single concurrency slot is held.
	second := actor.CheckAPIRateLimit("key_1", "/v1/send", limits)
	if second.Allowed {
		t.Fatal("second concurrent request admitted despite held slot")
	}

	actor.ReleaseAPISlot("key_1", "/v1/send")
	third := actor.CheckAPIRateLimit("key_1", "/v1/send", limits)
	if third.Allowed {
		t.Fatal("third request admitted; per-second window should now be exhausted")
	}
}

func TestCompositeRejectionHoldsNoConcurrencySlot(t *testing.T) {
	actor, now := newTestActor(time.Unix(1000, 0))
	limits := APILimits{PerSecond: 1, MaxConcurrent: 2}

	if r := actor.CheckAPIRateLimit("key_1", "/v1/send", limits); !r.Allowed {
		t.Fatalf("first request rejected: %+v", r)
	}
	actor.ReleaseAPISlot("key_1", "/v1/send")

	// Two same-second rejections. Neither caller releases a slot.
	for i := 0; i < 2; i++ {
		if r := actor.CheckAPIRateLimit("key_1", "/v1/send", limits); r.Allowed {
			t.Fatalf("request %d admitted past the per-second limit", i+2)
		}
	}
	if held := actor.locks["key_1:/v1/send:conc"]; held != 0 {
		t.Fatalf("rejected callers hold %d concurrency slots", held)
	}

	// Once the window resets the slots must all be free again.
	*now = now.Add(2 * time.Second)
	if r := actor.CheckAPIRateLimit("key_1", "/v1/send", limits); !r.Allowed {
		t.Fatalf("request after window reset rejected: %+v", r)
	}
}

func TestCompositeSurfacesMostRestrictiveRemaining(t *testing.T) {
	actor, _ := newTestActor(time.Unix(1000, 0))
	limits := APILimits{PerSecond: 10, PerMinute: 3}

	r := actor.CheckAPIRateLimit("key_1", "/v1/send", limits)
	if !r.Allowed {
		t.Fatalf("request rejected: %+v", r)
	}
	if r.Remaining != 2 {
		t.Fatalf("remaining = %d, want 2 (per-minute is tighter)", r.Remaining)
	}
}

func TestSweepEvictsIdleKeysAndReschedules(t *testing.T) {
	alarms := &fakeAlarms{}
	start := time.Unix(1000, 0)
	now := start
	actor := NewActor(nil, alarms)
	actor.now = func() time.Time { return now }

	if len(alarms.setAt) != 1 {
		t.Fatalf("expected initial sweep scheduled, got %d alarms", len(alarms.setAt))
	}

	actor.CheckSlidingWindow("stale", 5, time.Second)
	actor.CheckTokenBucket("stale", 10, 1, 1)

	now = start.Add(idleEviction + time.Hour)
	actor.CheckSlidingWindow("fresh", 5, time.Second)

	if err := actor.HandleAlarm(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, ok := actor.windows["stale"]; ok {
		t.Fatal("stale window survived sweep")
	}
	if _, ok := actor.buckets["stale"]; ok {
		t.Fatal("stale bucket survived sweep")
	}
	if _, ok := actor.windows["fresh"]; !ok {
		t.Fatal("fresh window evicted")
	}
	if len(alarms.setAt) != 2 {
		t.Fatalf("sweep did not reschedule itself: %d alarms", len(alarms.setAt))
	}
	if want := now.Add(sweepInterval); !alarms.setAt[1].Equal(want) {
		t.Fatalf("next sweep at %v, want %v", alarms.setAt[1], want)
	}
}
