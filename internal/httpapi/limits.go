package httpapi

import (
	"context"
	"net/http"
	"time"

	"engagestack.local/engage-core/internal/ratelimit"
)

// Limit checks run inside the scope actor's turn like every other call, so
// concurrent checks against one scope serialize and counts stay exact.

type rateLimitCheckBody struct {
	Scope         string `json:"scope,omitempty"`
	Key           string `json:"key"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
}

type rateLimitCheckResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func (s *server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var body rateLimitCheckBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	inst, actor, err := s.rateLimitInstance(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var result ratelimit.SlidingWindowResult
	err = inst.Do(r.Context(), func(context.Context) error {
		result = actor.CheckSlidingWindow(body.Key, body.Limit, time.Duration(body.WindowSeconds)*time.Second)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitCheckResponse{
		Allowed:   result.Allowed,
		Remaining: result.Remaining,
		ResetAt:   result.ResetAt,
	})
}

type tokenBucketCheckBody struct {
	Scope      string  `json:"scope,omitempty"`
	Key        string  `json:"key"`
	MaxTokens  float64 `json:"max_tokens"`
	RefillRate float64 `json:"refill_rate"`
	Needed     float64 `json:"needed"`
}

type tokenBucketCheckResponse struct {
	Allowed           bool    `json:"allowed"`
	Remaining         float64 `json:"remaining"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

func (s *server) handleTokenBucketCheck(w http.ResponseWriter, r *http.Request) {
	var body tokenBucketCheckBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	inst, actor, err := s.rateLimitInstance(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var result ratelimit.TokenBucketResult
	err = inst.Do(r.Context(), func(context.Context) error {
		result = actor.CheckTokenBucket(body.Key, body.MaxTokens, body.RefillRate, body.Needed)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenBucketCheckResponse{
		Allowed:           result.Allowed,
		Remaining:         result.Remaining,
		RetryAfterSeconds: result.RetryAfter.Seconds(),
	})
}

type lockBody struct {
	Scope         string `json:"scope,omitempty"`
	Key           string `json:"key"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

func (s *server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	inst, actor, err := s.rateLimitInstance(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var acquired bool
	err = inst.Do(r.Context(), func(context.Context) error {
		acquired = actor.AcquireLock(body.Key, body.MaxConcurrent)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acquired": acquired})
}

func (s *server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	inst, actor, err := s.rateLimitInstance(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	err = inst.Do(r.Context(), func(context.Context) error {
		actor.ReleaseLock(body.Key)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type apiRateLimitBody struct {
	Scope    string `json:"scope,omitempty"`
	APIKeyID string `json:"api_key_id"`
	Endpoint string `json:"endpoint"`

	PerSecond int `json:"per_second,omitempty"`
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`

	BucketMaxTokens  float64 `json:"bucket_max_tokens,omitempty"`
	BucketRefillRate float64 `json:"bucket_refill_rate,omitempty"`
	BucketNeeded     float64 `json:"bucket_needed,omitempty"`

	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

type apiRateLimitResponse struct {
	Allowed           bool      `json:"allowed"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
	RetryAfterSeconds float64   `json:"retry_after_seconds,omitempty"`
}

func (s *server) handleAPIRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var body apiRateLimitBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	inst, actor, err := s.rateLimitInstance(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limits := ratelimit.APILimits{
		PerSecond:        body.PerSecond,
		PerMinute:        body.PerMinute,
		PerHour:          body.PerHour,
		PerDay:           body.PerDay,
		BucketMaxTokens:  body.BucketMaxTokens,
		BucketRefillRate: body.BucketRefillRate,
		BucketNeeded:     body.BucketNeeded,
		MaxConcurrent:    body.MaxConcurrent,
	}
	var result ratelimit.APICheckResult
	err = inst.Do(r.Context(), func(context.Context) error {
		result = actor.CheckAPIRateLimit(body.APIKeyID, body.Endpoint, limits)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiRateLimitResponse{
		Allowed:           result.Allowed,
		Remaining:         result.Remaining,
		ResetAt:           result.ResetAt,
		RetryAfterSeconds: result.RetryAfter.Seconds(),
	})
}

func (s *server) handleAPIRateLimitRelease(w http.ResponseWriter, r *http.Request) {
	var body apiRateLimitBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	inst, actor, err := s.rateLimitInstance(body.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	err = inst.Do(r.Context(), func(context.Context) error {
		actor.ReleaseAPISlot(body.APIKeyID, body.Endpoint)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
