package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HintSource identifies which rate-limit hint produced an availability time.
type HintSource uint8

const (
	HintDefault HintSource = iota
	HintRetryAfter
	HintResendAvailableAt
	HintRemainingSeconds
	HintRetryAfterHeader
)

// Hints are the three rate-limit timing shapes a 429 body may carry.
// RetryAfter and ResendAvailableAt are absolute epoch seconds;
// RemainingSeconds is relative to the time the response was received.
type Hints struct {
	RetryAfter        *int64 `json:"retry_after,omitempty"`
	ResendAvailableAt *int64 `json:"resend_available_at,omitempty"`
	RemainingSeconds  *int64 `json:"remaining_seconds,omitempty"`
}

// AvailableAt resolves the hints into one absolute epoch second. The
// precedence is retry_after, then resend_available_at, then
// remaining_seconds, then the fallback cooldown counted from now.
func (h Hints) AvailableAt(now time.Time, fallback time.Duration) (int64, HintSource) {
	switch {
	case h.RetryAfter != nil && *h.RetryAfter > 0:
		return *h.RetryAfter, HintRetryAfter
	case h.ResendAvailableAt != nil && *h.ResendAvailableAt > 0:
		return *h.ResendAvailableAt, HintResendAvailableAt
	case h.RemainingSeconds != nil && *h.RemainingSeconds >= 0:
		return now.Unix() + *h.RemainingSeconds, HintRemainingSeconds
	}
	return now.Add(fallback).Unix(), HintDefault
}

// resolveRateLimit applies the body hints and, when none is present, the
// standard Retry-After header before the fallback.
func resolveRateLimit(h Hints, header http.Header, now time.Time, fallback time.Duration) (int64, HintSource) {
	at, src := h.AvailableAt(now, fallback)
	if src != HintDefault {
		return at, src
	}
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			return now.Unix() + secs, HintRetryAfterHeader
		}
		if t, err := http.ParseTime(v); err == nil {
			return t.Unix(), HintRetryAfterHeader
		}
	}
	return at, src
}
