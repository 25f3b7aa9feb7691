package enzyme

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names consumed for server rate-limit bookkeeping.
const (
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

const (
	// Reset values above this are Unix milliseconds.
	unixMillisThreshold = 1e12
	// Reset values at or above this (and not ms) are Unix seconds; smaller
	// values are a delta in seconds.
	unixSecondsThreshold = 1e9

	maxRetryAfter = time.Hour
)

// ParseRetryAfter parses a Retry-After value given either as delay-seconds or
// as an HTTP date. It returns 0 when the value is empty, malformed or already
// in the past. The result is capped at one hour.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0
		}
		return capRetryAfter(time.Duration(secs * float64(time.Second)))
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return capRetryAfter(d)
		}
	}
	return 0
}

func capRetryAfter(d time.Duration) time.Duration {
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// ParseRateLimitReset converts an X-RateLimit-Reset value to an absolute time.
// Values above 1e12 are Unix milliseconds, values from 1e9 are Unix seconds,
// and anything smaller is seconds from now.
func ParseRateLimitReset(value string, now time.Time) (time.Time, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}

	switch {
	case v > unixMillisThreshold:
		return time.UnixMilli(int64(v)), true
	case v >= unixSecondsThreshold:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	default:
		return now.Add(time.Duration(v * float64(time.Second))), true
	}
}

// ServerLimitInfo is what a response advertised about the server's limit.
type ServerLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Present reports whether any rate-limit header was found.
	Present bool
}

// ParseRateLimitHeaders extracts the x-ratelimit-* headers from h.
func ParseRateLimitHeaders(h http.Header, now time.Time) ServerLimitInfo {
	info := ServerLimitInfo{Limit: -1, Remaining: -1}

	if v := h.Get(HeaderRateLimitLimit); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			info.Limit = n
			info.Present = true
		}
	}
	if v := h.Get(HeaderRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			info.Remaining = n
			info.Present = true
		}
	}
	if v := h.Get(HeaderRateLimitReset); v != "" {
		if t, ok := ParseRateLimitReset(v, now); ok {
			info.ResetAt = t
			info.Present = true
		}
	}
	return info
}

// retryAfterFromBody reads retryAfter / retry_after (seconds) from a JSON
// error body.
func retryAfterFromBody(body []byte) time.Duration {
	if len(body) == 0 {
		return 0
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	for _, k := range []string{"retryAfter", "retry_after"} {
		switch v := payload[k].(type) {
		case float64:
			if v > 0 {
				return capRetryAfter(time.Duration(v * float64(time.Second)))
			}
		case string:
			if d := ParseRetryAfter(v, time.Now()); d > 0 {
				return d
			}
		}
	}
	return 0
}
