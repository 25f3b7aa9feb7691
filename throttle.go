package enzyme

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle smooths the client's overall request rate with a token bucket. It
// applies to every network attempt regardless of endpoint key, underneath
// the per-endpoint RateLimiter.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows rps requests per second with bursts of up to burst.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}

// Allow takes a token without waiting and reports whether one was available.
func (t *Throttle) Allow() bool {
	if t == nil {
		return true
	}
	return t.limiter.Allow()
}

// Tokens returns the number of tokens currently available.
func (t *Throttle) Tokens() float64 {
	if t == nil {
		return 0
	}
	return t.limiter.Tokens()
}
