package backoff

import (
	"context"
	"time"
)

// Calculator binds a Strategy to a fixed set of Params.
type Calculator struct {
	strategy Strategy
	params   Params
}

// NewCalculator returns a Calculator. A nil strategy means Exponential.
func NewCalculator(strategy Strategy, params Params) *Calculator {
	if strategy == nil {
		strategy = Exponential{}
	}
	return &Calculator{strategy: strategy, params: params}
}

// Delay returns the wait before retry number attempt.
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Delay(attempt, c.params)
}

// Delays returns the first n delays, mostly useful for diagnostics.
func (c *Calculator) Delays(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = c.Delay(i)
	}
	return out
}

// Params returns the parameters this calculator was built with.
func (c *Calculator) Params() Params {
	return c.params
}

// Sleep blocks for d or until ctx is done, whichever comes first. It returns
// context.Cause(ctx) when the wait was interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
