package enzyme

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/harborgrid-justin/enzyme-sub015/internal/backoff"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

const (
	// ExponentialJitter computes min(MaxDelay, BaseDelay*BackoffFactor^attempt)
	// plus up to Jitter of random spread.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter picks a random delay between BaseDelay and
	// min(MaxDelay, BaseDelay*3^attempt).
	DecorrelatedJitter
	// ConstantBackoff always waits BaseDelay.
	ConstantBackoff
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "exponential_jitter"
	case DecorrelatedJitter:
		return "decorrelated_jitter"
	case ConstantBackoff:
		return "constant"
	default:
		return "unknown"
	}
}

// RetryPolicy controls how failed attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is the fraction of each delay added at random, in [0, 1].
	Jitter float64
	// RetryableStatusCodes lists HTTP statuses worth another attempt.
	RetryableStatusCodes []int
	RetryOnNetworkError  bool
	RetryOnTimeout       bool
	// TimeoutAsNetwork classifies attempt timeouts as network failures.
	TimeoutAsNetwork bool
	// RespectRetryAfter waits at least the server's Retry-After before
	// retrying a 429 or 503.
	RespectRetryAfter bool
	Strategy          BackoffStrategy
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		BackoffFactor:        2,
		Jitter:               0.1,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		RetryOnNetworkError:  true,
		RetryOnTimeout:       true,
		RespectRetryAfter:    true,
		Strategy:             ExponentialJitter,
	}
}

// NoRetry returns a policy that makes a single attempt.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 1
	return p
}

func (p RetryPolicy) clone() RetryPolicy {
	p.RetryableStatusCodes = slices.Clone(p.RetryableStatusCodes)
	return p
}

func (p RetryPolicy) calculator() *backoff.Calculator {
	var strategy backoff.Strategy
	switch p.Strategy {
	case DecorrelatedJitter:
		strategy = backoff.Decorrelated{}
	case ConstantBackoff:
		strategy = backoff.Constant{}
	default:
		strategy = backoff.Exponential{}
	}
	return backoff.NewCalculator(strategy, backoff.Params{
		Base:   p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: p.BackoffFactor,
		Jitter: p.Jitter,
	})
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.calculator().Delay(attempt)
}

// IsStatusRetryable reports whether status is in the allow-list.
func (p RetryPolicy) IsStatusRetryable(status int) bool {
	return slices.Contains(p.RetryableStatusCodes, status)
}

// IsRetryable decides whether a classified failure is worth another attempt.
// The answer depends only on the category, the status and this policy.
func (p RetryPolicy) IsRetryable(category Category, status int) bool {
	switch category {
	case CategoryCancelled:
		return false
	case CategoryNetwork:
		return p.RetryOnNetworkError
	case CategoryTimeout:
		if status == 0 {
			return p.RetryOnTimeout
		}
	}
	return status > 0 && p.IsStatusRetryable(status)
}

// Validate checks the policy for values that would break the retry loop.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: retry max attempts must be at least 1, got %d", ErrInvalidConfiguration, p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("%w: retry base delay cannot be negative", ErrInvalidConfiguration)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: retry max delay %v is below base delay %v", ErrInvalidConfiguration, p.MaxDelay, p.BaseDelay)
	case p.BackoffFactor < 1:
		return fmt.Errorf("%w: backoff factor must be >= 1, got %v", ErrInvalidConfiguration, p.BackoffFactor)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("%w: jitter must be in [0, 1], got %v", ErrInvalidConfiguration, p.Jitter)
	}
	return nil
}

// inherit fills the zero fields of a per-request override from base, so a
// partial policy such as RetryPolicy{MaxAttempts: 5} keeps the client's
// delays and status list. Boolean switches are taken as given.
func (p RetryPolicy) inherit(base RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = base.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = base.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = base.BackoffFactor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = base.Jitter
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = slices.Clone(base.RetryableStatusCodes)
	}
	return p
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "PUT", "DELETE", "OPTIONS":
		return true
	default:
		return false
	}
}

// RetryBudget caps the number of retries a client may spend per window,
// across all requests.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a retry budget of maxRetries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow consumes one retry if the budget still has room.
func (rb *RetryBudget) Allow() bool {
	if rb == nil {
		return true
	}
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns the retries spent in the current window and the cap.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
