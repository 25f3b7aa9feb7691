package backoff

import (
	"math/rand"
	"time"
)

// Params holds the inputs shared by every backoff strategy.
type Params struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor is the exponential growth factor applied per attempt.
	Factor float64
	// Jitter is the fraction of the computed delay that may be added at random.
	// Values outside [0, 1] are clamped.
	Jitter float64
}

// Strategy computes the delay to wait before retry number attempt (0-based).
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential grows the delay as Base*Factor^attempt, caps it at Max and
// then adds up to Jitter*delay of random spread, never exceeding Max.
// With Jitter == 0 the sequence is deterministic and non-decreasing.
type Exponential struct{}

// Delay implements Strategy.
func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^30 already overflows any sane Max.
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(p.Base) * Pow(p.Factor, attempt))
	if d < 0 || d > p.Max {
		d = p.Max
	}

	if j := clampJitter(p.Jitter); j > 0 {
		extra := time.Duration(float64(d) * j * rand.Float64())
		if d+extra > p.Max {
			return p.Max
		}
		d += extra
	}
	return d
}

// Decorrelated picks a random delay in [Base, min(Max, Base*3^attempt)].
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type Decorrelated struct{}

// Delay implements Strategy.
func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Base
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Base)
	upper := base * Pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > p.Max {
		d = p.Max
	}
	return d
}

// Constant always waits Base.
type Constant struct{}

// Delay implements Strategy.
func (Constant) Delay(_ int, p Params) time.Duration {
	if p.Max > 0 && p.Base > p.Max {
		return p.Max
	}
	return p.Base
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow computes base^exponent for a non-negative integer exponent.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
