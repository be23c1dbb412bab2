package engine

import (
	"math"
	"time"
)

// RetryPolicy decides whether a failed step is retried and how long to wait.
// attempt is the number of attempts already made, starting at 1.
type RetryPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// NoRetry fails fast.
type NoRetry struct{}

// Next implements RetryPolicy.
func (NoRetry) Next(int) (time.Duration, bool) {
	return 0, false
}

// FixedInterval retries after a constant delay.
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
}

// Next implements RetryPolicy.
func (p FixedInterval) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Interval, true
}

// ExponentialBackoff retries with a delay that grows by Factor each attempt
// and never exceeds Max.
type ExponentialBackoff struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// Next implements RetryPolicy.
func (p ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}

	// delay = initial * factor^(attempt-1)
	delay := time.Duration(float64(p.Initial) * math.Pow(factor, float64(attempt-1)))
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay, true
}

// DefaultCloudRetry is used for cloud calls known to be transiently flaky.
func DefaultCloudRetry() RetryPolicy {
	return ExponentialBackoff{
		Initial:     time.Second,
		Factor:      2,
		Max:         30 * time.Second,
		MaxAttempts: 8,
	}
}

// DefaultDatabaseRetry is used for system-of-record writes.
func DefaultDatabaseRetry() RetryPolicy {
	return FixedInterval{
		Interval:    2 * time.Second,
		MaxAttempts: 5,
	}
}
