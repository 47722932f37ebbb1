package fetch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is the explicit retry configuration passed into the fetch state
// machine. Retry counts live on the call record, never in closures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// 0 disables retry.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the dashboard defaults: three retries with a
// doubling delay capped at eight seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Factor:     2,
		MaxDelay:   8 * time.Second,
	}
}

// backOff builds the exponential backoff driving one fetch's retries.
func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.Factor > 1 {
		b.Multiplier = p.Factor
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// maxTries converts the retry ceiling into a total attempt count.
func (p RetryPolicy) maxTries() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}
