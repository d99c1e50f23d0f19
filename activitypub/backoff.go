package activitypub

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how failed deliveries are rescheduled.
type RetryPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the delay between attempts.
	Cap time.Duration
	// MaxAttempts is the number of attempts before a job is dead lettered.
	MaxAttempts int
	// MaxAge is the age after which a failing job is dead lettered.
	MaxAge time.Duration

	// jitter returns a value in [0, 1); nil means math/rand.
	jitter func() float64
}

// DefaultRetryPolicy returns a policy that retries for roughly a week.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        30 * time.Second,
		Cap:         6 * time.Hour,
		MaxAttempts: 16,
		MaxAge:      7 * 24 * time.Hour,
	}
}

// ceiling returns the undithered delay after the given number of attempts,
// doubling from Base and never exceeding Cap.
func (p RetryPolicy) ceiling(attempts int) time.Duration {
	d := p.Base
	for i := 1; i < attempts && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Backoff returns the delay before the next attempt, given the number of
// attempts made so far. The delay is drawn from [d/2, d] where d is the
// capped exponential ceiling.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := p.ceiling(attempts)
	jitter := rand.Float64
	if p.jitter != nil {
		jitter = p.jitter
	}
	half := d / 2
	return half + time.Duration(jitter()*float64(d-half))
}

// Exhausted reports whether a job with the given attempts, first enqueued
// at created, must be dead lettered at now.
func (p RetryPolicy) Exhausted(attempts int, created, now time.Time) bool {
	return attempts >= p.MaxAttempts || now.Sub(created) >= p.MaxAge
}
