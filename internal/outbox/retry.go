package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds automatic retries of retryable push failures.
type RetryPolicy struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initialDelay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" json:"maxDelay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" json:"multiplier" yaml:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"maxAttempts" yaml:"max_attempts"`

	// Jitter is the randomization factor in [0,1). Zero gives exact delays.
	Jitter float64 `mapstructure:"jitter" json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns 1s doubling up to 5m, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based). The result never exceeds MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backOff()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether retryCount failures use up the attempt budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}

// Next computes the persisted failure state after one more retryable failure.
func (p RetryPolicy) Next(e Entry, msg string, now time.Time) Failure {
	count := e.RetryCount + 1
	f := Failure{Message: msg, At: now, RetryCount: count}
	if p.Exhausted(count) {
		f.Terminal = true
		return f
	}
	next := now.Add(p.Delay(count))
	f.NextAttemptAt = &next
	return f
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	return b
}
