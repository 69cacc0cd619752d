package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides how often and how late a failed job runs again. The
// same schedule drives the persisted NextAttemptAt and the queue's retry
// delay.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy returns 8 attempts from 30s doubling up to one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, Base: 30 * time.Second, Max: time.Hour}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max < p.Base {
		p.Max = max(def.Max, p.Base)
	}
	return p
}

// Delay returns the wait before the attempt following attempt number n
// (1-based): Base, 2·Base, 4·Base and so on, capped at Max.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.normalized()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := p.Base
	for i := 0; i < max(n, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether attempts has used up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}
