package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Clock abstracts time so poll loops can be tested without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

// PollPolicy bounds how a step waits on submitted remote work.
// Intervals grow exponentially from InitialInterval up to MaxInterval.
type PollPolicy struct {
	// InitialInterval is the wait after the first submitted attempt.
	InitialInterval time.Duration

	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration

	// Multiplier is the growth factor between consecutive waits.
	Multiplier float64

	// RandomizationFactor adds jitter of ±factor to each wait. Zero disables jitter.
	RandomizationFactor float64

	// MaxAttempts fails the step after this many attempts. Zero means no limit.
	MaxAttempts int

	// MaxElapsed fails the step when polling has lasted this long. Zero means no limit.
	MaxElapsed time.Duration
}

// DefaultPollPolicy returns the policy used when none is configured:
// 2s doubling to a 30s cap, 10% jitter, at most two hours per step.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval:     2 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.1,
		MaxElapsed:          2 * time.Hour,
	}
}

// withDefaults fills unset interval fields from DefaultPollPolicy.
func (p PollPolicy) withDefaults() PollPolicy {
	def := DefaultPollPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

func (p PollPolicy) newBackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()
	return b
}
