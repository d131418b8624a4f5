package reconnect

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy builds the backoff schedule for one subscription. The controller
// resets it on every successful connection.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// Exponential waits Initial*2^k before reconnect attempt k+1 and stops
// after MaxRetries attempts; zero or less allows no reconnect at all.
// MaxDelay clamps the delay; zero leaves growth uncapped.
type Exponential struct {
	Initial    time.Duration
	MaxRetries int
	MaxDelay   time.Duration
}

// DefaultExponential is the managed channel policy: 1s initial delay and a
// budget of 5 attempts.
func DefaultExponential() Exponential {
	return Exponential{Initial: time.Second, MaxRetries: 5}
}

func (p Exponential) NewBackOff() backoff.BackOff {
	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Initial),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// Constant retries forever at a fixed interval.
type Constant struct {
	Interval time.Duration
}

// DefaultConstant is the event stream policy: every 3s, without limit.
func DefaultConstant() Constant {
	return Constant{Interval: 3 * time.Second}
}

func (p Constant) NewBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(p.Interval)
}
