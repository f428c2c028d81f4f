// Package retry wraps transient storage and backend calls in exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/config"
)

// Policy defines retry behavior for remote operations.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Timeout bounds every single attempt so no call blocks indefinitely.
	Timeout time.Duration
}

// DefaultPolicy returns sensible retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Timeout:      60 * time.Second,
	}
}

// FromConfig converts the YAML retry section into a Policy.
func FromConfig(c config.Retry) Policy {
	p := DefaultPolicy()
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.Timeout > 0 {
		p.Timeout = c.Timeout
	}
	return p
}

// NoRetry is a policy that runs an operation exactly once.
func NoRetry() Policy {
	p := DefaultPolicy()
	p.MaxRetries = 0
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	n := p.MaxRetries
	if n < 0 {
		n = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(n)), ctx)
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, or the retry budget
// is exhausted. Each attempt gets its own timeout-bound context. The last error
// is returned unwrapped from any permanent marker.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		return op(callCtx)
	}
	notify := func(err error, delay time.Duration) {
		log.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Int("max_retries", p.MaxRetries).
			Dur("delay", delay).
			Msg("operation failed, retrying")
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
