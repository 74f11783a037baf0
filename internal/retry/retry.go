// Package retry runs calls to external collaborators with bounded
// exponential backoff. Only errors classified transient are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// ErrInterrupted is returned when the interrupt channel fires during a backoff wait
var ErrInterrupted = errors.New("retry: interrupted")

// Policy configures retry behavior
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Multiplier grows the backoff between attempts
	Multiplier float64
}

// DefaultPolicy returns 3 retries starting at 1s, doubling, capped at 30s
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Backoff returns the wait before retry number attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type options struct {
	interrupt <-chan struct{}
	onRetry   func(attempt int, err error, wait time.Duration)
}

// Option customizes a single Do call
type Option func(*options)

// Interrupt aborts backoff waits when ch is closed or receives
func Interrupt(ch <-chan struct{}) Option {
	return func(o *options) { o.interrupt = ch }
}

// OnRetry is called before each backoff wait
func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. A RetryAfter hint on the error replaces the
// computed backoff, capped at MaxBackoff.
func Do(ctx context.Context, p Policy, fn func(context.Context) error, opts ...Option) error {
	p = p.withDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		wait := p.Backoff(attempt + 1)
		if hint := domain.RetryAfter(err); hint > 0 {
			wait = min(hint, p.MaxBackoff)
		}
		if o.onRetry != nil {
			o.onRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-o.interrupt:
			timer.Stop()
			return ErrInterrupted
		case <-timer.C:
		}
	}

	return fmt.Errorf("giving up after %d retries: %w", p.MaxRetries, lastErr)
}
