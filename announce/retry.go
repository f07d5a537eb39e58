package announce

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/stitch/discord"
)

// RetryPolicy bounds how hard one announcement call is retried.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	MaxElapsed     time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 5 * time.Second,
		MaxElapsed:     2 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// Do runs op until it succeeds, hits a terminal error class, or exhausts the policy.
// Each attempt gets its own AttemptTimeout. The returned error is the last attempt's
// error, unwrapped from any retry bookkeeping.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(attempt int, err error, next time.Duration)) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	attempt := 0
	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
		lastErr = op(actx)
		if lastErr == nil {
			return struct{}{}, nil
		}
		class := Classify(lastErr)
		switch {
		case class.Terminal():
			return struct{}{}, backoff.Permanent(lastErr)
		case class == ErrorClassRateLimited:
			var apiErr *discord.APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				return struct{}{}, backoff.RetryAfter(int(math.Ceil(apiErr.RetryAfter.Seconds())))
			}
		}
		return struct{}{}, lastErr
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempt, lastErr, next)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil || ctx.Err() != nil {
		return err
	}
	return lastErr
}
