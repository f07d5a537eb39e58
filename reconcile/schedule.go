// Package reconcile repairs drift between Twitch, the store and Discord: a startup
// pass for events missed while down, and periodic services that re-drive pending
// announcements and prune the delivery ledger.
package reconcile

import (
	"context"
	"math/rand"
	"time"
)

// every calls fn roughly every interval until ctx is done. The first call comes after
// a random delay of up to half an interval and later ones carry ±20% jitter, so several
// instances do not wake together.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		interval = time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initial := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(initial):
	}
	for {
		fn(ctx)

		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		next := interval + jitter
		if next < interval/2 {
			next = interval / 2
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}
	}
}
