package repeat

import (
	"context"
	"math/rand"
	"time"
)

// Start calls run every interval, offset by a random duration in
// [-jitter, +jitter], until ctx is cancelled. The first call happens after
// one jittered interval. Calls never overlap: the next interval is measured
// from the end of the previous call. Start blocks until ctx is done and any
// in-flight call has returned.
func Start(ctx context.Context, interval, jitter time.Duration, run func(context.Context)) {
	for {
		timer := time.NewTimer(Jitter(interval, jitter))
		select {
		case <-timer.C:
			run(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Jitter returns interval shifted by a random amount in [-jitter, +jitter].
// The result is never less than one millisecond.
func Jitter(interval, jitter time.Duration) time.Duration {
	d := interval
	if jitter > 0 {
		//nolint:gosec // scheduling jitter does not need a secure source
		d += time.Duration(rand.Int63n(int64(2*jitter)+1)) - jitter
	}

	if d < time.Millisecond {
		d = time.Millisecond
	}

	return d
}
