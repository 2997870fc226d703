package substrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/infrahq/lockbox/metrics"
)

type GuardOptions struct {
	// CallTimeout bounds every call. Zero means no timeout.
	CallTimeout time.Duration
	// RateLimit is the sustained number of calls per second shared by all
	// callers. Zero means no limit.
	RateLimit float64
	Burst     int
}

// Guard wraps a Substrate so that every call is bounded by a timeout and a
// shared rate limit, and is measured.
type Guard struct {
	next    Substrate
	timeout time.Duration
	limiter *rate.Limiter
}

var _ Substrate = &Guard{}

func NewGuard(next Substrate, opts GuardOptions) *Guard {
	g := &Guard{next: next, timeout: opts.CallTimeout}

	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}

		g.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return g
}

func (g *Guard) call(ctx context.Context, op, id string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.SubstrateCallDuration.WithLabelValues(op, metrics.Result(err)).Observe(time.Since(start).Seconds())
	}()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, ID: id, Err: fmt.Errorf("rate limit: %w", timeoutErr(ctx, err))}
		}
	}

	return fn(ctx)
}

// timeoutErr makes sure a call cut short by the deadline reports
// context.DeadlineExceeded. The rate limiter returns its own error when the
// wait would outlast the deadline.
func timeoutErr(ctx context.Context, err error) error {
	if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}

	return err
}

func (g *Guard) Create(ctx context.Context, id, image string, mounts []Mount) error {
	return g.call(ctx, "create", id, func(ctx context.Context) error {
		return g.next.Create(ctx, id, image, mounts)
	})
}

func (g *Guard) Execute(ctx context.Context, id string, cmd ...string) (ExecResult, error) {
	var result ExecResult

	err := g.call(ctx, "exec", id, func(ctx context.Context) error {
		var err error
		result, err = g.next.Execute(ctx, id, cmd...)
		return err
	})

	return result, err
}

func (g *Guard) CopyIn(ctx context.Context, id, remotePath string, content []byte) error {
	return g.call(ctx, "copy_in", id, func(ctx context.Context) error {
		return g.next.CopyIn(ctx, id, remotePath, content)
	})
}

func (g *Guard) CopyOut(ctx context.Context, id, remotePath string) ([]byte, error) {
	var content []byte

	err := g.call(ctx, "copy_out", id, func(ctx context.Context) error {
		var err error
		content, err = g.next.CopyOut(ctx, id, remotePath)
		return err
	})

	return content, err
}

func (g *Guard) ListDirectory(ctx context.Context, id, path string) ([]string, error) {
	var names []string

	err := g.call(ctx, "list_directory", id, func(ctx context.Context) error {
		var err error
		names, err = g.next.ListDirectory(ctx, id, path)
		return err
	})

	return names, err
}

func (g *Guard) Stop(ctx context.Context, id string) error {
	return g.call(ctx, "stop", id, func(ctx context.Context) error {
		return g.next.Stop(ctx, id)
	})
}

func (g *Guard) Remove(ctx context.Context, id string) error {
	return g.call(ctx, "remove", id, func(ctx context.Context) error {
		return g.next.Remove(ctx, id)
	})
}

func (g *Guard) List(ctx context.Context, prefix string) ([]Instance, error) {
	var instances []Instance

	err := g.call(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		instances, err = g.next.List(ctx, prefix)
		return err
	})

	return instances, err
}
