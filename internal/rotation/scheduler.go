package rotation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/repeat"
	"github.com/infrahq/lockbox/internal/vault"
	"github.com/infrahq/lockbox/metrics"
)

const defaultConcurrency = 4

// Lister returns the vaults to rotate.
type Lister interface {
	ListActive(ctx context.Context) ([]vault.Vault, error)
}

// Rotator rotates the key of one vault. Skip reports a vault that is not
// rotated in this run.
type Rotator interface {
	Rotate(ctx context.Context, vaultID string) (Outcome, error)
	Skip(ctx context.Context, vaultID, step string, cause error) Outcome
}

type SchedulerOptions struct {
	Interval time.Duration
	Jitter   time.Duration
	// Concurrency is the number of vaults rotated at once. Defaults to 4.
	Concurrency int
	// VaultTimeout bounds the rotation of a single vault. Zero means no
	// limit.
	VaultTimeout time.Duration
}

// Scheduler rotates every active vault on a timer. Nothing is carried over
// from one run to the next.
type Scheduler struct {
	vaults  Lister
	rotator Rotator
	opts    SchedulerOptions
}

func NewScheduler(vaults Lister, rotator Rotator, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	return &Scheduler{vaults: vaults, rotator: rotator, opts: opts}
}

// Summary is the result of one pass over all vaults.
type Summary struct {
	Total     int
	Succeeded int
	Partial   int
	Aborted   int
	Outcomes  []Outcome
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d vaults rotated successfully", s.Succeeded, s.Total)
}

func (s *Summary) add(out Outcome) {
	s.Outcomes = append(s.Outcomes, out)

	switch out.Status {
	case StatusSuccess:
		s.Succeeded++
	case StatusPartial:
		s.Partial++
	default:
		s.Aborted++
	}
}

// Run calls RunOnce every Interval, shifted by up to Jitter, until ctx is
// cancelled. It returns after the run in progress has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Infof("rotating vault keys every %s (jitter %s)", s.opts.Interval, s.opts.Jitter)

	repeat.Start(ctx, s.opts.Interval, s.opts.Jitter, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil {
			logging.Errorf("rotation run: %v", err)
		}
	})

	return nil
}

// RunOnce rotates every active vault. A failure, timeout or panic while
// rotating one vault does not affect the others. The error is only
// returned when the vaults could not be listed.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	started := time.Now()

	vaults, err := s.vaults.ListActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing active vaults: %w", err)
	}

	metrics.VaultsActive.Set(float64(len(vaults)))

	outcomes := make([]Outcome, len(vaults))
	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))

	// group goroutines never return errors
	var group errgroup.Group

	for i, v := range vaults {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}

		if err != nil {
			for j := i; j < len(vaults); j++ {
				outcomes[j] = s.rotator.Skip(ctx, vaults[j].ID, "schedule", err)
			}

			break
		}

		i, v := i, v

		group.Go(func() error {
			defer sem.Release(1)

			outcomes[i] = s.rotateOne(ctx, v.ID)

			return nil
		})
	}

	_ = group.Wait()

	summary := Summary{Total: len(vaults)}
	for _, out := range outcomes {
		summary.add(out)
	}

	logging.L.Info("rotation run finished",
		zap.String("summary", summary.String()),
		zap.Int("partial", summary.Partial),
		zap.Int("aborted", summary.Aborted),
		zap.Duration("elapsed", time.Since(started)))

	return summary, nil
}

func (s *Scheduler) rotateOne(ctx context.Context, vaultID string) (out Outcome) {
	if s.opts.VaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.VaultTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("rotation of %s panic: %v", vaultID, r)
			out = s.rotator.Skip(ctx, vaultID, "rotate", fmt.Errorf("panic: %v", r))
		}
	}()

	out, err := s.rotator.Rotate(ctx, vaultID)
	if err != nil && out.Status == "" {
		out.Status = StatusAborted
	}

	if out.VaultID == "" {
		out.VaultID = vaultID
	}

	return out
}
