package vault

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// exclusiveWeight is the weight of an exclusive hold. Shared holds weigh one,
// so an exclusive hold waits for every shared hold to be released.
const exclusiveWeight = 1 << 20

// Locks guards each vault. Blob reads and writes hold a vault shared;
// rotation and deletion hold it exclusively. Waiters are served in order, so
// a waiting rotation is not starved by a stream of uploads.
type Locks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewLocks() *Locks {
	return &Locks{sems: map[string]*semaphore.Weighted{}}
}

func (l *Locks) get(vaultID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[vaultID]
	if !ok {
		sem = semaphore.NewWeighted(exclusiveWeight)
		l.sems[vaultID] = sem
	}

	return sem
}

func (l *Locks) acquire(ctx context.Context, vaultID string, weight int64) (func(), error) {
	sem := l.get(vaultID)
	if err := sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}

	var once sync.Once

	return func() {
		once.Do(func() { sem.Release(weight) })
	}, nil
}

// Shared holds vaultID for reading or writing one blob. The returned func
// releases the hold.
func (l *Locks) Shared(ctx context.Context, vaultID string) (func(), error) {
	return l.acquire(ctx, vaultID, 1)
}

// Exclusive holds vaultID against every other holder.
func (l *Locks) Exclusive(ctx context.Context, vaultID string) (func(), error) {
	return l.acquire(ctx, vaultID, exclusiveWeight)
}
