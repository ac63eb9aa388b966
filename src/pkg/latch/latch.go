package latch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

const maxReaders = 1 << 30

// RWLatch is a reader/writer latch whose acquisition is bounded by a
// timeout. Writers are not starved: once a writer waits, new readers queue
// behind it.
type RWLatch struct {
	sem *semaphore.Weighted
}

func NewRWLatch() *RWLatch {
	return &RWLatch{sem: semaphore.NewWeighted(maxReaders)}
}

func (l *RWLatch) acquire(ctx context.Context, timeout time.Duration, n int64) error {
	if l.sem.TryAcquire(n) {
		return nil
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := l.sem.Acquire(waitCtx, n); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: waited %s", common.ErrLatchTimeout, timeout)
	}

	return nil
}

// Lock takes the latch exclusively. A zero timeout waits until ctx is done.
func (l *RWLatch) Lock(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout, maxReaders)
}

func (l *RWLatch) Unlock() {
	l.sem.Release(maxReaders)
}

func (l *RWLatch) RLock(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout, 1)
}

func (l *RWLatch) RUnlock() {
	l.sem.Release(1)
}

func (l *RWLatch) TryLock() bool {
	return l.sem.TryAcquire(maxReaders)
}

func (l *RWLatch) TryRLock() bool {
	return l.sem.TryAcquire(1)
}
