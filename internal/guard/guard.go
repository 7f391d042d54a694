// Package guard bounds how many heavy inference calls run at once against
// the shared accelerator.
package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrTimedOut = errors.New("admission timed out")

// Guard hands out permits first-come first-served. The underlying weighted
// semaphore queues waiters in arrival order, so a burst cannot starve an
// earlier request.
type Guard struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func New(capacity int) *Guard {
	if capacity <= 0 {
		capacity = 1
	}
	return &Guard{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Permit is the right to run one inference. Release it exactly once; extra
// calls are no-ops.
type Permit struct {
	g    *Guard
	once sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.g.inUse.Add(-1)
		p.g.sem.Release(1)
	})
}

// Acquire blocks until a permit is free, ctx is done, or timeout elapses
// (timeout <= 0 waits on ctx only). A timeout yields ErrTimedOut; a
// cancelled ctx yields ctx.Err().
func (g *Guard) Acquire(ctx context.Context, timeout time.Duration) (*Permit, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimedOut
	}

	g.inUse.Add(1)
	return &Permit{g: g}, nil
}

func (g *Guard) Capacity() int { return int(g.capacity) }

func (g *Guard) InUse() int { return int(g.inUse.Load()) }
