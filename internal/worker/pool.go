package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs functions on a fixed number of slots. It never queues: a
// submission either gets a free slot or is refused.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	busy atomic.Int64
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

// TrySubmit runs fn on a free slot and reports whether one was available.
func (p *Pool) TrySubmit(fn func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	p.busy.Add(1)
	go func() {
		defer func() {
			p.busy.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

// Wait blocks until every submitted function has returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Busy() int64 { return p.busy.Load() }
