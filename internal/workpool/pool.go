// Package workpool runs network work on a fixed number of workers. Jobs
// queue for a free worker and give up if their context ends first.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently running jobs.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup
}

// New creates a pool with the given number of workers. A size below one
// is treated as one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}

	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Go runs fn once a worker is free. It returns immediately; waiting
// happens on a separate goroutine. If ctx ends before a worker frees up,
// onCancel (if non-nil) is called with the context error instead of fn.
func (p *Pool) Go(ctx context.Context, fn func(), onCancel func(error)) {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			if onCancel != nil {
				onCancel(err)
			}

			return
		}
		defer p.sem.Release(1)

		fn()
	}()
}

// Wait blocks until every started job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
