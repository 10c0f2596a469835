// Package workpool runs per-stage batches of independent tasks with a hard
// concurrency ceiling.
//
// A Pool never cancels sibling tasks when one fails: tasks report their own
// outcome through closures. Cancelling the context passed to Run stops new
// submissions while tasks already running complete normally.
package workpool

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task processes the item at index i.
type Task func(ctx context.Context, i int)

// Pool bounds concurrent task execution for one stage of one run.
type Pool struct {
	size     int
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New returns a pool that runs at most size tasks at once. Sizes below one
// are treated as one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size}
}

// Size reports the configured concurrency ceiling.
func (p *Pool) Size() int { return p.size }

// Peak reports the highest number of tasks observed running simultaneously.
func (p *Pool) Peak() int { return int(p.peak.Load()) }

// Run executes task for every index in [0, n) and blocks until all submitted
// tasks have returned. Indices never started because ctx was done are
// returned in ascending order.
func (p *Pool) Run(ctx context.Context, n int, task Task) []int {
	if n <= 0 || task == nil {
		return nil
	}

	var (
		group   errgroup.Group
		mu      sync.Mutex
		skipped []int
	)
	group.SetLimit(p.size)

	skip := func(i int) {
		mu.Lock()
		skipped = append(skipped, i)
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			skip(i)
			continue
		}
		group.Go(func() error {
			// Go may have blocked on the limit while ctx was cancelled.
			if ctx.Err() != nil {
				skip(i)
				return nil
			}
			p.enter()
			defer p.inFlight.Add(-1)
			task(ctx, i)
			return nil
		})
	}
	_ = group.Wait()

	slices.Sort(skipped)
	return skipped
}

func (p *Pool) enter() {
	current := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if current <= peak || p.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
