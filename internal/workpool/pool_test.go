package workpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"peharvest/internal/workpool"
)

func TestRunVisitsEveryIndexOnce(t *testing.T) {
	pool := workpool.New(4)
	var mu sync.Mutex
	seen := map[int]int{}

	skipped := pool.Run(context.Background(), 50, func(_ context.Context, i int) {
		mu.Lock()
		seen[i]++
		mu.Unlock()
	})
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped indices, got %v", skipped)
	}
	if len(seen) != 50 {
		t.Fatalf("expected 50 indices, got %d", len(seen))
	}
	for i, count := range seen {
		if count != 1 {
			t.Fatalf("index %d ran %d times", i, count)
		}
	}
}

func TestRunNeverExceedsSize(t *testing.T) {
	const size = 3
	pool := workpool.New(size)
	var current, worst atomic.Int64

	pool.Run(context.Background(), 20, func(_ context.Context, _ int) {
		now := current.Add(1)
		for {
			prev := worst.Load()
			if now <= prev || worst.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
	})

	if worst.Load() > size {
		t.Fatalf("observed %d concurrent tasks, limit %d", worst.Load(), size)
	}
	if pool.Peak() > size || pool.Peak() < 1 {
		t.Fatalf("unexpected peak %d", pool.Peak())
	}
}

func TestRunStopsSubmittingAfterCancel(t *testing.T) {
	pool := workpool.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finished []int
	var mu sync.Mutex
	skipped := pool.Run(ctx, 5, func(_ context.Context, i int) {
		if i == 1 {
			cancel()
		}
		mu.Lock()
		finished = append(finished, i)
		mu.Unlock()
	})

	if diff := cmp.Diff([]int{0, 1}, finished); diff != "" {
		t.Fatalf("unexpected finished tasks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, skipped); diff != "" {
		t.Fatalf("unexpected skipped indices (-want +got):\n%s", diff)
	}
}

func TestRunLetsInFlightTasksFinish(t *testing.T) {
	pool := workpool.New(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var completed atomic.Int64

	done := make(chan []int)
	go func() {
		done <- pool.Run(ctx, 4, func(_ context.Context, _ int) {
			started <- struct{}{}
			<-release
			completed.Add(1)
		})
	}()

	<-started
	<-started
	cancel()
	close(release)

	skipped := <-done
	if completed.Load() != 2 {
		t.Fatalf("expected both in-flight tasks to complete, got %d", completed.Load())
	}
	if diff := cmp.Diff([]int{2, 3}, skipped); diff != "" {
		t.Fatalf("unexpected skipped indices (-want +got):\n%s", diff)
	}
}

func TestNewClampsSize(t *testing.T) {
	if got := workpool.New(0).Size(); got != 1 {
		t.Fatalf("expected size 1, got %d", got)
	}
}
