package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelCollectAlignsResultsWithItems(t *testing.T) {
	t.Parallel()

	items := []int{10, 20, 30, 40, 50}
	results := ParallelCollect(context.Background(), items, 3, func(_ context.Context, item int) (string, error) {
		return fmt.Sprintf("v%d", item), nil
	}, nil)

	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}
	for i, item := range items {
		if results[i].Err != nil {
			t.Fatalf("results[%d].Err = %v", i, results[i].Err)
		}
		if want := fmt.Sprintf("v%d", item); results[i].Value != want {
			t.Fatalf("results[%d].Value = %q, want %q", i, results[i].Value, want)
		}
	}
}

func TestParallelCollectIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var processed int64
	results := ParallelCollect(context.Background(), []int{0, 1, 2, 3, 4}, 2, func(_ context.Context, item int) (int, error) {
		atomic.AddInt64(&processed, 1)
		if item == 2 {
			return 0, boom
		}
		return item * 10, nil
	}, nil)

	if got := atomic.LoadInt64(&processed); got != 5 {
		t.Fatalf("processed = %d, want 5 (a failure must not cancel siblings)", got)
	}
	for i, res := range results {
		if i == 2 {
			if !errors.Is(res.Err, boom) {
				t.Fatalf("results[2].Err = %v, want boom", res.Err)
			}
			continue
		}
		if res.Err != nil {
			t.Fatalf("results[%d].Err = %v", i, res.Err)
		}
		if res.Value != i*10 {
			t.Fatalf("results[%d].Value = %d, want %d", i, res.Value, i*10)
		}
	}
}

func TestParallelCollectBoundsWorkers(t *testing.T) {
	t.Parallel()

	var active, maxActive int64
	ParallelCollect(context.Background(), make([]int, 8), 2, func(context.Context, int) (struct{}, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			seen := atomic.LoadInt64(&maxActive)
			if n <= seen || atomic.CompareAndSwapInt64(&maxActive, seen, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return struct{}{}, nil
	}, nil)

	if got := atomic.LoadInt64(&maxActive); got > 2 {
		t.Fatalf("max concurrent workers = %d, want <= 2", got)
	}
}

func TestParallelCollectStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var processed int64
	results := ParallelCollect(ctx, []int{1, 2, 3}, 1, func(context.Context, int) (int, error) {
		atomic.AddInt64(&processed, 1)
		return 0, nil
	}, nil)

	if got := atomic.LoadInt64(&processed); got != 0 {
		t.Fatalf("processed = %d, want 0 after cancellation", got)
	}
	for i, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("results[%d].Err = %v, want context.Canceled", i, res.Err)
		}
	}
}

func TestParallelCollectReportsProgress(t *testing.T) {
	t.Parallel()

	var calls int64
	var lastDone, lastTotal int64
	ParallelCollect(context.Background(), make([]int, 4), 1, func(context.Context, int) (struct{}, error) {
		return struct{}{}, nil
	}, func(done, total int64) {
		atomic.AddInt64(&calls, 1)
		atomic.StoreInt64(&lastDone, done)
		atomic.StoreInt64(&lastTotal, total)
	})

	if got := atomic.LoadInt64(&calls); got != 4 {
		t.Fatalf("progress calls = %d, want 4", got)
	}
	if lastDone != 4 || lastTotal != 4 {
		t.Fatalf("final progress = %d/%d, want 4/4", lastDone, lastTotal)
	}
}

func TestParallelCollectEmptyInput(t *testing.T) {
	t.Parallel()

	results := ParallelCollect(context.Background(), nil, 4, func(context.Context, int) (int, error) {
		t.Fatal("process must not run for empty input")
		return 0, nil
	}, nil)
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
}

func TestNormalizeWorkers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		workers, items, want int
	}{
		{0, 5, 1},
		{-3, 5, 1},
		{2, 5, 2},
		{10, 5, 5},
	}
	for _, tc := range cases {
		if got := normalizeWorkers(tc.workers, tc.items); got != tc.want {
			t.Fatalf("normalizeWorkers(%d, %d) = %d, want %d", tc.workers, tc.items, got, tc.want)
		}
	}
}
