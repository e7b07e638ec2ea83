package aggregate

import (
	"context"
	gosync "sync"
	"sync/atomic"
)

// ParallelResult holds the outcome of processing one item.
type ParallelResult[R any] struct {
	Value R
	Err   error
}

// ParallelCollect processes items with a bounded worker pool and
// returns one result per item, index-aligned with the input. An item's
// error is recorded in its slot and never cancels the remaining items;
// only context cancellation stops the pool early, in which case
// unprocessed slots carry the context error.
//
// The onProgress callback is called after each item completes,
// successfully or not.
func ParallelCollect[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) (R, error),
	onProgress func(done int64, total int64),
) []ParallelResult[R] {
	out := make([]ParallelResult[R], len(items))
	if len(items) == 0 {
		return out
	}

	workers = normalizeWorkers(workers, len(items))
	total := int64(len(items))

	jobs := make(chan int, len(items))
	var done int64

	var wg gosync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := ctx.Err(); err != nil {
					out[idx] = ParallelResult[R]{Err: err}
					continue
				}
				value, err := process(ctx, items[idx])
				out[idx] = ParallelResult[R]{Value: value, Err: err}
				n := atomic.AddInt64(&done, 1)
				if onProgress != nil {
					onProgress(n, total)
				}
			}
		}()
	}

	for idx := range items {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	return out
}

// normalizeWorkers ensures worker count is between 1 and item count.
func normalizeWorkers(workers, itemCount int) int {
	if workers < 1 {
		workers = 1
	}
	if workers > itemCount {
		workers = itemCount
	}
	return workers
}
