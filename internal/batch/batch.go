// Package batch runs per-item work in bounded, rate-limited sub-batches.
package batch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options controls how Run splits and paces work.
type Options struct {
	// Size is the number of items processed concurrently per sub-batch.
	Size int
	// Limiter paces individual items across sub-batches. Nil means unlimited.
	Limiter *rate.Limiter
	// AfterBatch runs once every item of a sub-batch has finished.
	AfterBatch func(ctx context.Context, index int)
}

// PerMinute returns a token bucket allowing n events per minute with the given burst.
func PerMinute(n, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(n, 1))), max(burst, 1))
}

// PerSecond returns a token bucket allowing n events per second with the given burst.
func PerSecond(n, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(max(n, 1)), max(burst, 1))
}

// Batches returns the number of sub-batches Run uses for n items.
func Batches(n, size int) int {
	size = max(size, 1)
	return (n + size - 1) / size
}

// Run calls fn for every item. Items inside a sub-batch run concurrently; the
// next sub-batch starts only after the previous one finished. fn owns its
// error handling, so one item can never stop the others. Run returns early
// only when ctx is cancelled.
func Run[T any](ctx context.Context, opts Options, items []T, fn func(ctx context.Context, item T)) error {
	size := max(opts.Size, 1)

	for index := 0; index*size < len(items); index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := items[index*size : min((index+1)*size, len(items))]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(size)
		for _, item := range chunk {
			if opts.Limiter != nil {
				if err := opts.Limiter.Wait(gctx); err != nil {
					_ = g.Wait()
					return err
				}
			}
			g.Go(func() error {
				fn(gctx, item)
				return nil
			})
		}
		_ = g.Wait()

		if opts.AfterBatch != nil {
			opts.AfterBatch(ctx, index)
		}
	}
	return nil
}
