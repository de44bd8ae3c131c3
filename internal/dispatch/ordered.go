package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Ordered runs fn over inputs with at most limit invocations in flight and
// returns the results in submission order. fn reports failures inside R; a
// cancelled ctx stops launching new work and leaves unstarted slots at their
// zero value unless fn handles ctx itself.
func Ordered[T, R any](ctx context.Context, inputs []T, limit int, fn func(ctx context.Context, index int, input T) R) []R {
	results := make([]R, len(inputs))
	if len(inputs) == 0 {
		return results
	}
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, input := range inputs {
		g.Go(func() error {
			results[i] = fn(gctx, i, input)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
