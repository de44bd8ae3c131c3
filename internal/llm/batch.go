package llm

import (
	"context"

	"github.com/nlquery/nlquery/internal/dispatch"
)

type BatchResult struct {
	Text string
	Err  error
}

// CompleteBatch fans reqs out to client with at most concurrency calls at
// once. Results are returned in request order.
func CompleteBatch(ctx context.Context, client Client, reqs []Request, concurrency int) []BatchResult {
	return dispatch.Ordered(ctx, reqs, concurrency, func(ctx context.Context, _ int, req Request) BatchResult {
		text, err := client.Complete(ctx, req)
		return BatchResult{Text: text, Err: err}
	})
}
