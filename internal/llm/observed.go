package llm

import (
	"context"
	"time"

	"github.com/nlquery/nlquery/internal/observability"
)

type Observed struct {
	inner Client
}

func NewObserved(inner Client) *Observed {
	return &Observed{inner: inner}
}

func (o *Observed) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := o.inner.Complete(ctx, req)
	observability.ObserveLLMCall(req.Component, err, time.Since(start))
	return text, err
}
