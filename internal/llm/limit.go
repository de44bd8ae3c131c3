package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limited paces calls to at most perWindow per window and caps the number in
// flight. Excess calls wait for capacity; none are dropped.
type Limited struct {
	inner    Client
	limiter  *rate.Limiter
	inFlight *semaphore.Weighted
}

func NewLimited(inner Client, perWindow int, window time.Duration, maxInFlight int) *Limited {
	if perWindow <= 0 {
		perWindow = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Limited{
		inner:    inner,
		limiter:  rate.NewLimiter(rate.Every(window/time.Duration(perWindow)), maxInFlight),
		inFlight: semaphore.NewWeighted(int64(maxInFlight)),
	}
}

func (l *Limited) Complete(ctx context.Context, req Request) (string, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return l.inner.Complete(ctx, req)
}

// Embedder paces inner against the same budget as completions, so one
// provider quota covers both kinds of call.
func (l *Limited) Embedder(inner Embedder) Embedder {
	return limitedEmbedder{limits: l, inner: inner}
}

func (l *Limited) acquire(ctx context.Context) (func(), error) {
	if err := l.inFlight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for llm slot: %w", err)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		l.inFlight.Release(1)
		return nil, fmt.Errorf("wait for llm rate limit: %w", err)
	}
	return func() { l.inFlight.Release(1) }, nil
}

type limitedEmbedder struct {
	limits *Limited
	inner  Embedder
}

func (e limitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	release, err := e.limits.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.inner.Embed(ctx, text)
}

func (e limitedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	release, err := e.limits.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.inner.EmbedBatch(ctx, texts)
}
