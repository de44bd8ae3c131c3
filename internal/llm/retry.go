package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nlquery/nlquery/internal/observability"
)

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Retrying retries transient failures with exponential backoff. Permanent
// failures are returned unchanged; an exhausted budget becomes a
// ServiceUnavailableError.
type Retrying struct {
	inner  Client
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetrying(inner Client, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger}
}

func (r *Retrying) Complete(ctx context.Context, req Request) (string, error) {
	return retry(ctx, r, req.Component, func() (string, error) { return r.inner.Complete(ctx, req) })
}

// Embedder applies the same retry budget to inner.
func (r *Retrying) Embedder(inner Embedder) Embedder {
	return retryingEmbedder{retrying: r, inner: inner}
}

type retryingEmbedder struct {
	retrying *Retrying
	inner    Embedder
}

func (e retryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry(ctx, e.retrying, "embedding", func() ([]float32, error) { return e.inner.Embed(ctx, text) })
}

func (e retryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return retry(ctx, e.retrying, "embedding", func() ([][]float32, error) { return e.inner.EmbedBatch(ctx, texts) })
}

func retry[T any](ctx context.Context, r *Retrying, component string, call func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialDelay
	policy.MaxInterval = r.cfg.MaxDelay

	attempts := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		value, err := call()
		if err != nil && !IsTransient(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			observability.IncrementLLMRetry()
			observability.LoggerFor(ctx, r.logger).Warn("transient llm failure, retrying",
				slog.String("component", component), slog.Duration("wait", wait), slog.Any("error", err))
		}),
	)
	if err == nil {
		return out, nil
	}
	var zero T
	if IsTransient(err) {
		return zero, &ServiceUnavailableError{Attempts: attempts, Err: err}
	}
	return zero, err
}
