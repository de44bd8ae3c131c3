package warehouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nlquery/nlquery/internal/observability"
)

// ServiceUnavailableError reports a warehouse that stayed unreachable for the
// whole retry budget. It is never a SQL error.
type ServiceUnavailableError struct {
	Attempts int
	Err      error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("warehouse unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

func IsServiceUnavailable(err error) bool {
	var target *ServiceUnavailableError
	return errors.As(err, &target)
}

// IsTransient reports transport failures: dropped or refused connections and
// network timeouts. Errors raised by the database about the statement are
// not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Retrying wraps a Connector and retries transient failures with exponential
// backoff. Statement errors pass through on the first attempt.
type Retrying struct {
	inner  Connector
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetrying(inner Connector, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger}
}

func (r *Retrying) Execute(ctx context.Context, sqlText string) (Rows, error) {
	return retry(ctx, r, "execute", func() (Rows, error) { return r.inner.Execute(ctx, sqlText) })
}

func (r *Retrying) ListTables(ctx context.Context, datasetID string) ([]string, error) {
	return retry(ctx, r, "list_tables", func() ([]string, error) { return r.inner.ListTables(ctx, datasetID) })
}

func (r *Retrying) GetSchema(ctx context.Context, tableID string) (TableMetadata, error) {
	return retry(ctx, r, "get_schema", func() (TableMetadata, error) { return r.inner.GetSchema(ctx, tableID) })
}

func (r *Retrying) SampleDistinctValues(ctx context.Context, tableID, column string, limit int) ([]string, error) {
	return retry(ctx, r, "sample_distinct_values", func() ([]string, error) {
		return r.inner.SampleDistinctValues(ctx, tableID, column, limit)
	})
}

// Close closes the wrapped connector when it holds resources.
func (r *Retrying) Close() error {
	if closer, ok := r.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func retry[T any](ctx context.Context, r *Retrying, op string, call func() (T, error)) (T, error) {
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
			observability.IncrementWarehouseRetry(op)
			observability.LoggerFor(ctx, r.logger).Warn("transient warehouse failure, retrying",
				slog.String("op", op), slog.Duration("wait", wait), slog.Any("error", err))
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
