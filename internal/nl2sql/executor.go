package nl2sql

import (
	"context"
	"errors"

	"github.com/nlquery/nlquery/internal/warehouse"
)

type Executor struct {
	connector warehouse.Connector
}

func NewExecutor(connector warehouse.Connector) *Executor {
	return &Executor{connector: connector}
}

// Execute submits sql exactly as given. Warehouse failures come back as
// *ExecutionError; context errors and an unreachable warehouse are returned
// as they are.
func (e *Executor) Execute(ctx context.Context, sql string) (warehouse.Rows, error) {
	rows, err := e.connector.Execute(ctx, sql)
	if err == nil {
		return rows, nil
	}
	if warehouse.IsServiceUnavailable(err) {
		return warehouse.Rows{}, err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return warehouse.Rows{}, err
	}
	return warehouse.Rows{}, &ExecutionError{Message: err.Error(), Err: err}
}
