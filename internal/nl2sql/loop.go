package nl2sql

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/warehouse"
)

const noResultsMessage = "query executed but returned no results"

type sqlSynthesizer interface {
	Synthesize(ctx context.Context, t Transcript) (string, error)
}

type queryExecutor interface {
	Execute(ctx context.Context, sql string) (warehouse.Rows, error)
}

// Loop drives synthesize, execute and correct until success or until
// maxIterations attempts have been made. It is sequential within a session.
type Loop struct {
	synth         sqlSynthesizer
	exec          queryExecutor
	maxIterations int
	logger        *slog.Logger
	now           func() time.Time
}

func NewLoop(synth sqlSynthesizer, exec queryExecutor, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Loop{synth: synth, exec: exec, maxIterations: maxIterations, logger: logger, now: time.Now}
}

func (l *Loop) MaxIterations() int {
	return l.maxIterations
}

// Run appends one QueryAttempt per iteration to state and sets its terminal
// state. The returned error is the terminal error, if any.
func (l *Loop) Run(ctx context.Context, state *SessionState, base Transcript) error {
	logger := observability.LoggerFor(ctx, l.logger)
	priorError := ""

	for i := 0; i < l.maxIterations; i++ {
		state.Terminal.State = StateSynthesizing
		t := base
		t.PriorError = priorError

		sql, err := l.synth.Synthesize(ctx, t)
		if err != nil {
			l.record(state, i, "", Failure(userMessage(err)))
			logger.Warn("sql synthesis failed", slog.Int("iteration", i), slog.String("error", err.Error()))
			return l.fail(state, StateFatal, err)
		}

		state.Terminal.State = StateExecuting
		rows, err := l.exec.Execute(ctx, sql)
		outcome := l.outcome(i, rows, err)
		l.record(state, i, sql, outcome)

		if err != nil && !isExecutionError(err) {
			return l.fail(state, StateFatal, err)
		}

		switch next := l.transition(i, outcome); next {
		case StateSuccess:
			logger.Info("query succeeded", slog.Int("iteration", i), slog.Int("rows", rows.Len()))
			state.Terminal = Terminal{State: StateSuccess}
			return nil
		case StateRetrying:
			observability.IncrementExecutionFailure()
			logger.Info("query failed, retrying", slog.Int("iteration", i), slog.String("error", outcome.ErrorMessage))
			state.Terminal.State = StateRetrying
			priorError = outcome.ErrorMessage
		default:
			observability.IncrementExecutionFailure()
			logger.Warn("query attempts exhausted", slog.Int("attempts", len(state.Attempts)), slog.String("error", outcome.ErrorMessage))
			return l.fail(state, StateExhausted, &ExhaustedRetriesError{Attempts: append([]QueryAttempt(nil), state.Attempts...)})
		}
	}
	// Unreachable: the final iteration always ends in success or exhaustion.
	return l.fail(state, StateExhausted, &ExhaustedRetriesError{Attempts: state.Attempts})
}

// outcome classifies one execution. Zero rows is a failure except on the
// final iteration, where an empty result is a valid answer.
func (l *Loop) outcome(iteration int, rows warehouse.Rows, err error) Outcome {
	switch {
	case err != nil && isExecutionError(err):
		return Failure(err.Error())
	case err != nil:
		return Failure(userMessage(err))
	case rows.Len() == 0 && iteration+1 < l.maxIterations:
		return Failure(noResultsMessage)
	default:
		return Success(rows)
	}
}

// transition is the loop's single source of retry truth.
func (l *Loop) transition(iteration int, outcome Outcome) State {
	if outcome.Kind == OutcomeSuccess {
		return StateSuccess
	}
	if iteration+1 < l.maxIterations {
		return StateRetrying
	}
	return StateExhausted
}

func (l *Loop) record(state *SessionState, iteration int, sql string, outcome Outcome) {
	state.Attempts = append(state.Attempts, QueryAttempt{
		Iteration: iteration,
		SQL:       sql,
		Outcome:   outcome,
		Timestamp: l.now().UTC(),
	})
}

func (l *Loop) fail(state *SessionState, terminal State, err error) error {
	state.Terminal = Terminal{State: terminal, Err: err}
	return err
}

func isExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}
