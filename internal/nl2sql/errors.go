package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/warehouse"
)

// ErrGenerationEmpty means the synthesizer produced no usable SQL text.
var ErrGenerationEmpty = errors.New("sql generation returned empty text")

// ErrUnknownTool is returned by Toolbox.Invoke for names outside the table.
var ErrUnknownTool = errors.New("unknown tool")

// ExtractionError describes malformed extractor output. It is logged and
// recovered as (general_query, {}).
type ExtractionError struct {
	Raw string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract intent and entities: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// MappingError names entity types that could not be mapped to columns. The
// types are dropped from the mapping.
type MappingError struct {
	Types []EntityType
	Err   error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map entity types %v: %v", e.Types, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// ExecutionError carries the warehouse's message verbatim so it can be fed
// into the next synthesis prompt.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type ExhaustedRetriesError struct {
	Attempts []QueryAttempt
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("no working query after %d attempts: %s", len(e.Attempts), lastError(e.Attempts))
}

// userMessage turns a terminal error into text safe to show a user.
func userMessage(err error) string {
	var exhausted *ExhaustedRetriesError
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, ErrGenerationEmpty):
		return "the language model did not return a SQL query"
	case llm.IsServiceUnavailable(err):
		return "the language model service is unavailable, please try again later"
	case warehouse.IsServiceUnavailable(err):
		return "the warehouse is unavailable, please try again later"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	case errors.As(err, &exhausted):
		return exhausted.Error()
	default:
		return "internal error"
	}
}
