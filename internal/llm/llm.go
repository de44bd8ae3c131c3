package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Sampling struct {
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
}

type Request struct {
	// Component labels the caller in logs and metrics, e.g. "synthesizer".
	Component string
	Prompt    string
	Sampling  Sampling
	// JSON asks the provider for a JSON response body where supported.
	JSON bool
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Embedder is the embedding half of a provider, with the same method set as
// embedding.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm provider status %d: %s", e.Code, e.Message)
}

// ServiceUnavailableError is returned once transient failures have exhausted
// the retry budget.
type ServiceUnavailableError struct {
	Attempts int
	Err      error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("llm service unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

func IsServiceUnavailable(err error) bool {
	var target *ServiceUnavailableError
	return errors.As(err, &target)
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests || status.Code == http.StatusRequestTimeout || status.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
