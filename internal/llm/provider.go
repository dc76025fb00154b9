// Package llm contains the LLM task runner and its provider backends. The
// runner turns a ticket plus a prompt template into a structured LLMResult;
// providers only move text. Transport failures and unparseable answers are
// both recorded on the result rather than propagated, so a flaky model can
// never abort an orchestration run.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Prompt is a rendered prompt pair ready for a provider.
type Prompt struct {
	System string
	User   string
}

// Provider is the transport boundary to an LLM backend. Complete blocks
// until the model answers, the context expires, or transport fails.
type Provider interface {
	// Name identifies the backend in logs and doctor output.
	Name() string

	// Complete sends the prompt and returns the raw completion text.
	// Transport-level failures are returned as *TransportError.
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// TransportError wraps a failure to reach the model or get an answer back.
// Distinct from a parse failure: no usable text was produced at all.
type TransportError struct {
	Backend string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
