// Package llm provides provider adapters, a shared rate limiter, retry policies, and lenient
// JSON decoding for the classifier and clustering calls.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Client completes a single-turn prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// StatusError is returned by the HTTP adapters for non-200 responses.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, truncate(e.Body, 512))
}

// Temporary reports whether retrying may help (rate limited, overloaded, or server error).
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode == 529 || e.StatusCode >= 500
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
