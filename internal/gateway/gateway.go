// Package gateway defines the contracts for the external text-generation
// and embedding collaborators. The engine treats both as opaque calls:
// prompt in, text out, may fail or time out. Vendor specifics live in a
// sidecar reached through HTTPClient; tests use in-memory fakes.
package gateway

import (
	"context"
	"errors"
)

// GenerateRequest is a rendered prompt plus call parameters.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Role        string  `json:"role,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerateResponse is the generated text plus token accounting when the
// provider reports it.
type GenerateResponse struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// TextGenerator is the text-generation collaborator. Generate blocks until
// the provider responds or ctx expires; implementations must honor ctx
// cancellation.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Embedder returns a fixed-length vector for similarity comparison. All
// vectors from one Embedder have the same dimensionality.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ErrTransient marks a provider failure worth retrying (rate limits,
// timeouts, 5xx-equivalent conditions). Wrap it so the step executor's
// retry classification can detect it with errors.Is.
var ErrTransient = errors.New("transient gateway error")

// IsTransient reports whether the error is a retryable provider failure.
// Context deadline expiry on a gateway call is treated as transient; a
// cancelled context is not (the caller is shutting down).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
