// Package llm defines the model provider interface and related types.
// A provider is any generative backend; the failover wrapper guarantees that
// generation always succeeds, tagging each result with the path that produced
// it so audit trails can distinguish model output from heuristic output.
package llm

import "context"

// Generation paths.
const (
	PathPrimary  = "primary"
	PathFallback = "fallback"
)

// GenerateRequest is the input to a provider's Generate call.
type GenerateRequest struct {
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// GenerateResult is the outcome of a generation. Path is always set: the
// fallback-vs-primary decision is carried as data, not as an error branch.
type GenerateResult struct {
	Content       string `json:"content"`
	Path          string `json:"path"` // PathPrimary | PathFallback
	Model         string `json:"model,omitempty"`
	FallbackCause string `json:"fallback_cause,omitempty"`
}

// Provider is the abstraction over a generative backend.
type Provider interface {
	// Generate produces text for the given request.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// Available reports whether the backend is reachable right now.
	Available(ctx context.Context) bool
}
