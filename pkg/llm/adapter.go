package llm

import (
	"context"
	"time"
)

// ProviderAdapter binds a provider client to the router contract: an
// availability probe plus retrying execution that always yields a Result.
type ProviderAdapter struct {
	name      string
	client    *RetryableClient
	available func() bool
}

// NewProviderAdapter wraps a raw provider client. available may be nil for a
// provider that is always reachable once constructed.
func NewProviderAdapter(name string, client Client, available func() bool) *ProviderAdapter {
	return &ProviderAdapter{
		name:      name,
		client:    NewRetryableClient(client, "llm."+name),
		available: available,
	}
}

// Name returns the provider name.
func (a *ProviderAdapter) Name() string {
	return a.name
}

// IsAvailable reports whether the provider can accept requests.
func (a *ProviderAdapter) IsAvailable() bool {
	if a.available == nil {
		return true
	}
	return a.available()
}

// ExecuteWithRetry runs a completion with per-error-type retry and returns
// a Result either way; the error inside a failed Result is classified.
func (a *ProviderAdapter) ExecuteWithRetry(ctx context.Context, req CompletionRequest) Result {
	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	result := Result{
		Provider:   a.name,
		Model:      req.Model,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = Classify(err)
		return result
	}
	result.Success = true
	result.Output = resp.Content
	result.InputTokens = resp.InputTokens
	result.OutputTokens = resp.OutputTokens
	return result
}
