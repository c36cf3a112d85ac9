package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"boardroom/pkg/logx"
)

// RetryableClient wraps a Client with classified-error retry. Each error
// type carries its own backoff schedule; non-retryable errors return
// immediately.
type RetryableClient struct {
	client Client
	logger *logx.Logger

	// sleep is swapped in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryableClient wraps a client with retry behavior.
func NewRetryableClient(client Client, component string) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger(component),
		sleep:  sleepCtx,
	}
}

// Complete retries the wrapped client according to the classified error's
// retry configuration.
func (r *RetryableClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return CompletionResponse{}, err
		}

		cfg := retryConfigOf(err)
		if attempt >= cfg.MaxRetries {
			return CompletionResponse{}, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
		}

		delay := backoffDelay(cfg, attempt+1)
		r.logger.Warn("attempt %d failed (%s), retrying in %s: %v",
			attempt+1, TypeOf(err), delay, err)
		if err := r.sleep(ctx, delay); err != nil {
			return CompletionResponse{}, err
		}
	}
}

func retryConfigOf(err error) RetryConfig {
	if cfg, ok := DefaultRetryConfigs[TypeOf(err)]; ok {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// backoffDelay computes the exponential backoff delay for an attempt,
// with optional jitter of ±10%.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
		delay += jitter
		if delay < 0 {
			delay = cfg.InitialDelay
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
