package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/config"
	"boardroom/pkg/proto"
	"boardroom/pkg/quota"
	"boardroom/pkg/session"
)

// scriptedExecutor stands in for the session pool.
type scriptedExecutor struct {
	result session.Result
	err    error
}

func (s *scriptedExecutor) Execute(_ context.Context, _ proto.AgentType,
	_, _ string, _ time.Duration,
) (session.Result, error) {
	return s.result, s.err
}

type observeCall struct {
	provider  string
	model     string
	agentType string
	inTokens  int64
	outTokens int64
	cost      float64
	success   bool
	errorType string
}

// captureRecorder collects ObserveRequest calls for assertions.
type captureRecorder struct {
	mu    sync.Mutex
	calls []observeCall
}

func (c *captureRecorder) ObserveRequest(provider, model, agentType string,
	inputTokens, outputTokens int64, cost float64,
	success bool, errorType string, _ time.Duration,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, observeCall{
		provider:  provider,
		model:     model,
		agentType: agentType,
		inTokens:  inputTokens,
		outTokens: outputTokens,
		cost:      cost,
		success:   success,
		errorType: errorType,
	})
}

func (c *captureRecorder) IncFallback(_, _, _ string)                    {}
func (c *captureRecorder) ObserveLoop(_ string, _ bool, _ time.Duration) {}

func newMeteredExecutor(inner session.Executor, manager *quota.Manager, recorder *captureRecorder) *meteredExecutor {
	return &meteredExecutor{
		inner:    inner,
		quota:    manager,
		recorder: recorder,
		provider: config.ProviderClaude,
		model:    config.ModelClaudeSonnet,
	}
}

// Pool exchanges must feed the quota windows and request metrics even though
// the CLI reports no token usage itself.
func TestMeteredExecutorRecordsUsage(t *testing.T) {
	inner := &scriptedExecutor{result: session.Result{Content: "plan drafted", CostUSD: 0.02, DurationMs: 40}}
	manager := quota.NewManager(map[string]int64{config.ProviderClaude: 1_000_000}, config.ProviderClaude, nil, nil)
	recorder := &captureRecorder{}
	exec := newMeteredExecutor(inner, manager, recorder)

	result, err := exec.Execute(context.Background(), proto.AgentCEO, "profile", "write the weekly plan", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "plan drafted", result.Content)

	view := manager.GetProviderQuota(config.ProviderClaude)
	assert.Equal(t, int64(1), view.Monthly.TotalRequests)
	assert.Equal(t, int64(1), view.Monthly.SuccessfulRequests)
	assert.Greater(t, view.Monthly.TokensEstimated, int64(0))

	require.Len(t, recorder.calls, 1)
	call := recorder.calls[0]
	assert.Equal(t, config.ProviderClaude, call.provider)
	assert.Equal(t, config.ModelClaudeSonnet, call.model)
	assert.Equal(t, string(proto.AgentCEO), call.agentType)
	assert.True(t, call.success)
	assert.InDelta(t, 0.02, call.cost, 1e-9)
	// Prompt and output estimates land in the same monthly counter.
	assert.Equal(t, view.Monthly.TokensEstimated, call.inTokens+call.outTokens)
}

func TestMeteredExecutorRecordsFailure(t *testing.T) {
	inner := &scriptedExecutor{err: errors.New("process closed its stream")}
	manager := quota.NewManager(map[string]int64{config.ProviderClaude: 1_000_000}, config.ProviderClaude, nil, nil)
	recorder := &captureRecorder{}
	exec := newMeteredExecutor(inner, manager, recorder)

	_, err := exec.Execute(context.Background(), proto.AgentCTO, "profile", "review the branch", time.Second)
	require.Error(t, err)

	view := manager.GetProviderQuota(config.ProviderClaude)
	assert.Equal(t, int64(1), view.Monthly.TotalRequests)
	assert.Equal(t, int64(1), view.Monthly.FailedRequests)

	require.Len(t, recorder.calls, 1)
	call := recorder.calls[0]
	assert.False(t, call.success)
	assert.Equal(t, "unknown", call.errorType)
	assert.Zero(t, call.outTokens)
}
