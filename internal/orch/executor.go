package orch

import (
	"context"
	"time"

	"boardroom/pkg/bus"
	"boardroom/pkg/llm"
	"boardroom/pkg/metrics"
	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
	"boardroom/pkg/quota"
	"boardroom/pkg/router"
	"boardroom/pkg/session"
	"boardroom/pkg/tokens"
)

// routedExecutor serves loops through direct provider API calls when the CLI
// session pool is disabled. Every request pays the full profile cost.
type routedExecutor struct {
	router *router.Router
}

func (r *routedExecutor) Execute(ctx context.Context, agentType proto.AgentType,
	profile, prompt string, timeout time.Duration,
) (session.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(profile),
		llm.NewUserMessage(prompt),
	})
	result := r.router.Execute(ctx, router.TaskContext{
		AgentType: agentType,
		TaskType:  "loop",
	}, req)
	if !result.Success {
		return session.Result{}, result.Error
	}
	return session.Result{
		Content:    result.Output,
		DurationMs: result.DurationMs,
	}, nil
}

// meteredExecutor wraps the session pool so CLI exchanges feed the quota
// windows and request metrics the same way routed API calls do. The CLI does
// not report token usage, so counts are tokenizer estimates.
type meteredExecutor struct {
	inner    session.Executor
	quota    *quota.Manager
	recorder metrics.Recorder
	counter  *tokens.Counter
	provider string
	model    string
}

func (m *meteredExecutor) Execute(ctx context.Context, agentType proto.AgentType,
	profile, prompt string, timeout time.Duration,
) (session.Result, error) {
	start := time.Now()
	result, err := m.inner.Execute(ctx, agentType, profile, prompt, timeout)

	inTokens := int64(m.counter.Count(prompt))
	var outTokens int64
	if err == nil {
		outTokens = int64(m.counter.Count(result.Content))
	}
	durationMs := result.DurationMs
	if durationMs == 0 {
		durationMs = time.Since(start).Milliseconds()
	}
	errType := ""
	if err != nil {
		errType = llm.TypeOf(err).String()
	}

	m.quota.RecordUsage(m.provider, inTokens, outTokens, durationMs, err == nil)
	m.recorder.ObserveRequest(m.provider, m.model, string(agentType),
		inTokens, outTokens, result.CostUSD, err == nil, errType,
		time.Duration(durationMs)*time.Millisecond)
	return result, err
}

// busNotifier delivers escalation notices over per-channel bus topics; the
// outbound bridges (telegram, email, dashboard) subscribe to their topic.
type busNotifier struct {
	bus *bus.Bus
}

const humanChannelPrefix = "channel:human:"

func (n *busNotifier) Notify(channel string, d *persistence.Decision, reason string) error {
	msg := proto.NewMessage(proto.MsgTypeAlert, "decision-engine", "human:"+channel)
	msg.Priority = proto.PriorityUrgent
	msg.CorrelationID = d.ID
	msg.SetPayload(proto.KeyDecisionID, d.ID)
	msg.SetPayload(proto.KeyTitle, d.Title)
	msg.SetPayload(proto.KeyTier, string(d.Tier))
	msg.SetPayload(proto.KeyReason, reason)
	return n.bus.Publish(humanChannelPrefix+channel, msg)
}
