// Package router selects an LLM provider for each request from the active
// routing strategy, task class, priority, and quota state, and executes with
// at most one fallback attempt.
package router

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"boardroom/pkg/config"
	"boardroom/pkg/llm"
	"boardroom/pkg/logx"
	"boardroom/pkg/metrics"
	"boardroom/pkg/proto"
	"boardroom/pkg/quota"
	"boardroom/pkg/tokens"
)

// Routing strategies selectable at runtime via llm.routing_strategy.
const (
	StrategyClaudeOnly   = "claude-only"
	StrategyTaskType     = "task-type"
	StrategyAgentRole    = "agent-role"
	StrategyGeminiPrefer = "gemini-prefer"
	StrategyLoadBalance  = "load-balance"
)

// Complexity classes for model selection within a provider.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// TaskContext describes the request being routed. The zero value routes like
// a generic reasoning request.
type TaskContext struct {
	AgentType           proto.AgentType
	TaskType            string
	Priority            proto.Priority
	RequiresReasoning   bool
	EstimatedComplexity string
	EstimatedTokens     int64
}

// Route is a routing verdict.
type Route struct {
	Primary  string
	Fallback string
	Reason   string
}

// Settings supplies runtime-tunable routing values; the persistence settings
// cache satisfies it.
type Settings interface {
	Get(category, key, def string) string
}

// Router picks providers and executes requests through their adapters. It
// never touches provider APIs directly.
type Router struct {
	adapters map[string]llm.Adapter
	quota    *quota.Manager
	settings Settings
	recorder metrics.Recorder
	counter  *tokens.Counter
	logger   *logx.Logger

	defaultStrategy string
	enableFallback  bool
}

// New creates a router over the given provider adapters.
func New(adapters map[string]llm.Adapter, quotaMgr *quota.Manager, settings Settings,
	recorder metrics.Recorder, counter *tokens.Counter, cfg config.LLMConfig,
) *Router {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Router{
		adapters:        adapters,
		quota:           quotaMgr,
		settings:        settings,
		recorder:        recorder,
		counter:         counter,
		logger:          logx.NewLogger("router"),
		defaultStrategy: cfg.RoutingStrategy,
		enableFallback:  cfg.EnableFallback,
	}
}

// Route returns the provider verdict for a task context under the active
// strategy.
func (r *Router) Route(tc TaskContext) Route {
	strategy := r.strategy()
	switch strategy {
	case StrategyClaudeOnly:
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderClaude,
			Reason: "claude-only strategy"}

	case StrategyAgentRole:
		switch tc.AgentType {
		case proto.AgentCEO, proto.AgentDAO, proto.AgentCTO:
			return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
				Reason: fmt.Sprintf("agent-role: %s requires claude", tc.AgentType)}
		default:
			return Route{Primary: config.ProviderGemini, Fallback: config.ProviderClaude,
				Reason: fmt.Sprintf("agent-role: %s routes to gemini", tc.AgentType)}
		}

	case StrategyGeminiPrefer:
		if tc.Priority == proto.PriorityCritical || tc.RequiresReasoning {
			return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
				Reason: "gemini-prefer: escalated to claude"}
		}
		if !r.quota.HasAvailableQuota(config.ProviderGemini, tc.EstimatedTokens) {
			return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
				Reason: "quota exhausted"}
		}
		return Route{Primary: config.ProviderGemini, Fallback: config.ProviderClaude,
			Reason: "gemini-prefer strategy"}

	case StrategyLoadBalance:
		for _, provider := range []string{config.ProviderClaude, config.ProviderGemini, config.ProviderOpenAI} {
			adapter, ok := r.adapters[provider]
			if !ok || !adapter.IsAvailable() {
				continue
			}
			if !r.quota.HasAvailableQuota(provider, 0) {
				continue
			}
			return Route{Primary: provider, Fallback: r.fallbackFor(provider),
				Reason: "load-balance: first available provider"}
		}
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
			Reason: "load-balance: no provider available, defaulting to claude"}

	default: // task-type
		return r.routeTaskType(tc)
	}
}

// routeTaskType implements the task-type decision table. Critical priority
// always overrides to claude.
func (r *Router) routeTaskType(tc TaskContext) Route {
	if tc.Priority == proto.PriorityCritical {
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
			Reason: "task-type: critical priority overrides to claude"}
	}
	if tc.RequiresReasoning {
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
			Reason: "task-type: reasoning required"}
	}
	switch tc.TaskType {
	case "spawn_worker", "operational", "create_task", "alert":
		return Route{Primary: config.ProviderGemini, Fallback: config.ProviderClaude,
			Reason: fmt.Sprintf("task-type: %s routes to gemini", tc.TaskType)}
	case "propose_decision", "vote":
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
			Reason: fmt.Sprintf("task-type: %s requires claude", tc.TaskType)}
	case "loop":
		if tc.EstimatedComplexity == ComplexityComplex {
			return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
				Reason: "task-type: complex loop routes to claude"}
		}
		return Route{Primary: config.ProviderGemini, Fallback: config.ProviderClaude,
			Reason: "task-type: loop routes to gemini"}
	case "":
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
			Reason: "task-type: no context, defaulting to claude"}
	default:
		return Route{Primary: config.ProviderClaude, Fallback: config.ProviderGemini,
			Reason: fmt.Sprintf("task-type: unknown type %s defaults to claude", tc.TaskType)}
	}
}

// Execute routes and runs a request, switching to the fallback provider at
// most once: on quota exhaustion before send, or on a retryable failure when
// fallback is enabled.
func (r *Router) Execute(ctx context.Context, tc TaskContext, req llm.CompletionRequest) llm.Result {
	estimated := tc.EstimatedTokens
	if estimated == 0 {
		estimated = r.estimateTokens(req)
		tc.EstimatedTokens = estimated
	}
	route := r.Route(tc)
	if req.Model == "" {
		req.Model = r.ModelFor(route.Primary, tc.EstimatedComplexity)
	}

	primary, ok := r.adapters[route.Primary]
	if !ok {
		return llm.Result{Provider: route.Primary,
			Error: fmt.Errorf("no adapter registered for provider %s", route.Primary)}
	}

	if !primary.IsAvailable() || !r.quota.HasAvailableQuota(route.Primary, estimated) {
		reason := "unavailable"
		if primary.IsAvailable() {
			reason = "quota"
		}
		r.logger.Info("Primary %s %s, using fallback %s", route.Primary, reason, route.Fallback)
		r.recorder.IncFallback(route.Primary, route.Fallback, reason)
		return r.runOn(ctx, route.Fallback, tc, req)
	}

	result := r.runOn(ctx, route.Primary, tc, req)
	if result.Success || !r.fallbackEnabled() || route.Fallback == route.Primary {
		return result
	}
	if !llm.IsRetryable(result.Error) {
		return result
	}

	r.logger.Warn("Primary %s failed (%v), single fallback attempt on %s",
		route.Primary, result.Error, route.Fallback)
	r.recorder.IncFallback(route.Primary, route.Fallback, "primary_failed")
	req.Model = r.ModelFor(route.Fallback, tc.EstimatedComplexity)
	return r.runOn(ctx, route.Fallback, tc, req)
}

// runOn executes on one provider and records usage either way.
func (r *Router) runOn(ctx context.Context, provider string, tc TaskContext, req llm.CompletionRequest) llm.Result {
	adapter, ok := r.adapters[provider]
	if !ok {
		return llm.Result{Provider: provider,
			Error: fmt.Errorf("no adapter registered for provider %s", provider)}
	}
	if req.Model == "" {
		req.Model = r.ModelFor(provider, tc.EstimatedComplexity)
	}

	result := adapter.ExecuteWithRetry(ctx, req)

	errType := ""
	if result.Error != nil {
		errType = llm.TypeOf(result.Error).String()
	}
	inTokens := result.InputTokens
	if inTokens == 0 {
		inTokens = r.estimateTokens(req)
	}
	r.quota.RecordUsage(provider, inTokens, result.OutputTokens, result.DurationMs, result.Success)
	r.recorder.ObserveRequest(provider, result.Model, string(tc.AgentType),
		inTokens, result.OutputTokens, 0, result.Success, errType,
		time.Duration(result.DurationMs)*time.Millisecond)
	return result
}

// ModelFor maps (provider, complexity) to a model name.
func (r *Router) ModelFor(provider, complexity string) string {
	switch provider {
	case config.ProviderClaude:
		switch complexity {
		case ComplexityComplex:
			return config.ModelClaudeOpus
		case ComplexitySimple:
			return config.ModelClaudeHaiku
		default:
			return config.ModelClaudeSonnet
		}
	case config.ProviderGemini:
		if complexity == ComplexityComplex {
			return config.ModelGeminiPro
		}
		return r.geminiDefaultModel()
	case config.ProviderOpenAI:
		return config.ModelOpenAIGPT4o
	default:
		return ""
	}
}

func (r *Router) strategy() string {
	if r.settings == nil {
		return r.defaultStrategy
	}
	return r.settings.Get("llm", "routing_strategy", r.defaultStrategy)
}

func (r *Router) fallbackEnabled() bool {
	if r.settings == nil {
		return r.enableFallback
	}
	raw := r.settings.Get("llm", "enable_fallback", strconv.FormatBool(r.enableFallback))
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return r.enableFallback
	}
	return enabled
}

func (r *Router) geminiDefaultModel() string {
	if r.settings == nil {
		return config.ModelGeminiFlash
	}
	return r.settings.Get("llm", "gemini_default_model", config.ModelGeminiFlash)
}

func (r *Router) fallbackFor(primary string) string {
	if primary == config.ProviderClaude {
		return config.ProviderGemini
	}
	return config.ProviderClaude
}

func (r *Router) estimateTokens(req llm.CompletionRequest) int64 {
	total := 0
	for i := range req.Messages {
		if r.counter != nil {
			total += r.counter.Count(req.Messages[i].Content)
		} else {
			total += tokens.Estimate(req.Messages[i].Content)
		}
	}
	return int64(total)
}
