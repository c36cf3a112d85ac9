package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentUsage aggregates token and cost metrics for one agent over a window.
type AgentUsage struct {
	AgentType        string  `json:"agent_type"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService reads aggregated usage back from Prometheus. The daily
// digest builds its per-agent usage table from it.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service against a Prometheus endpoint.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetAgentUsage returns one agent's usage over the trailing window.
func (q *QueryService) GetAgentUsage(ctx context.Context, agentType string, window time.Duration) (*AgentUsage, error) {
	usage := &AgentUsage{AgentType: agentType}
	rng := model.Duration(window).String()

	queries := []struct {
		expr string
		into func(float64)
	}{
		{
			fmt.Sprintf(`sum(increase(llm_requests_total{agent_type=%q}[%s]))`, agentType, rng),
			func(v float64) { usage.Requests = int64(v) },
		},
		{
			fmt.Sprintf(`sum(increase(llm_tokens_total{agent_type=%q, type="prompt"}[%s]))`, agentType, rng),
			func(v float64) { usage.PromptTokens = int64(v) },
		},
		{
			fmt.Sprintf(`sum(increase(llm_tokens_total{agent_type=%q, type="completion"}[%s]))`, agentType, rng),
			func(v float64) { usage.CompletionTokens = int64(v) },
		},
		{
			fmt.Sprintf(`sum(increase(llm_costs_total{agent_type=%q}[%s]))`, agentType, rng),
			func(v float64) { usage.TotalCost = v },
		},
	}

	for _, query := range queries {
		result, _, err := q.queryAPI.Query(ctx, query.expr, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", query.expr, err)
		}
		if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
			query.into(float64(vector[0].Value))
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage, nil
}

// GetAllAgentUsage returns usage for every agent type seen in the window.
func (q *QueryService) GetAllAgentUsage(ctx context.Context, window time.Duration) ([]*AgentUsage, error) {
	rng := model.Duration(window).String()
	expr := fmt.Sprintf(`group by (agent_type) (increase(llm_requests_total[%s]))`, rng)
	result, _, err := q.queryAPI.Query(ctx, expr, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query agent types: %w", err)
	}

	var usages []*AgentUsage
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			agentType, ok := sample.Metric["agent_type"]
			if !ok {
				continue
			}
			usage, err := q.GetAgentUsage(ctx, string(agentType), window)
			if err != nil {
				return nil, err
			}
			usages = append(usages, usage)
		}
	}
	return usages, nil
}
