package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"boardroom/pkg/agentloop"
	"boardroom/pkg/proto"
)

// runHealthCheck restarts every unhealthy agent container.
func (s *Scheduler) runHealthCheck(ctx context.Context) {
	if s.runtime == nil {
		return
	}
	unhealthy, err := s.runtime.ListUnhealthy(ctx)
	if err != nil {
		s.logger.Error("Health check failed: %v", err)
		return
	}
	for _, handle := range unhealthy {
		s.logger.Warn("Restarting unhealthy container %s", handle)
		if err := s.runtime.Restart(ctx, handle); err != nil {
			s.logger.Error("Failed to restart %s: %v", handle, err)
		}
	}
}

// runEscalationSweep advances decision timeouts and re-notifies stale
// escalations.
func (s *Scheduler) runEscalationSweep(_ context.Context) {
	if s.sweeper == nil {
		return
	}
	if err := s.sweeper.SweepTimeouts(); err != nil {
		s.logger.Error("Decision timeout sweep failed: %v", err)
	}
	if err := s.sweeper.SweepEscalations(); err != nil {
		s.logger.Error("Escalation sweep failed: %v", err)
	}
}

// runDailyDigest summarizes the last day's events, messages the CEO, and
// wakes its loop so the digest is acted on immediately.
func (s *Scheduler) runDailyDigest(ctx context.Context) {
	summary := s.digestSummary(time.Now().UTC().Add(-24 * time.Hour))
	if usage := s.usageSummary(ctx); usage != "" {
		summary += "\n" + usage
	}

	if s.publisher != nil {
		msg := proto.NewMessage(proto.MsgTypeDirect, "scheduler", string(proto.AgentCEO))
		msg.Priority = proto.PriorityHigh
		msg.SetPayload(proto.KeyContent, summary)
		if err := s.publisher.PublishMessage(msg); err != nil {
			s.logger.Error("Failed to publish daily digest: %v", err)
		}
	}

	s.Wake(proto.AgentCEO, agentloop.Trigger{
		Type: "digest",
		Data: summary,
		At:   time.Now().UTC(),
	})
}

// digestSummary renders a per-event-type count of activity since the cutoff.
func (s *Scheduler) digestSummary(since time.Time) string {
	if s.store == nil {
		return "Daily digest: no activity recorded."
	}
	events, err := s.store.EventsSince(since)
	if err != nil {
		s.logger.Error("Failed to load events for digest: %v", err)
		return "Daily digest: event history unavailable."
	}
	if len(events) == 0 {
		return "Daily digest: no activity in the last 24 hours."
	}

	counts := make(map[string]int)
	for _, ev := range events {
		counts[string(ev.EventType)]++
	}
	types := make([]string, 0, len(counts))
	for et := range counts {
		types = append(types, et)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest: %d events in the last 24 hours.\n", len(events))
	for _, et := range types {
		fmt.Fprintf(&b, "- %s: %d\n", et, counts[et])
	}
	b.WriteString(s.workloadSummary())
	return strings.TrimRight(b.String(), "\n")
}

// workloadSummary counts open tasks across the roster and pending decisions.
func (s *Scheduler) workloadSummary() string {
	var open int
	for _, at := range proto.AllAgentTypes() {
		kanban, err := s.store.KanbanForAgent(string(at))
		if err != nil {
			continue
		}
		open += kanban.Pending + kanban.InProgress
	}
	pending, err := s.store.ListDecisionsByStatus(proto.DecisionPending)
	if err != nil {
		return fmt.Sprintf("Open tasks: %d.\n", open)
	}
	return fmt.Sprintf("Open tasks: %d. Pending decisions: %d.\n", open, len(pending))
}

// usageSummary renders the per-agent LLM spend table, or "" when the metrics
// backend is absent or unreachable.
func (s *Scheduler) usageSummary(ctx context.Context) string {
	if s.usage == nil {
		return ""
	}
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	usages, err := s.usage.GetAllAgentUsage(queryCtx, 24*time.Hour)
	if err != nil {
		s.logger.Warn("Usage query for digest failed: %v", err)
		return ""
	}
	if len(usages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("LLM usage by agent:\n")
	for _, u := range usages {
		fmt.Fprintf(&b, "- %s: %d requests, %d tokens, $%.2f\n",
			u.AgentType, u.Requests, u.TotalTokens, u.TotalCost)
	}
	return strings.TrimRight(b.String(), "\n")
}
