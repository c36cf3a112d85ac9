package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
)

// promptTaskLimit bounds how many pending tasks enter the prompt.
const promptTaskLimit = 10

// loopInstructions tells the model what shape to answer in. The parser drops
// unknown action tags, so the list here can lag the registry safely.
const loopInstructions = `Respond with a single JSON object: {"actions": [...], "summary": "..."}.
Allowed action types: create_task, send_message, propose_decision, spawn_worker, update_focus.
Return an empty actions array when nothing needs doing. The summary is one or two sentences.`

// buildPrompt assembles the loop prompt sections in a fixed order. Sections
// with nothing to say are omitted; low-priority tasks never appear.
func (r *Runner) buildPrompt(ctx context.Context, agent *persistence.Agent,
	essential map[string]string, trigger Trigger,
) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Loop Trigger\nType: %s\n", trigger.Type)
	if trigger.Data != "" {
		fmt.Fprintf(&b, "Data: %s\n", trigger.Data)
	}

	b.WriteString("\n# Current State\n")
	for _, key := range proto.EssentialStateKeys() {
		if v := essential[key]; v != "" {
			fmt.Fprintf(&b, "- %s: %s\n", key, v)
		}
	}

	if r.cache != nil {
		fmt.Fprintf(&b, "\n# Market Context\n%s\n", r.cache.BuildDataContext())
	}

	if history := r.relevantHistory(ctx, agent, essential[proto.StateKeyCurrentFocus]); len(history) > 0 {
		b.WriteString("\n# Relevant History\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- [%s] %s\n", h.ActionType, h.Summary)
		}
	}

	agentID := string(agent.AgentType)
	if tasks, err := r.store.PendingTasks(agentID, proto.TaskPromptPriorityCutoff, promptTaskLimit); err == nil && len(tasks) > 0 {
		b.WriteString("\n# Pending Tasks\n")
		for _, task := range tasks {
			fmt.Fprintf(&b, "- (P%d) %s: %s\n", task.Priority, task.Title, task.Description)
		}
	}

	if decisions := r.pendingDecisionsFor(agent.AgentType); len(decisions) > 0 {
		b.WriteString("\n# Pending Decisions\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "- [%s] %s (proposed by %s, round %d)\n", d.Tier, d.Title, d.ProposedBy, d.VetoRound)
		}
	}

	if kanban, err := r.store.KanbanForAgent(agentID); err == nil {
		fmt.Fprintf(&b, "\n# Kanban\npending=%d in_progress=%d completed=%d failed=%d\n",
			kanban.Pending, kanban.InProgress, kanban.Completed, kanban.Failed)
	}

	fmt.Fprintf(&b, "\n# Date\n%s\n", r.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\n# Instructions\n%s\n", loopInstructions)
	return b.String()
}

// relevantHistory retrieves the RAG neighbourhood for the agent's focus.
// Without an embedder (or focus) it falls back to recency.
func (r *Runner) relevantHistory(ctx context.Context, agent *persistence.Agent, focus string) []persistence.HistoryRecord {
	if r.embedder != nil && focus != "" {
		query := truncateChars(focus, maxFocusQueryChars)
		if vec, err := r.embedder.Embed(ctx, query); err == nil {
			scored, err := r.store.SimilarHistory(agent.ID, vec, ragTopK)
			if err == nil {
				records := make([]persistence.HistoryRecord, len(scored))
				for i := range scored {
					records[i] = scored[i].Record
				}
				return records
			}
		} else {
			r.logger.Warn("Focus embedding failed for %s, using recency: %v", agent.AgentType, err)
		}
	}
	records, err := r.store.RecentHistory(agent.ID, ragTopK)
	if err != nil {
		return nil
	}
	return records
}

// pendingDecisionsFor returns pending decisions this agent should weigh in
// on: head agents see everything, others only their own proposals.
func (r *Runner) pendingDecisionsFor(agentType proto.AgentType) []*persistence.Decision {
	pending, err := r.store.ListDecisionsByStatus(proto.DecisionPending)
	if err != nil {
		return nil
	}
	if agentType.IsHead() {
		return pending
	}
	var own []*persistence.Decision
	for _, d := range pending {
		if d.ProposedBy == string(agentType) {
			own = append(own, d)
		}
	}
	return own
}

func truncateChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
