package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/proto"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedAgent(t *testing.T, store *Store, at proto.AgentType) *Agent {
	t.Helper()
	agent := &Agent{AgentType: at, Name: string(at), LoopInterval: 3600}
	require.NoError(t, store.UpsertAgent(agent))
	return agent
}

func TestAgentLifecycle(t *testing.T) {
	store := setupTestStore(t)
	seedAgent(t, store, proto.AgentCEO)

	agent, err := store.GetAgent(proto.AgentCEO)
	require.NoError(t, err)
	assert.Equal(t, proto.AgentStatusInactive, agent.Status)

	require.NoError(t, store.UpdateAgentStatus(proto.AgentCEO, proto.AgentStatusStarting))
	require.NoError(t, store.UpdateAgentStatus(proto.AgentCEO, proto.AgentStatusActive))

	// Active cannot jump back to starting.
	err = store.UpdateAgentStatus(proto.AgentCEO, proto.AgentStatusStarting)
	assert.Error(t, err)

	// Upsert by type preserves the row and updates mutable fields.
	require.NoError(t, store.UpsertAgent(&Agent{
		AgentType: proto.AgentCEO, Name: "chief", LoopInterval: 1800,
	}))
	agent, err = store.GetAgent(proto.AgentCEO)
	require.NoError(t, err)
	assert.Equal(t, "chief", agent.Name)
	assert.Equal(t, 1800, agent.LoopInterval)
	assert.Equal(t, proto.AgentStatusActive, agent.Status)
}

func TestGetAgentNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetAgent(proto.AgentCTO)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateBatchAndEssentialKeys(t *testing.T) {
	store := setupTestStore(t)
	agent := seedAgent(t, store, proto.AgentCMO)

	require.NoError(t, store.SetStateBatch(agent.ID, map[string]string{
		proto.StateKeyLoopCount:    "7",
		proto.StateKeyCurrentFocus: "growth campaign",
		"scratch":                  "ignored by essential read",
	}))

	state, err := store.GetEssentialState(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "7", state[proto.StateKeyLoopCount])
	assert.Equal(t, "growth campaign", state[proto.StateKeyCurrentFocus])
	assert.NotContains(t, state, "scratch")

	// Upsert overwrites in place.
	require.NoError(t, store.SetState(agent.ID, proto.StateKeyLoopCount, "8"))
	v, err := store.GetState(agent.ID, proto.StateKeyLoopCount)
	require.NoError(t, err)
	assert.Equal(t, "8", v)

	_, err = store.GetState(agent.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistorySimilaritySearch(t *testing.T) {
	store := setupTestStore(t)
	agent := seedAgent(t, store, proto.AgentCTO)

	vectors := map[string][]float32{
		"deployed new api gateway": {1, 0, 0},
		"reviewed security audit":  {0, 1, 0},
		"hired infra contractor":   {0.9, 0.1, 0},
	}
	for summary, vec := range vectors {
		require.NoError(t, store.AppendHistory(&HistoryRecord{
			AgentID:    agent.ID,
			ActionType: proto.HistoryTask,
			Summary:    summary,
			Embedding:  vec,
		}))
	}
	// A record without an embedding is excluded from similarity search.
	require.NoError(t, store.AppendHistory(&HistoryRecord{
		AgentID:    agent.ID,
		ActionType: proto.HistoryCommunication,
		Summary:    "no embedding",
	}))

	scored, err := store.SimilarHistory(agent.ID, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "deployed new api gateway", scored[0].Record.Summary)
	assert.Equal(t, "hired infra contractor", scored[1].Record.Summary)
	assert.Greater(t, scored[0].Score, scored[1].Score)
}

func TestHistoryRecencyFallback(t *testing.T) {
	store := setupTestStore(t)
	agent := seedAgent(t, store, proto.AgentCFO)

	base := time.Now().UTC().Add(-time.Hour)
	for i, summary := range []string{"oldest", "middle", "newest"} {
		require.NoError(t, store.AppendHistory(&HistoryRecord{
			AgentID:    agent.ID,
			ActionType: proto.HistoryIdea,
			Summary:    summary,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Empty query vector degrades to recency ordering.
	scored, err := store.SimilarHistory(agent.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "newest", scored[0].Record.Summary)
	assert.Equal(t, "middle", scored[1].Record.Summary)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.14159, 0}
	assert.Equal(t, vec, decodeEmbedding(encodeEmbedding(vec)))
}

func TestDecisionOptimisticUpdate(t *testing.T) {
	store := setupTestStore(t)

	d := &Decision{Title: "expand to new market", ProposedBy: "cmo", Tier: proto.TierMajor}
	require.NoError(t, store.CreateDecision(d))

	first, err := store.GetDecision(d.ID)
	require.NoError(t, err)
	second, err := store.GetDecision(d.ID)
	require.NoError(t, err)

	approve := proto.VoteApprove
	first.CEOVote = &approve
	require.NoError(t, store.UpdateDecision(first, nil))

	// The stale copy loses the version race.
	second.DAOVote = &approve
	err = store.UpdateDecision(second, nil)
	assert.ErrorIs(t, err, ErrStaleDecision)

	// Resolution plus its audit event land in one transaction.
	now := time.Now().UTC()
	first.Status = proto.DecisionApproved
	first.ResolvedAt = &now
	require.NoError(t, store.UpdateDecision(first, &Event{
		EventType:     proto.EventDecisionResolved,
		SourceAgent:   "decision-engine",
		CorrelationID: "corr-1",
	}))

	got, err := store.GetDecision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.DecisionApproved, got.Status)
	require.NotNil(t, got.CEOVote)
	assert.Equal(t, proto.VoteApprove, *got.CEOVote)

	events, err := store.EventsByCorrelation("corr-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EventDecisionResolved, events[0].EventType)
}

func TestPendingTasksOrderingAndCutoff(t *testing.T) {
	store := setupTestStore(t)

	mk := func(title string, priority int) {
		require.NoError(t, store.CreateTask(&Task{
			Title: title, AssignedTo: "cto", CreatedBy: "ceo", Priority: priority,
		}))
	}
	mk("low background chore", 5)
	mk("urgent fix", 1)
	mk("normal item", 3)
	mk("important item", 2)

	tasks, err := store.PendingTasks("cto", proto.TaskPromptPriorityCutoff, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "urgent fix", tasks[0].Title)
	assert.Equal(t, "important item", tasks[1].Title)
	assert.Equal(t, "normal item", tasks[2].Title)
}

func TestTaskStatusAndKanban(t *testing.T) {
	store := setupTestStore(t)

	task := &Task{Title: "write report", AssignedTo: "cfo", CreatedBy: "ceo", Priority: 2}
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, store.CreateTask(&Task{
		Title: "open item", AssignedTo: "cfo", CreatedBy: "ceo", Priority: 3,
	}))

	require.NoError(t, store.UpdateTaskStatus(task.ID, proto.TaskCompleted, "done"))
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "done", got.Result)

	counts, err := store.KanbanForAgent("cfo")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Completed)
}

func TestEscalationNotifyCap(t *testing.T) {
	store := setupTestStore(t)

	d := &Decision{Title: "treasury move", ProposedBy: "cfo", Tier: proto.TierCritical}
	require.NoError(t, store.CreateDecision(d))

	esc := &Escalation{
		DecisionID:       d.ID,
		Reason:           "human approval required",
		ChannelsNotified: []string{"telegram", "dashboard"},
	}
	require.NoError(t, store.CreateEscalation(esc))

	count, bumped, err := store.IncrementNotifyCount(esc.ID, 3)
	require.NoError(t, err)
	assert.True(t, bumped)
	assert.Equal(t, 2, count)

	_, bumped, err = store.IncrementNotifyCount(esc.ID, 3)
	require.NoError(t, err)
	assert.True(t, bumped)

	// At the cap, no further notifications.
	count, bumped, err = store.IncrementNotifyCount(esc.ID, 3)
	require.NoError(t, err)
	assert.False(t, bumped)
	assert.Equal(t, 3, count)

	require.NoError(t, store.RecordEscalationResponse(esc.ID, "approved"))
	got, err := store.GetEscalationByDecision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.EscalationResponded, got.Status)
	assert.Equal(t, []string{"telegram", "dashboard"}, got.ChannelsNotified)
}

func TestSettingsCacheTTL(t *testing.T) {
	store := setupTestStore(t)
	cache := NewSettingsCache(store)

	current := time.Now()
	cache.now = func() time.Time { return current }

	assert.Equal(t, "task-type", cache.Get(SettingsLLM, "routing_strategy", "task-type"))

	// A direct write is masked until the TTL lapses.
	require.NoError(t, store.SetSetting(SettingsLLM, "routing_strategy", "gemini-prefer"))
	assert.Equal(t, "task-type", cache.Get(SettingsLLM, "routing_strategy", "task-type"))

	current = current.Add(settingsCacheTTL + time.Second)
	assert.Equal(t, "gemini-prefer", cache.Get(SettingsLLM, "routing_strategy", "task-type"))

	// Write-through updates the cache immediately.
	require.NoError(t, cache.Set(SettingsLLM, "routing_strategy", "claude-only"))
	assert.Equal(t, "claude-only", cache.Get(SettingsLLM, "routing_strategy", "task-type"))

	assert.Equal(t, 42, cache.GetInt(SettingsQuota, "warn_window", 42))
	require.NoError(t, cache.Set(SettingsQuota, "warn_window", "10"))
	assert.Equal(t, 10, cache.GetInt(SettingsQuota, "warn_window", 42))
}
