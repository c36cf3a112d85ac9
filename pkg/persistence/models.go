package persistence

import (
	"time"

	"boardroom/pkg/proto"
)

// Agent is one row of the fixed seven-agent roster.
type Agent struct {
	ID              string          `json:"id"`
	AgentType       proto.AgentType `json:"agent_type"`
	Name            string          `json:"name"`
	ProfileRef      string          `json:"profile_ref,omitempty"`
	LoopInterval    int             `json:"loop_interval"`
	Status          proto.AgentStatus `json:"status"`
	LastHeartbeat   *time.Time      `json:"last_heartbeat,omitempty"`
	ContainerHandle string          `json:"container_handle,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// StateValue is one key/value pair of an agent's working state.
type StateValue struct {
	AgentID   string    `json:"agent_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryRecord is an append-only action record, optionally carrying an
// embedding vector for similarity retrieval.
type HistoryRecord struct {
	ID         string              `json:"id"`
	AgentID    string              `json:"agent_id"`
	ActionType proto.HistoryAction `json:"action_type"`
	Summary    string              `json:"summary"`
	Details    string              `json:"details,omitempty"`
	Embedding  []float32           `json:"-"`
	CreatedAt  time.Time           `json:"created_at"`
}

// ScoredHistory pairs a history record with its retrieval score.
type ScoredHistory struct {
	Record HistoryRecord
	Score  float64
}

// Decision is a governed proposal moving through the approval matrix.
type Decision struct {
	ID            string                          `json:"id"`
	Title         string                          `json:"title"`
	Description   string                          `json:"description,omitempty"`
	ProposedBy    string                          `json:"proposed_by"`
	Tier          proto.DecisionTier              `json:"tier"`
	Status        proto.DecisionStatus            `json:"status"`
	VetoRound     int                             `json:"veto_round"`
	CEOVote       *proto.Vote                     `json:"ceo_vote,omitempty"`
	DAOVote       *proto.Vote                     `json:"dao_vote,omitempty"`
	CLevelVotes   map[proto.AgentType]proto.Vote  `json:"clevel_votes"`
	HumanDecision string                          `json:"human_decision,omitempty"`
	ResolvedAt    *time.Time                      `json:"resolved_at,omitempty"`
	Version       int                             `json:"version"`
	CreatedAt     time.Time                       `json:"created_at"`
}

// Task is a unit of agent-assignable work.
type Task struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	AssignedTo  string           `json:"assigned_to"`
	CreatedBy   string           `json:"created_by"`
	Status      proto.TaskStatus `json:"status"`
	Priority    int              `json:"priority"`
	DueDate     *time.Time       `json:"due_date,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      string           `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Event is one append-only audit record.
type Event struct {
	ID            string          `json:"id"`
	EventType     proto.EventType `json:"event_type"`
	SourceAgent   string          `json:"source_agent,omitempty"`
	TargetAgent   string          `json:"target_agent,omitempty"`
	Payload       string          `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Escalation records a decision handed to a human.
type Escalation struct {
	ID               string                 `json:"id"`
	DecisionID       string                 `json:"decision_id"`
	Reason           string                 `json:"reason"`
	ChannelsNotified []string               `json:"channels_notified"`
	HumanResponse    string                 `json:"human_response,omitempty"`
	RespondedAt      *time.Time             `json:"responded_at,omitempty"`
	Status           proto.EscalationStatus `json:"status"`
	NotifyCount      int                    `json:"notify_count"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Setting is one runtime-tunable value, namespaced by category.
type Setting struct {
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KanbanCounts summarizes a task board by status.
type KanbanCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
