// Package proto defines the typed messages, events, and enums exchanged
// between the orchestration subsystems.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MsgType is the closed set of bus message types.
type MsgType string

const (
	MsgTypeTask              MsgType = "task"
	MsgTypeTaskQueued        MsgType = "task_queued"
	MsgTypeStatusRequest     MsgType = "status_request"
	MsgTypeStatusResponse    MsgType = "status_response"
	MsgTypeDecision          MsgType = "decision"
	MsgTypeVote              MsgType = "vote"
	MsgTypeAlert             MsgType = "alert"
	MsgTypeBroadcast         MsgType = "broadcast"
	MsgTypeDirect            MsgType = "direct"
	MsgTypeWorkerResult      MsgType = "worker_result"
	MsgTypePRApprovedByRAG   MsgType = "pr_approved_by_rag"
	MsgTypePRRejected        MsgType = "pr_rejected"
	MsgTypePRReviewRequested MsgType = "pr_review_requested"
)

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(s string) (MsgType, bool) {
	switch MsgType(s) {
	case MsgTypeTask, MsgTypeTaskQueued, MsgTypeStatusRequest, MsgTypeStatusResponse,
		MsgTypeDecision, MsgTypeVote, MsgTypeAlert, MsgTypeBroadcast, MsgTypeDirect,
		MsgTypeWorkerResult, MsgTypePRApprovedByRAG, MsgTypePRRejected, MsgTypePRReviewRequested:
		return MsgType(s), true
	default:
		return "", false
	}
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	if mt, ok := ValidateMsgType(strings.ToLower(s)); ok {
		return mt, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

func (mt MsgType) String() string {
	return string(mt)
}

// Priority controls the bus delay applied before a message becomes visible.
type Priority string

const (
	PriorityCritical    Priority = "critical"
	PriorityUrgent      Priority = "urgent"
	PriorityHigh        Priority = "high"
	PriorityNormal      Priority = "normal"
	PriorityLow         Priority = "low"
	PriorityOperational Priority = "operational"
)

// AllPriorities returns the six delay classes from most to least urgent.
func AllPriorities() []Priority {
	return []Priority{
		PriorityCritical, PriorityUrgent, PriorityHigh,
		PriorityNormal, PriorityLow, PriorityOperational,
	}
}

// ParsePriority parses a string into a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(s)) {
	case PriorityCritical, PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow, PriorityOperational:
		return Priority(strings.ToLower(s))
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	return string(p)
}

// Message recipient groups. A Message.To holding one of these fans out to the
// matching agents instead of a single inbox.
const (
	RecipientAll    = "all"
	RecipientHead   = "head"
	RecipientCLevel = "clevel"
)

// Message is a transient bus message. Durable consequences land in the events,
// tasks, and decisions tables; the correlation ID is the sole join key.
type Message struct {
	ID               string         `json:"id"`
	Type             MsgType        `json:"type"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Payload          map[string]any `json:"payload"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	ResponseDeadline *time.Time     `json:"response_deadline,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID and UTC timestamp.
func NewMessage(msgType MsgType, from, to string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		From:      from,
		To:        to,
		Priority:  PriorityNormal,
		Payload:   make(map[string]any),
		Timestamp: time.Now().UTC(),
	}
}

func (m *Message) SetPayload(key string, value any) {
	if m.Payload == nil {
		m.Payload = make(map[string]any)
	}
	m.Payload[key] = value
}

func (m *Message) GetPayload(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[key]
	return v, ok
}

// PayloadString extracts a string payload value, returning "" when absent or
// not a string.
func (m *Message) PayloadString(key string) string {
	if v, ok := m.GetPayload(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Clone returns a deep copy; the bus hands clones to subscribers so one
// subscriber's mutation cannot leak into another's.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}

func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if _, ok := ValidateMsgType(string(m.Type)); !ok {
		return fmt.Errorf("invalid message type: %s", m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("message from is required")
	}
	if m.To == "" {
		return fmt.Errorf("message to is required")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message timestamp is required")
	}
	return nil
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON parses a serialized message.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// Common payload keys.
const (
	KeyTaskID      = "task_id"
	KeyDecisionID  = "decision_id"
	KeyVote        = "vote"
	KeyVoter       = "voter"
	KeyTitle       = "title"
	KeyDescription = "description"
	KeyTier        = "tier"
	KeyReason      = "reason"
	KeyContent     = "content"
	KeyWorkerType  = "worker_type"
	KeyWorkerInput = "input"
	KeySuccess     = "success"
	KeyResult      = "result"
	KeyPRID        = "pr_id"
)

// NewCorrelationID creates an opaque ID grouping a decision, its votes, its
// resolution event, and downstream tasks/worker results.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Channel names. Per-agent channels are produced by AgentChannel.
const (
	ChannelBroadcast    = "channel:broadcast"
	ChannelOrchestrator = "channel:orchestrator"
	ChannelWorkerLogs   = "channel:worker:logs"
	ChannelQuotaWarning = "channel:quota:warning"
	ChannelStatusFeed   = "channel:status-feed"
)

// AgentChannel returns the well-known channel name for an agent's inbox.
func AgentChannel(agentID string) string {
	return "channel:agent:" + agentID
}
