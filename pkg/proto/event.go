package proto

import (
	"fmt"
	"strings"
)

// EventType is the closed set of durable event types.
type EventType string

const (
	EventAgentStarted       EventType = "agent_started"
	EventAgentStopped       EventType = "agent_stopped"
	EventAgentError         EventType = "agent_error"
	EventTaskCreated        EventType = "task_created"
	EventTaskCompleted      EventType = "task_completed"
	EventDecisionProposed   EventType = "decision_proposed"
	EventDecisionVoted      EventType = "decision_voted"
	EventDecisionResolved   EventType = "decision_resolved"
	EventEscalationCreated  EventType = "escalation_created"
	EventEscalationResolved EventType = "escalation_resolved"
	EventStatusRequest      EventType = "status_request"
	EventStatusResponse     EventType = "status_response"
	EventBroadcast          EventType = "broadcast"
	EventHumanMessage       EventType = "human_message"
	EventInitiativeCreated  EventType = "initiative_created"
)

// ValidateEventType validates if a string is a valid event type.
func ValidateEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventAgentStarted, EventAgentStopped, EventAgentError,
		EventTaskCreated, EventTaskCompleted,
		EventDecisionProposed, EventDecisionVoted, EventDecisionResolved,
		EventEscalationCreated, EventEscalationResolved,
		EventStatusRequest, EventStatusResponse,
		EventBroadcast, EventHumanMessage, EventInitiativeCreated:
		return EventType(s), true
	default:
		return "", false
	}
}

// ParseEventType parses a string into an EventType with validation.
func ParseEventType(s string) (EventType, error) {
	if et, ok := ValidateEventType(strings.ToLower(s)); ok {
		return et, nil
	}
	return "", fmt.Errorf("unknown event type: %s", s)
}

func (et EventType) String() string {
	return string(et)
}

// HistoryAction classifies an agent history record.
type HistoryAction string

const (
	HistoryDecision      HistoryAction = "decision"
	HistoryTask          HistoryAction = "task"
	HistoryCommunication HistoryAction = "communication"
	HistoryError         HistoryAction = "error"
	HistoryIdea          HistoryAction = "idea"
)

// ValidateHistoryAction rejects unknown action classifications.
func ValidateHistoryAction(a HistoryAction) error {
	switch a {
	case HistoryDecision, HistoryTask, HistoryCommunication, HistoryError, HistoryIdea:
		return nil
	default:
		return fmt.Errorf("unknown history action: %s", a)
	}
}

// TaskStatus tracks a task's lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task priorities run 1 (highest) to 5 (lowest). Priorities above this
// threshold are excluded from loop prompts.
const (
	TaskPriorityHighest      = 1
	TaskPriorityLowest       = 5
	TaskPromptPriorityCutoff = 3
)
