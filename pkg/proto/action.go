package proto

import (
	"encoding/json"
	"fmt"
)

// ActionType tags one entry of the heterogeneous actions[] array an LLM
// returns from a deliberation loop.
type ActionType string

const (
	ActionCreateTask      ActionType = "create_task"
	ActionSendMessage     ActionType = "send_message"
	ActionProposeDecision ActionType = "propose_decision"
	ActionSpawnWorker     ActionType = "spawn_worker"
	ActionUpdateFocus     ActionType = "update_focus"
)

// Action is the tagged variant for loop results. Unknown tags are dropped by
// the parser, never rejected, so provider upgrades cannot break loops.
type Action struct {
	Type ActionType `json:"type"`

	// create_task
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	AssignTo    string `json:"assign_to,omitempty"`
	Priority    int    `json:"priority,omitempty"`

	// send_message
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
	Urgency string `json:"urgency,omitempty"`

	// propose_decision
	Tier string `json:"tier,omitempty"`

	// spawn_worker
	WorkerType string         `json:"worker_type,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// update_focus
	Focus string `json:"focus,omitempty"`
}

// LoopResult is the JSON object an agent loop expects back from the LLM.
type LoopResult struct {
	Actions []Action `json:"actions"`
	Summary string   `json:"summary"`
}

// actionRegistry is the explicit registry of known action tags.
//
//nolint:gochecknoglobals // Closed registry, extended only at compile time
var actionRegistry = map[ActionType]bool{
	ActionCreateTask:      true,
	ActionSendMessage:     true,
	ActionProposeDecision: true,
	ActionSpawnWorker:     true,
	ActionUpdateFocus:     true,
}

// KnownAction reports whether the tag is registered.
func KnownAction(t ActionType) bool {
	return actionRegistry[t]
}

// ParseLoopResult parses raw LLM output into a LoopResult, dropping unknown
// action tags. The returned dropped slice carries the unrecognized tags for
// logging. A parse failure of the envelope itself is an error.
func ParseLoopResult(raw []byte) (*LoopResult, []ActionType, error) {
	var result LoopResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("loop result is not valid JSON: %w", err)
	}

	kept := make([]Action, 0, len(result.Actions))
	var dropped []ActionType
	for i := range result.Actions {
		if KnownAction(result.Actions[i].Type) {
			kept = append(kept, result.Actions[i])
		} else {
			dropped = append(dropped, result.Actions[i].Type)
		}
	}
	result.Actions = kept
	return &result, dropped, nil
}
