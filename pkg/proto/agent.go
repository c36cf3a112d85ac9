package proto

import (
	"fmt"
	"strings"
)

// AgentType identifies one of the seven role-specialised agents.
type AgentType string

const (
	AgentCEO AgentType = "ceo"
	AgentDAO AgentType = "dao"
	AgentCMO AgentType = "cmo"
	AgentCTO AgentType = "cto"
	AgentCFO AgentType = "cfo"
	AgentCOO AgentType = "coo"
	AgentCCO AgentType = "cco"
)

// AllAgentTypes returns the fixed roster in canonical order.
func AllAgentTypes() []AgentType {
	return []AgentType{AgentCEO, AgentDAO, AgentCMO, AgentCTO, AgentCFO, AgentCOO, AgentCCO}
}

// HeadAgents are the two agents with veto rights in the decision protocol.
func HeadAgents() []AgentType {
	return []AgentType{AgentCEO, AgentDAO}
}

// IsHead reports whether the agent belongs to the head group.
func (at AgentType) IsHead() bool {
	return at == AgentCEO || at == AgentDAO
}

// IsCLevel reports whether the agent belongs to the C-level group
// (every non-head role).
func (at AgentType) IsCLevel() bool {
	switch at {
	case AgentCMO, AgentCTO, AgentCFO, AgentCOO, AgentCCO:
		return true
	default:
		return false
	}
}

func (at AgentType) String() string {
	return string(at)
}

// ParseAgentType parses a string into an AgentType with validation.
func ParseAgentType(s string) (AgentType, error) {
	switch AgentType(strings.ToLower(s)) {
	case AgentCEO:
		return AgentCEO, nil
	case AgentDAO:
		return AgentDAO, nil
	case AgentCMO:
		return AgentCMO, nil
	case AgentCTO:
		return AgentCTO, nil
	case AgentCFO:
		return AgentCFO, nil
	case AgentCOO:
		return AgentCOO, nil
	case AgentCCO:
		return AgentCCO, nil
	default:
		return "", fmt.Errorf("unknown agent type: %s", s)
	}
}

// AgentStatus tracks an agent's lifecycle state.
type AgentStatus string

const (
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusActive   AgentStatus = "active"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusError    AgentStatus = "error"
)

// CanTransitionTo validates the agent lifecycle state machine:
// inactive -> starting -> active -> stopping -> inactive, any -> error.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if next == AgentStatusError {
		return true
	}
	switch s {
	case AgentStatusInactive:
		return next == AgentStatusStarting
	case AgentStatusStarting:
		return next == AgentStatusActive
	case AgentStatusActive:
		return next == AgentStatusStopping
	case AgentStatusStopping:
		return next == AgentStatusInactive
	case AgentStatusError:
		return next == AgentStatusStarting || next == AgentStatusInactive
	default:
		return false
	}
}

// Essential state keys that every loop reads in one cheap call.
const (
	StateKeyLoopCount      = "loop_count"
	StateKeyLastLoopAt     = "last_loop_at"
	StateKeyLastLoopResult = "last_loop_result"
	StateKeyCurrentFocus   = "current_focus"
	StateKeyErrorCount     = "error_count"
	StateKeySuccessCount   = "success_count"
)

// EssentialStateKeys returns the closed key set loaded on every loop.
func EssentialStateKeys() []string {
	return []string{
		StateKeyLoopCount,
		StateKeyLastLoopAt,
		StateKeyLastLoopResult,
		StateKeyCurrentFocus,
		StateKeyErrorCount,
		StateKeySuccessCount,
	}
}
