package proto

import (
	"fmt"
	"strings"
	"time"
)

// DecisionTier is the severity class determining who must approve a decision
// and within what deadline.
type DecisionTier string

const (
	TierOperational DecisionTier = "operational"
	TierMinor       DecisionTier = "minor"
	TierMajor       DecisionTier = "major"
	TierCritical    DecisionTier = "critical"
)

// ParseDecisionTier parses a string into a DecisionTier with validation.
func ParseDecisionTier(s string) (DecisionTier, error) {
	switch DecisionTier(strings.ToLower(s)) {
	case TierOperational, TierMinor, TierMajor, TierCritical:
		return DecisionTier(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown decision tier: %s", s)
	}
}

func (t DecisionTier) String() string {
	return string(t)
}

// TierRequirements captures one row of the approval matrix.
type TierRequirements struct {
	CEORequired          bool
	CEOVetoOnly          bool
	DAORequired          bool
	HumanRequired        bool
	Timeout              time.Duration
	AutoApproveOnTimeout bool
}

// Requirements returns the fixed approval matrix for a tier.
//
//	operational: nobody, auto-approve immediately
//	minor:       CEO veto-only, 4h, auto-approve
//	major:       CEO+DAO, 24h, escalate
//	critical:    CEO+DAO+human, 48h, escalate
func (t DecisionTier) Requirements() TierRequirements {
	switch t {
	case TierMinor:
		return TierRequirements{
			CEORequired:          true,
			CEOVetoOnly:          true,
			Timeout:              4 * time.Hour,
			AutoApproveOnTimeout: true,
		}
	case TierMajor:
		return TierRequirements{
			CEORequired: true,
			DAORequired: true,
			Timeout:     24 * time.Hour,
		}
	case TierCritical:
		return TierRequirements{
			CEORequired:   true,
			DAORequired:   true,
			HumanRequired: true,
			Timeout:       48 * time.Hour,
		}
	default: // operational
		return TierRequirements{AutoApproveOnTimeout: true}
	}
}

// DecisionStatus tracks the decision state machine. Transitions are monotone:
// pending -> one of (approved, rejected, vetoed, escalated);
// escalated -> one of (approved, rejected).
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionApproved  DecisionStatus = "approved"
	DecisionRejected  DecisionStatus = "rejected"
	DecisionVetoed    DecisionStatus = "vetoed"
	DecisionEscalated DecisionStatus = "escalated"
)

// IsResolved reports whether no further votes are accepted.
func (s DecisionStatus) IsResolved() bool {
	return s == DecisionApproved || s == DecisionRejected || s == DecisionVetoed
}

// CanTransitionTo enforces monotone decision transitions.
func (s DecisionStatus) CanTransitionTo(next DecisionStatus) bool {
	switch s {
	case DecisionPending:
		return next == DecisionApproved || next == DecisionRejected ||
			next == DecisionVetoed || next == DecisionEscalated
	case DecisionEscalated:
		return next == DecisionApproved || next == DecisionRejected
	default:
		return false
	}
}

// Vote is a single voter's position on a pending decision.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteVeto    Vote = "veto"
	VoteAbstain Vote = "abstain"
)

// ParseVote parses a string into a Vote with validation.
func ParseVote(s string) (Vote, error) {
	switch Vote(strings.ToLower(s)) {
	case VoteApprove, VoteVeto, VoteAbstain:
		return Vote(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown vote: %s", s)
	}
}

func (v Vote) String() string {
	return string(v)
}

// EscalationStatus tracks a human-facing escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationResponded EscalationStatus = "responded"
	EscalationTimeout   EscalationStatus = "timeout"
)

// EscalationSeverity selects the repeat-notification cadence.
type EscalationSeverity string

const (
	SeverityLow    EscalationSeverity = "low"
	SeverityMedium EscalationSeverity = "medium"
	SeverityHigh   EscalationSeverity = "high"
)

// DefaultTimeout returns the repeat-notification deadline per severity.
func (s EscalationSeverity) DefaultTimeout() time.Duration {
	switch s {
	case SeverityHigh:
		return 4 * time.Hour
	case SeverityMedium:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}
