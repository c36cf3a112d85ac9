// Package decision implements the tiered approval engine: proposals, votes,
// veto rounds, timeout sweeps, and human escalations.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"boardroom/pkg/logx"
	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
)

// updateRetries bounds the optimistic-lock retry loop for concurrent votes.
const updateRetries = 3

// defaultMaxNotify caps repeat notifications per escalation.
const defaultMaxNotify = 3

// Publisher sends bus messages; satisfied by the message bus.
type Publisher interface {
	Publish(channel string, msg *proto.Message) error
	PublishMessage(msg *proto.Message) error
}

// Notifier delivers an escalation to one human channel (telegram, email,
// dashboard). Failures are non-fatal; the engine tries the next channel.
type Notifier interface {
	Notify(channel string, decision *persistence.Decision, reason string) error
}

// Engine serialises all decision state transitions. Concurrent votes are
// linearised by the store's version check.
type Engine struct {
	store    *persistence.Store
	bus      Publisher
	notifier Notifier
	settings *persistence.SettingsCache
	logger   *logx.Logger
	now      func() time.Time

	maxVetoRounds int
	humanChannels []string
	maxNotify     int
	reviewPR      PRPredicate
}

// NewEngine creates a decision engine. The notifier may be nil, in which case
// escalations are recorded without outbound notifications.
func NewEngine(store *persistence.Store, bus Publisher, notifier Notifier,
	settings *persistence.SettingsCache, maxVetoRounds int, humanChannels []string,
) *Engine {
	if maxVetoRounds <= 0 {
		maxVetoRounds = 3
	}
	return &Engine{
		store:         store,
		bus:           bus,
		notifier:      notifier,
		settings:      settings,
		logger:        logx.NewLogger("decision"),
		now:           time.Now,
		maxVetoRounds: maxVetoRounds,
		humanChannels: humanChannels,
		maxNotify:     defaultMaxNotify,
		reviewPR:      DenyByDefault,
	}
}

// HandleMessage consumes decision and vote messages from the bus. Other
// message types are ignored.
func (e *Engine) HandleMessage(msg *proto.Message) {
	switch msg.Type {
	case proto.MsgTypeDecision:
		tier, err := proto.ParseDecisionTier(msg.PayloadString(proto.KeyTier))
		if err != nil {
			e.logger.Warn("Dropping decision proposal with bad tier from %s: %v", msg.From, err)
			return
		}
		_, err = e.Propose(msg.PayloadString(proto.KeyTitle),
			msg.PayloadString(proto.KeyDescription), msg.From, tier)
		if err != nil {
			e.logger.Error("Failed to record proposal from %s: %v", msg.From, err)
		}
	case proto.MsgTypeVote:
		vote, err := proto.ParseVote(msg.PayloadString(proto.KeyVote))
		if err != nil {
			e.logger.Warn("Dropping malformed vote from %s: %v", msg.From, err)
			return
		}
		if err := e.RecordVote(msg.CorrelationID, msg.From, vote); err != nil {
			e.logger.Error("Failed to record vote from %s on %s: %v", msg.From, msg.CorrelationID, err)
		}
	default:
	}
}

// Propose inserts a pending decision and emits decision_proposed. Operational
// decisions auto-approve immediately.
func (e *Engine) Propose(title, description, proposedBy string, tier proto.DecisionTier) (*persistence.Decision, error) {
	d := &persistence.Decision{
		Title:       title,
		Description: description,
		ProposedBy:  proposedBy,
		Tier:        tier,
		Status:      proto.DecisionPending,
	}
	if err := e.store.CreateDecision(d); err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(&persistence.Event{
		EventType:     proto.EventDecisionProposed,
		SourceAgent:   proposedBy,
		Payload:       e.eventPayload(d, ""),
		CorrelationID: d.ID,
	}); err != nil {
		e.logger.Error("Failed to log proposal event for %s: %v", d.ID, err)
	}
	e.logger.Info("Decision proposed: id=%s tier=%s by=%s", d.ID, tier, proposedBy)

	if tier == proto.TierOperational {
		if err := e.resolve(d, proto.DecisionApproved, "auto-approved: operational tier"); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// RecordVote applies one vote and re-evaluates the decision. Votes on
// resolved decisions are rejected as no-ops. Lost optimistic-lock races are
// retried against a fresh read.
func (e *Engine) RecordVote(decisionID, voter string, vote proto.Vote) error {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		d, err := e.store.GetDecision(decisionID)
		if err != nil {
			return err
		}
		if d.Status.IsResolved() {
			e.logger.Info("Ignoring vote on resolved decision %s from %s (status=%s)",
				decisionID, voter, d.Status)
			return nil
		}

		if err := e.applyVote(d, voter, vote); err != nil {
			return err
		}
		status, reason := e.evaluate(d)

		eventType := proto.EventDecisionVoted
		if status.IsResolved() {
			eventType = proto.EventDecisionResolved
			now := e.now().UTC()
			d.ResolvedAt = &now
		}
		d.Status = status

		err = e.store.UpdateDecision(d, &persistence.Event{
			EventType:     eventType,
			SourceAgent:   voter,
			Payload:       e.eventPayload(d, reason),
			CorrelationID: d.ID,
		})
		if errors.Is(err, persistence.ErrStaleDecision) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		if status == proto.DecisionPending && vote == proto.VoteVeto {
			e.resolicit(d, voter)
		}
		e.logger.Info("Vote recorded: decision=%s voter=%s vote=%s status=%s round=%d",
			d.ID, voter, vote, d.Status, d.VetoRound)
		return nil
	}
	return fmt.Errorf("failed to record vote on %s after %d attempts: %w",
		decisionID, updateRetries, lastErr)
}

// applyVote writes the vote into the right slot for the voter's role.
func (e *Engine) applyVote(d *persistence.Decision, voter string, vote proto.Vote) error {
	agentType, err := proto.ParseAgentType(voter)
	if err != nil {
		return fmt.Errorf("vote from unknown voter %s: %w", voter, err)
	}
	switch agentType {
	case proto.AgentCEO:
		v := vote
		d.CEOVote = &v
	case proto.AgentDAO:
		v := vote
		d.DAOVote = &v
	default:
		if d.CLevelVotes == nil {
			d.CLevelVotes = map[proto.AgentType]proto.Vote{}
		}
		d.CLevelVotes[agentType] = vote
	}
	return nil
}

// evaluate computes the next status after a vote. A veto from a required
// voter burns one veto round; the decision stays pending for re-solicitation
// until the round cap, when it becomes vetoed. All required voters approving
// resolves the decision unless a human signoff is still outstanding.
func (e *Engine) evaluate(d *persistence.Decision) (proto.DecisionStatus, string) {
	req := d.Tier.Requirements()

	vetoed := (req.CEORequired && d.CEOVote != nil && *d.CEOVote == proto.VoteVeto) ||
		(req.DAORequired && d.DAOVote != nil && *d.DAOVote == proto.VoteVeto)
	if vetoed {
		d.VetoRound++
		if d.VetoRound >= e.vetoRoundCap() {
			return proto.DecisionVetoed, fmt.Sprintf("veto round cap reached (%d)", d.VetoRound)
		}
		// Clear the round's votes so the revised proposal is voted afresh.
		d.CEOVote = nil
		d.DAOVote = nil
		return proto.DecisionPending, fmt.Sprintf("vetoed, round %d of %d", d.VetoRound, e.vetoRoundCap())
	}

	approved := d.CEOVote != nil && *d.CEOVote == proto.VoteApprove
	if req.CEORequired && !req.CEOVetoOnly && !approved {
		return proto.DecisionPending, "awaiting CEO vote"
	}
	if req.CEOVetoOnly && !approved {
		// Veto-only tiers resolve by explicit approval or by timeout.
		return proto.DecisionPending, "awaiting CEO veto window"
	}
	if req.DAORequired && (d.DAOVote == nil || *d.DAOVote != proto.VoteApprove) {
		return proto.DecisionPending, "awaiting DAO vote"
	}
	if req.HumanRequired {
		return proto.DecisionPending, "awaiting human signoff"
	}
	return proto.DecisionApproved, "all required voters approved"
}

// resolicit asks the proposer to revise after a veto.
func (e *Engine) resolicit(d *persistence.Decision, vetoedBy string) {
	if e.bus == nil {
		return
	}
	msg := proto.NewMessage(proto.MsgTypeDecision, vetoedBy, d.ProposedBy)
	msg.CorrelationID = d.ID
	msg.Priority = proto.PriorityHigh
	msg.SetPayload(proto.KeyDecisionID, d.ID)
	msg.SetPayload(proto.KeyTitle, d.Title)
	msg.SetPayload(proto.KeyReason, fmt.Sprintf("vetoed in round %d; revise and resubmit", d.VetoRound))
	if err := e.bus.PublishMessage(msg); err != nil {
		e.logger.Error("Failed to re-solicit proposer %s for %s: %v", d.ProposedBy, d.ID, err)
	}
}

// SweepTimeouts resolves or escalates pending decisions whose tier deadline
// has passed. Runs from the scheduler's escalation-timeout job.
func (e *Engine) SweepTimeouts() error {
	pending, err := e.store.ListDecisionsByStatus(proto.DecisionPending)
	if err != nil {
		return err
	}
	now := e.now()
	for _, d := range pending {
		timeout := e.tierTimeout(d.Tier)
		if timeout <= 0 || now.Sub(d.CreatedAt) < timeout {
			continue
		}
		req := d.Tier.Requirements()
		if req.AutoApproveOnTimeout {
			if err := e.resolve(d, proto.DecisionApproved, "auto-approved: timeout with no veto"); err != nil {
				e.logger.Error("Failed to auto-approve %s: %v", d.ID, err)
			}
			continue
		}
		if err := e.escalate(d, fmt.Sprintf("timeout after %s with required votes missing", timeout)); err != nil {
			e.logger.Error("Failed to escalate %s: %v", d.ID, err)
		}
	}
	return nil
}

// escalate moves a decision to escalated and notifies human channels. Exactly
// one escalation row is created per decision.
func (e *Engine) escalate(d *persistence.Decision, reason string) error {
	if _, err := e.store.GetEscalationByDecision(d.ID); err == nil {
		return nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	d.Status = proto.DecisionEscalated
	if err := e.store.UpdateDecision(d, &persistence.Event{
		EventType:     proto.EventEscalationCreated,
		SourceAgent:   d.ProposedBy,
		Payload:       e.eventPayload(d, reason),
		CorrelationID: d.ID,
	}); err != nil {
		return err
	}

	notified := e.notifyHumans(d, reason)
	esc := &persistence.Escalation{
		DecisionID:       d.ID,
		Reason:           reason,
		ChannelsNotified: notified,
		Status:           proto.EscalationPending,
	}
	if err := e.store.CreateEscalation(esc); err != nil {
		return err
	}
	e.logger.Warn("Decision %s escalated: %s (notified %v)", d.ID, reason, notified)
	return nil
}

// notifyHumans tries every configured channel; a failed channel is skipped
// and retried on the next timeout tick.
func (e *Engine) notifyHumans(d *persistence.Decision, reason string) []string {
	notified := make([]string, 0, len(e.humanChannels))
	for _, channel := range e.humanChannels {
		if e.notifier == nil {
			notified = append(notified, channel)
			continue
		}
		if err := e.notifier.Notify(channel, d, reason); err != nil {
			e.logger.Error("Escalation notify failed on %s for %s: %v", channel, d.ID, err)
			continue
		}
		notified = append(notified, channel)
	}
	return notified
}

// SweepEscalations re-notifies overdue pending escalations, bounded by the
// notify cap. The decision itself stays escalated.
func (e *Engine) SweepEscalations() error {
	pending, err := e.store.PendingEscalations()
	if err != nil {
		return err
	}
	now := e.now()
	for _, esc := range pending {
		d, err := e.store.GetDecision(esc.DecisionID)
		if err != nil {
			e.logger.Error("Escalation %s references missing decision %s", esc.ID, esc.DecisionID)
			continue
		}
		severity := severityForTier(d.Tier)
		if now.Sub(esc.CreatedAt) < e.escalationTimeout(severity) {
			continue
		}
		count, bumped, err := e.store.IncrementNotifyCount(esc.ID, e.maxNotify)
		if err != nil {
			e.logger.Error("Failed to bump notify count for %s: %v", esc.ID, err)
			continue
		}
		if !bumped {
			continue
		}
		e.notifyHumans(d, esc.Reason)
		e.logger.Info("Escalation %s re-notified (%d of %d)", esc.ID, count, e.maxNotify)
	}
	return nil
}

// HandleHumanResponse records a human's answer to an escalation and resolves
// the decision when the answer is decisive.
func (e *Engine) HandleHumanResponse(decisionID, response string) error {
	esc, err := e.store.GetEscalationByDecision(decisionID)
	if err != nil {
		return err
	}
	if err := e.store.RecordEscalationResponse(esc.ID, response); err != nil {
		return err
	}
	if err := e.store.AppendEvent(&persistence.Event{
		EventType:     proto.EventEscalationResolved,
		Payload:       fmt.Sprintf(`{"escalation_id":%q,"response":%q}`, esc.ID, response),
		CorrelationID: decisionID,
	}); err != nil {
		e.logger.Error("Failed to log escalation resolution for %s: %v", decisionID, err)
	}

	var status proto.DecisionStatus
	switch response {
	case "approve", "approved":
		status = proto.DecisionApproved
	case "reject", "rejected":
		status = proto.DecisionRejected
	default:
		e.logger.Info("Non-decisive human response on %s: %q", decisionID, response)
		return nil
	}

	d, err := e.store.GetDecision(decisionID)
	if err != nil {
		return err
	}
	if !d.Status.CanTransitionTo(status) {
		return fmt.Errorf("decision %s cannot move %s -> %s", d.ID, d.Status, status)
	}
	d.HumanDecision = response
	return e.resolve(d, status, "human response: "+response)
}

// resolve writes a terminal status with its decision_resolved event.
func (e *Engine) resolve(d *persistence.Decision, status proto.DecisionStatus, reason string) error {
	now := e.now().UTC()
	d.Status = status
	d.ResolvedAt = &now
	return e.store.UpdateDecision(d, &persistence.Event{
		EventType:     proto.EventDecisionResolved,
		SourceAgent:   d.ProposedBy,
		Payload:       e.eventPayload(d, reason),
		CorrelationID: d.ID,
	})
}

// tierTimeout returns the decision deadline, overridable at runtime via
// decisions.timeout_<tier> in milliseconds.
func (e *Engine) tierTimeout(tier proto.DecisionTier) time.Duration {
	def := tier.Requirements().Timeout
	if e.settings == nil {
		return def
	}
	ms := e.settings.GetInt(persistence.SettingsDecisions, "timeout_"+string(tier),
		int(def.Milliseconds()))
	return time.Duration(ms) * time.Millisecond
}

// escalationTimeout returns the re-notification deadline, overridable via
// escalation.timeout_<severity> in seconds.
func (e *Engine) escalationTimeout(severity proto.EscalationSeverity) time.Duration {
	def := severity.DefaultTimeout()
	if e.settings == nil {
		return def
	}
	secs := e.settings.GetInt("escalation", "timeout_"+string(severity), int(def.Seconds()))
	return time.Duration(secs) * time.Second
}

func (e *Engine) vetoRoundCap() int {
	if e.settings == nil {
		return e.maxVetoRounds
	}
	return e.settings.GetInt(persistence.SettingsDecisions, "max_veto_rounds", e.maxVetoRounds)
}

func severityForTier(tier proto.DecisionTier) proto.EscalationSeverity {
	switch tier {
	case proto.TierCritical:
		return proto.SeverityHigh
	case proto.TierMajor:
		return proto.SeverityMedium
	default:
		return proto.SeverityLow
	}
}

func (e *Engine) eventPayload(d *persistence.Decision, reason string) string {
	payload := map[string]any{
		"decision_id": d.ID,
		"tier":        string(d.Tier),
		"status":      string(d.Status),
		"veto_round":  d.VetoRound,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}
