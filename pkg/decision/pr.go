package decision

import (
	"boardroom/pkg/proto"
)

// PRMetadata describes a pull request submitted for automated review.
type PRMetadata struct {
	ID          string
	Title       string
	Author      string
	Branch      string
	Description string
}

// PRVerdict is the outcome of the review predicate.
type PRVerdict struct {
	Approved bool
	Reasons  []string
}

// PRPredicate decides whether a PR may merge. The criteria are pluggable;
// installations replace DenyByDefault with their own policy.
type PRPredicate func(meta PRMetadata) PRVerdict

// DenyByDefault rejects every PR until an explicit policy is configured.
func DenyByDefault(PRMetadata) PRVerdict {
	return PRVerdict{Approved: false, Reasons: []string{"no review policy configured"}}
}

// SetPRPredicate installs the merge-review policy.
func (e *Engine) SetPRPredicate(p PRPredicate) {
	if p != nil {
		e.reviewPR = p
	}
}

// ReviewPR runs the predicate and publishes the verdict, correlated to the
// review request.
func (e *Engine) ReviewPR(meta PRMetadata, correlationID string) PRVerdict {
	verdict := e.reviewPR(meta)

	msgType := proto.MsgTypePRRejected
	if verdict.Approved {
		msgType = proto.MsgTypePRApprovedByRAG
	}
	msg := proto.NewMessage(msgType, "decision-engine", proto.ChannelOrchestrator)
	msg.CorrelationID = correlationID
	msg.SetPayload(proto.KeyPRID, meta.ID)
	msg.SetPayload("reasons", verdict.Reasons)
	if e.bus != nil {
		if err := e.bus.Publish(proto.ChannelOrchestrator, msg); err != nil {
			e.logger.Error("Failed to publish PR verdict for %s: %v", meta.ID, err)
		}
	}
	e.logger.Info("PR %s reviewed: approved=%t reasons=%v", meta.ID, verdict.Approved, verdict.Reasons)
	return verdict
}
