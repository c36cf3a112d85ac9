package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/proto"
)

// ErrStaleDecision is returned when an optimistic update loses the race with
// a concurrent writer; the caller re-reads and retries.
var ErrStaleDecision = errors.New("decision was modified concurrently")

// CreateDecision inserts a pending decision.
func (s *Store) CreateDecision(d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = proto.DecisionPending
	}
	if d.CLevelVotes == nil {
		d.CLevelVotes = map[proto.AgentType]proto.Vote{}
	}

	votesJSON, err := json.Marshal(d.CLevelVotes)
	if err != nil {
		return fmt.Errorf("failed to marshal votes: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO decisions (id, title, description, proposed_by, tier, status, veto_round,
			ceo_vote, dao_vote, clevel_votes, human_decision, resolved_at, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Description, d.ProposedBy, string(d.Tier), string(d.Status),
		d.VetoRound, voteOrNil(d.CEOVote), voteOrNil(d.DAOVote), string(votesJSON),
		d.HumanDecision, d.ResolvedAt, d.Version, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create decision %s: %w", d.ID, err)
	}
	return nil
}

// GetDecision reads one decision by ID.
func (s *Store) GetDecision(id string) (*Decision, error) {
	row := s.db.QueryRow(decisionSelect+` WHERE id = ?`, id)
	return scanDecision(row)
}

// ListDecisionsByStatus returns decisions in a status, oldest first so the
// timeout sweep sees the most overdue rows first.
func (s *Store) ListDecisionsByStatus(status proto.DecisionStatus) ([]*Decision, error) {
	rows, err := s.db.Query(decisionSelect+` WHERE status = ? ORDER BY created_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// UpdateDecision writes votes, status, veto round and resolution under an
// optimistic version check, and appends the audit event in the same
// transaction when ev is non-nil.
func (s *Store) UpdateDecision(d *Decision, ev *Event) error {
	votesJSON, err := json.Marshal(d.CLevelVotes)
	if err != nil {
		return fmt.Errorf("failed to marshal votes: %w", err)
	}

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE decisions SET status = ?, veto_round = ?, ceo_vote = ?, dao_vote = ?,
				clevel_votes = ?, human_decision = ?, resolved_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(d.Status), d.VetoRound, voteOrNil(d.CEOVote), voteOrNil(d.DAOVote),
			string(votesJSON), d.HumanDecision, d.ResolvedAt, d.ID, d.Version)
		if err != nil {
			return fmt.Errorf("failed to update decision %s: %w", d.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check decision update: %w", err)
		}
		if n == 0 {
			return ErrStaleDecision
		}
		d.Version++

		if ev != nil {
			if err := insertEvent(tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

const decisionSelect = `
	SELECT id, title, description, proposed_by, tier, status, veto_round,
		ceo_vote, dao_vote, clevel_votes, human_decision, resolved_at, version, created_at
	FROM decisions`

func scanDecision(row rowScanner) (*Decision, error) {
	var (
		d          Decision
		desc       sql.NullString
		tier       string
		status     string
		ceoVote    sql.NullString
		daoVote    sql.NullString
		votesJSON  string
		humanDec   sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Title, &desc, &d.ProposedBy, &tier, &status, &d.VetoRound,
		&ceoVote, &daoVote, &votesJSON, &humanDec, &resolvedAt, &d.Version, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}
	d.Description = desc.String
	d.Tier = proto.DecisionTier(tier)
	d.Status = proto.DecisionStatus(status)
	d.HumanDecision = humanDec.String
	if ceoVote.Valid {
		v := proto.Vote(ceoVote.String)
		d.CEOVote = &v
	}
	if daoVote.Valid {
		v := proto.Vote(daoVote.String)
		d.DAOVote = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	d.CLevelVotes = map[proto.AgentType]proto.Vote{}
	if votesJSON != "" {
		if err := json.Unmarshal([]byte(votesJSON), &d.CLevelVotes); err != nil {
			return nil, fmt.Errorf("failed to parse votes for decision %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func voteOrNil(v *proto.Vote) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
