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

// CreateEscalation records a decision handed to a human, with the channels
// already notified.
func (s *Store) CreateEscalation(e *Escalation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = proto.EscalationPending
	}
	if e.NotifyCount == 0 {
		e.NotifyCount = 1
	}

	channels, err := json.Marshal(e.ChannelsNotified)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO escalations (id, decision_id, reason, channels_notified, human_response,
			responded_at, status, notify_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DecisionID, e.Reason, string(channels), e.HumanResponse,
		e.RespondedAt, string(e.Status), e.NotifyCount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escalation for decision %s: %w", e.DecisionID, err)
	}
	return nil
}

// GetEscalationByDecision returns the open escalation for a decision, if any.
func (s *Store) GetEscalationByDecision(decisionID string) (*Escalation, error) {
	row := s.db.QueryRow(escalationSelect+` WHERE decision_id = ? ORDER BY created_at DESC LIMIT 1`,
		decisionID)
	return scanEscalation(row)
}

// PendingEscalations returns unanswered escalations, oldest first.
func (s *Store) PendingEscalations() ([]*Escalation, error) {
	rows, err := s.db.Query(escalationSelect+` WHERE status = ? ORDER BY created_at ASC`,
		string(proto.EscalationPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var escalations []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

// RecordEscalationResponse marks an escalation answered by a human.
func (s *Store) RecordEscalationResponse(id, response string) error {
	res, err := s.db.Exec(`
		UPDATE escalations SET human_response = ?, responded_at = ?, status = ?
		WHERE id = ? AND status = ?`,
		response, time.Now().UTC(), string(proto.EscalationResponded),
		id, string(proto.EscalationPending))
	if err != nil {
		return fmt.Errorf("failed to record escalation response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check escalation update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementNotifyCount bumps the repeat-notification counter up to max.
// Returns the new count and whether the bump was applied.
func (s *Store) IncrementNotifyCount(id string, max int) (int, bool, error) {
	res, err := s.db.Exec(`
		UPDATE escalations SET notify_count = notify_count + 1
		WHERE id = ? AND status = ? AND notify_count < ?`,
		id, string(proto.EscalationPending), max)
	if err != nil {
		return 0, false, fmt.Errorf("failed to bump notify count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to check notify bump: %w", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT notify_count FROM escalations WHERE id = ?`, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("failed to read notify count: %w", err)
	}
	return count, n > 0, nil
}

// MarkEscalationTimeout closes an unanswered escalation.
func (s *Store) MarkEscalationTimeout(id string) error {
	_, err := s.db.Exec(`UPDATE escalations SET status = ? WHERE id = ? AND status = ?`,
		string(proto.EscalationTimeout), id, string(proto.EscalationPending))
	if err != nil {
		return fmt.Errorf("failed to mark escalation timeout: %w", err)
	}
	return nil
}

const escalationSelect = `
	SELECT id, decision_id, reason, channels_notified, human_response,
		responded_at, status, notify_count, created_at
	FROM escalations`

func scanEscalation(row rowScanner) (*Escalation, error) {
	var (
		e           Escalation
		channels    string
		response    sql.NullString
		respondedAt sql.NullTime
		status      string
	)
	err := row.Scan(&e.ID, &e.DecisionID, &e.Reason, &channels, &response,
		&respondedAt, &status, &e.NotifyCount, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}
	e.HumanResponse = response.String
	e.Status = proto.EscalationStatus(status)
	if respondedAt.Valid {
		t := respondedAt.Time
		e.RespondedAt = &t
	}
	if channels != "" {
		if err := json.Unmarshal([]byte(channels), &e.ChannelsNotified); err != nil {
			return nil, fmt.Errorf("failed to parse channels for escalation %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
