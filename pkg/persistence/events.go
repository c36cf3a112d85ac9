package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/proto"
)

// AppendEvent writes one append-only audit event. Events are never updated
// or deleted.
func (s *Store) AppendEvent(ev *Event) error {
	return insertEventExec(s.db, ev)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEvent(tx *sql.Tx, ev *Event) error {
	return insertEventExec(tx, ev)
}

func insertEventExec(db execer, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if _, ok := proto.ValidateEventType(string(ev.EventType)); !ok {
		return fmt.Errorf("unknown event type: %s", ev.EventType)
	}
	_, err := db.Exec(`
		INSERT INTO events (id, event_type, source_agent, target_agent, payload, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.EventType), ev.SourceAgent, ev.TargetAgent,
		ev.Payload, ev.CorrelationID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.EventType, err)
	}
	return nil
}

// EventsByCorrelation returns all events sharing a correlation ID, oldest
// first, reconstructing one workflow's trail.
func (s *Store) EventsByCorrelation(correlationID string) ([]*Event, error) {
	rows, err := s.db.Query(eventSelect+` WHERE correlation_id = ? ORDER BY created_at ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by correlation: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEventRows(rows)
}

// RecentEvents returns the newest events, optionally filtered by type.
func (s *Store) RecentEvents(eventType proto.EventType, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if eventType == "" {
		rows, err = s.db.Query(eventSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(eventSelect+` WHERE event_type = ? ORDER BY created_at DESC LIMIT ?`,
			string(eventType), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEventRows(rows)
}

// EventsSince returns events created after the cutoff, oldest first. The
// daily digest builds from this.
func (s *Store) EventsSince(cutoff time.Time) ([]*Event, error) {
	rows, err := s.db.Query(eventSelect+` WHERE created_at > ? ORDER BY created_at ASC`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events since %s: %w", cutoff, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEventRows(rows)
}

const eventSelect = `
	SELECT id, event_type, source_agent, target_agent, payload, correlation_id, created_at
	FROM events`

func scanEventRows(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			ev            Event
			eventType     string
			sourceAgent   sql.NullString
			targetAgent   sql.NullString
			payload       sql.NullString
			correlationID sql.NullString
		)
		if err := rows.Scan(&ev.ID, &eventType, &sourceAgent, &targetAgent,
			&payload, &correlationID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.EventType = proto.EventType(eventType)
		ev.SourceAgent = sourceAgent.String
		ev.TargetAgent = targetAgent.String
		ev.Payload = payload.String
		ev.CorrelationID = correlationID.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}
