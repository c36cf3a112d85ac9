package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardroom/pkg/proto"
)

// SetState upserts one key of an agent's working state.
func (s *Store) SetState(agentID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_state (agent_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		agentID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set state %s/%s: %w", agentID, key, err)
	}
	return nil
}

// SetStateBatch upserts several keys in one transaction so a loop's state
// updates land together.
func (s *Store) SetStateBatch(agentID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for key, value := range values {
			if _, err := tx.Exec(`
				INSERT INTO agent_state (agent_id, key, value, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(agent_id, key) DO UPDATE SET
					value = excluded.value,
					updated_at = excluded.updated_at`,
				agentID, key, value, now); err != nil {
				return fmt.Errorf("failed to set state %s/%s: %w", agentID, key, err)
			}
		}
		return nil
	})
}

// GetState reads one state key. Missing keys return ErrNotFound.
func (s *Store) GetState(agentID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM agent_state WHERE agent_id = ? AND key = ?`,
		agentID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get state %s/%s: %w", agentID, key, err)
	}
	return value, nil
}

// GetStates reads the named keys in a single query. Absent keys are simply
// missing from the returned map.
func (s *Store) GetStates(agentID string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, agentID)
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := s.db.Query(
		`SELECT key, value FROM agent_state WHERE agent_id = ? AND key IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query states for %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

// GetEssentialState reads the keys every loop starts from, in one query.
func (s *Store) GetEssentialState(agentID string) (map[string]string, error) {
	return s.GetStates(agentID, proto.EssentialStateKeys())
}

// DeleteState removes one state key. Deleting an absent key is not an error.
func (s *Store) DeleteState(agentID, key string) error {
	_, err := s.db.Exec(`DELETE FROM agent_state WHERE agent_id = ? AND key = ?`, agentID, key)
	if err != nil {
		return fmt.Errorf("failed to delete state %s/%s: %w", agentID, key, err)
	}
	return nil
}
