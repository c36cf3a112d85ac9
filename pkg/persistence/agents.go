package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/proto"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// UpsertAgent inserts or updates a roster agent keyed by agent type. The
// roster is fixed; startup reconciles config against these rows.
func (s *Store) UpsertAgent(agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if agent.Status == "" {
		agent.Status = proto.AgentStatusInactive
	}

	query := `
		INSERT INTO agents (id, agent_type, name, profile_ref, loop_interval, status, last_heartbeat, container_handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_type) DO UPDATE SET
			name = excluded.name,
			profile_ref = excluded.profile_ref,
			loop_interval = excluded.loop_interval
	`
	_, err := s.db.Exec(query,
		agent.ID, string(agent.AgentType), agent.Name, agent.ProfileRef,
		agent.LoopInterval, string(agent.Status), agent.LastHeartbeat,
		agent.ContainerHandle, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.AgentType, err)
	}
	return nil
}

// GetAgent looks up one agent by type.
func (s *Store) GetAgent(agentType proto.AgentType) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT id, agent_type, name, profile_ref, loop_interval, status, last_heartbeat, container_handle, created_at
		FROM agents WHERE agent_type = ?`, string(agentType))
	return scanAgent(row)
}

// ListAgents returns the whole roster ordered by type.
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_type, name, profile_ref, loop_interval, status, last_heartbeat, container_handle, created_at
		FROM agents ORDER BY agent_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus moves an agent through its lifecycle, enforcing the
// allowed transition graph.
func (s *Store) UpdateAgentStatus(agentType proto.AgentType, status proto.AgentStatus) error {
	agent, err := s.GetAgent(agentType)
	if err != nil {
		return err
	}
	if !agent.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid agent status transition %s -> %s for %s", agent.Status, status, agentType)
	}
	_, err = s.db.Exec(`UPDATE agents SET status = ? WHERE agent_type = ?`,
		string(status), string(agentType))
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return nil
}

// TouchHeartbeat records a liveness timestamp for an agent.
func (s *Store) TouchHeartbeat(agentType proto.AgentType, at time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET last_heartbeat = ? WHERE agent_type = ?`,
		at.UTC(), string(agentType))
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// SetContainerHandle records the container identifier hosting the agent
// runtime, or clears it when handle is empty.
func (s *Store) SetContainerHandle(agentType proto.AgentType, handle string) error {
	_, err := s.db.Exec(`UPDATE agents SET container_handle = ? WHERE agent_type = ?`,
		handle, string(agentType))
	if err != nil {
		return fmt.Errorf("failed to set container handle: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		agent      Agent
		agentType  string
		status     string
		profileRef sql.NullString
		heartbeat  sql.NullTime
		container  sql.NullString
	)
	err := row.Scan(&agent.ID, &agentType, &agent.Name, &profileRef,
		&agent.LoopInterval, &status, &heartbeat, &container, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	agent.AgentType = proto.AgentType(agentType)
	agent.Status = proto.AgentStatus(status)
	agent.ProfileRef = profileRef.String
	agent.ContainerHandle = container.String
	if heartbeat.Valid {
		t := heartbeat.Time
		agent.LastHeartbeat = &t
	}
	return &agent, nil
}
