package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/proto"
)

// CreateTask inserts a task, clamping priority into the 1..5 range.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = proto.TaskPending
	}
	if t.Priority < proto.TaskPriorityHighest {
		t.Priority = proto.TaskPriorityHighest
	}
	if t.Priority > proto.TaskPriorityLowest {
		t.Priority = proto.TaskPriorityLowest
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, assigned_to, created_by, status, priority,
			due_date, completed_at, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.AssignedTo, t.CreatedBy, string(t.Status),
		t.Priority, t.DueDate, t.CompletedAt, t.Result, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask reads one task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// PendingTasks returns an agent's pending tasks ordered by priority then age.
// maxPriority bounds which tasks qualify; pass TaskPriorityLowest for all.
func (s *Store) PendingTasks(assignedTo string, maxPriority, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(taskSelect+`
		WHERE assigned_to = ? AND status = ? AND priority <= ?
		ORDER BY priority ASC, created_at ASC LIMIT ?`,
		assignedTo, string(proto.TaskPending), maxPriority, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks for %s: %w", assignedTo, err)
	}
	defer func() { _ = rows.Close() }()
	return scanTaskRows(rows)
}

// UpdateTaskStatus transitions a task, recording completion time and result
// for terminal states.
func (s *Store) UpdateTaskStatus(id string, status proto.TaskStatus, result string) error {
	var completedAt any
	switch status {
	case proto.TaskCompleted, proto.TaskFailed, proto.TaskCancelled:
		completedAt = time.Now().UTC()
	default:
		completedAt = nil
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		string(status), result, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// KanbanForAgent counts the agent's tasks per status for the loop prompt.
func (s *Store) KanbanForAgent(assignedTo string) (*KanbanCounts, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM tasks WHERE assigned_to = ? GROUP BY status`, assignedTo)
	if err != nil {
		return nil, fmt.Errorf("failed to query kanban counts for %s: %w", assignedTo, err)
	}
	defer func() { _ = rows.Close() }()

	counts := &KanbanCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan kanban row: %w", err)
		}
		switch proto.TaskStatus(status) {
		case proto.TaskPending:
			counts.Pending = n
		case proto.TaskInProgress:
			counts.InProgress = n
		case proto.TaskCompleted:
			counts.Completed = n
		case proto.TaskFailed:
			counts.Failed = n
		case proto.TaskCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}

const taskSelect = `
	SELECT id, title, description, assigned_to, created_by, status, priority,
		due_date, completed_at, result, created_at
	FROM tasks`

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		desc        sql.NullString
		status      string
		dueDate     sql.NullTime
		completedAt sql.NullTime
		result      sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &desc, &t.AssignedTo, &t.CreatedBy, &status,
		&t.Priority, &dueDate, &completedAt, &result, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Description = desc.String
	t.Status = proto.TaskStatus(status)
	t.Result = result.String
	if dueDate.Valid {
		d := dueDate.Time
		t.DueDate = &d
	}
	if completedAt.Valid {
		c := completedAt.Time
		t.CompletedAt = &c
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
