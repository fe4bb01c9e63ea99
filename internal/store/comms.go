package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/models"
)

// AddCommunication appends a message to a task's side channel.
func (s *Store) AddCommunication(taskID, sender, content string) (*models.Communication, error) {
	c := &models.Communication{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO task_communications (id, task_id, sender, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.Sender, c.Content, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert communication: %w", err)
	}
	return c, nil
}

// ListCommunications returns a task's side-channel messages, oldest
// first.
func (s *Store) ListCommunications(taskID string) ([]models.Communication, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, sender, content, created_at FROM task_communications
		 WHERE task_id = ? ORDER BY created_at`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query communications: %w", err)
	}
	defer rows.Close()

	var out []models.Communication
	for rows.Next() {
		var c models.Communication
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Sender, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WriteAudit inserts a decision record for a mutating operation.
func (s *Store) WriteAudit(action, inputsHash, outcome, taskID, details string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, action, inputs_hash, outcome, task_id, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.TaskID, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}
