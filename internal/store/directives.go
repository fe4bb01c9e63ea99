package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/models"
)

// CreateDirective records an externally raised directive for a network.
func (s *Store) CreateDirective(networkID, directiveType, content, createdBy string) (*models.Directive, error) {
	d := &models.Directive{
		ID:        uuid.New().String(),
		NetworkID: networkID,
		Type:      directiveType,
		Content:   content,
		Status:    models.DirectivePending,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO directives (id, network_id, directive_type, content, status, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.NetworkID, d.Type, d.Content, d.Status, d.CreatedBy, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert directive: %w", err)
	}
	return d, nil
}

// GetDirective retrieves a directive by ID. Returns nil when not found.
func (s *Store) GetDirective(id string) (*models.Directive, error) {
	row := s.db.QueryRow(
		`SELECT id, network_id, directive_type, content, status, created_by, created_at, resolved_at
		 FROM directives WHERE id = ?`,
		id,
	)
	d, err := scanDirective(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query directive: %w", err)
	}
	return d, nil
}

// ListPendingDirectives returns a network's unresolved directives,
// oldest first.
func (s *Store) ListPendingDirectives(networkID string) ([]models.Directive, error) {
	rows, err := s.db.Query(
		`SELECT id, network_id, directive_type, content, status, created_by, created_at, resolved_at
		 FROM directives WHERE network_id = ? AND status IN (?, ?) ORDER BY created_at`,
		networkID, models.DirectivePending, models.DirectiveAcknowledged,
	)
	if err != nil {
		return nil, fmt.Errorf("query directives: %w", err)
	}
	defer rows.Close()

	var out []models.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDirectiveStatus moves a directive through its lifecycle and
// stamps resolved_at for terminal states.
func (s *Store) UpdateDirectiveStatus(id string, status models.DirectiveStatus) error {
	now := time.Now().UTC()
	var resolvedAt interface{}
	if status == models.DirectiveApplied || status == models.DirectiveRejected {
		resolvedAt = now
	}
	res, err := s.db.Exec(
		`UPDATE directives SET status = ?, resolved_at = ? WHERE id = ?`,
		status, resolvedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update directive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("directive %s not found", id)
	}
	return nil
}

func scanDirective(row rowScanner) (*models.Directive, error) {
	d := &models.Directive{}
	var createdBy, content sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.NetworkID, &d.Type, &content, &d.Status, &createdBy, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Content = content.String
	d.CreatedBy = createdBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}
