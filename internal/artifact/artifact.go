// Package artifact manages versioned documents whose content lives in
// the CAS. Each artifact carries an immutable history of revisions
// forming a DAG via parent pointers.
package artifact

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/cas"
	"github.com/loomhq/loom/internal/models"
)

// Sentinel errors for artifact lookups.
var (
	ErrNotFound         = errors.New("artifact not found")
	ErrRevisionNotFound = errors.New("revision not found")
)

// Manager provides artifact and revision operations over a shared
// database handle and the CAS.
type Manager struct {
	db  *sql.DB
	cas *cas.CAS
}

// NewManager wraps the given handle and CAS.
func NewManager(db *sql.DB, c *cas.CAS) *Manager {
	return &Manager{db: db, cas: c}
}

// Create makes a new artifact with one initial revision pointing at
// the hash of an empty blob. The artifact row and its initial revision
// are written in a single transaction so no half-created artifact is
// left behind.
func (m *Manager) Create(jobID, mimeType, taskID string, labels []string) (*models.Artifact, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}

	// Storing the empty blob is idempotent, so it can safely happen
	// outside the transaction below.
	emptyHash, err := m.cas.Store([]byte{}, mimeType)
	if err != nil {
		return nil, fmt.Errorf("store empty blob: %w", err)
	}

	now := time.Now().UTC()
	art := &models.Artifact{
		ID:        uuid.New().String(),
		JobID:     jobID,
		TaskID:    taskID,
		MimeType:  mimeType,
		Labels:    labels,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rev := &models.ArtifactRevision{
		ID:            uuid.New().String(),
		ArtifactID:    art.ID,
		ContentHash:   emptyHash,
		CommitMessage: "Initial revision",
		Author:        "system",
		CreatedAt:     now,
	}
	art.CurrentRevision = rev.ID

	labelsJSON, err := marshalLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("marshal labels: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO artifacts (id, job_id, task_id, current_revision, mime_type, labels, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.JobID, nullable(art.TaskID), art.CurrentRevision, art.MimeType, labelsJSON, art.CreatedAt, art.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO artifact_revisions (id, artifact_id, content_hash, parent_revisions, commit_message, author, created_at)
		 VALUES (?, ?, ?, NULL, ?, ?, ?)`,
		rev.ID, rev.ArtifactID, rev.ContentHash, rev.CommitMessage, rev.Author, rev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert initial revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return art, nil
}

// Commit appends a new revision pointing at contentHash and repoints
// the artifact's current revision. Prior revisions are never altered.
// When no parents are given the previous current revision becomes the
// sole parent.
func (m *Manager) Commit(artifactID, contentHash, message, author string, parents []string) (*models.ArtifactRevision, error) {
	art, err := m.Get(artifactID)
	if err != nil {
		return nil, err
	}

	if _, err := m.cas.GetMetadata(contentHash); err != nil {
		return nil, fmt.Errorf("content %s: %w", contentHash, err)
	}

	if len(parents) == 0 && art.CurrentRevision != "" {
		parents = []string{art.CurrentRevision}
	}
	parentsJSON, err := marshalLabels(parents)
	if err != nil {
		return nil, fmt.Errorf("marshal parents: %w", err)
	}

	now := time.Now().UTC()
	rev := &models.ArtifactRevision{
		ID:              uuid.New().String(),
		ArtifactID:      artifactID,
		ContentHash:     contentHash,
		ParentRevisions: parents,
		CommitMessage:   message,
		Author:          author,
		CreatedAt:       now,
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO artifact_revisions (id, artifact_id, content_hash, parent_revisions, commit_message, author, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.ArtifactID, rev.ContentHash, parentsJSON, rev.CommitMessage, rev.Author, rev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert revision: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE artifacts SET current_revision = ?, updated_at = ? WHERE id = ?`,
		rev.ID, now, artifactID,
	)
	if err != nil {
		return nil, fmt.Errorf("update current revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rev, nil
}

// Get retrieves an artifact by ID.
func (m *Manager) Get(artifactID string) (*models.Artifact, error) {
	row := m.db.QueryRow(
		`SELECT id, job_id, task_id, current_revision, mime_type, labels, created_at, updated_at
		 FROM artifacts WHERE id = ?`,
		artifactID,
	)
	art, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	return art, nil
}

// GetRevision retrieves a single revision by ID.
func (m *Manager) GetRevision(revisionID string) (*models.ArtifactRevision, error) {
	row := m.db.QueryRow(
		`SELECT id, artifact_id, content_hash, parent_revisions, commit_message, author, created_at
		 FROM artifact_revisions WHERE id = ?`,
		revisionID,
	)
	rev, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query revision: %w", err)
	}
	return rev, nil
}

// GetRevisions returns an artifact's full revision history as a flat
// list, newest first. This is a creation-time ordering, not a DAG
// walk.
func (m *Manager) GetRevisions(artifactID string) ([]models.ArtifactRevision, error) {
	rows, err := m.db.Query(
		`SELECT id, artifact_id, content_hash, parent_revisions, commit_message, author, created_at
		 FROM artifact_revisions WHERE artifact_id = ? ORDER BY created_at DESC`,
		artifactID,
	)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var revs []models.ArtifactRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revs = append(revs, *rev)
	}
	return revs, rows.Err()
}

// RevisionContent loads the bytes a revision points at.
func (m *Manager) RevisionContent(revisionID string) ([]byte, error) {
	rev, err := m.GetRevision(revisionID)
	if err != nil {
		return nil, err
	}
	return m.cas.Retrieve(rev.ContentHash)
}

// FindByTaskID returns the artifact attached to a task, or nil. By
// convention a task has at most one, but the store does not enforce
// uniqueness; callers treat "ensure artifact for task" as
// get-or-create.
func (m *Manager) FindByTaskID(taskID string) (*models.Artifact, error) {
	row := m.db.QueryRow(
		`SELECT id, job_id, task_id, current_revision, mime_type, labels, created_at, updated_at
		 FROM artifacts WHERE task_id = ? ORDER BY created_at LIMIT 1`,
		taskID,
	)
	art, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact by task: %w", err)
	}
	return art, nil
}

// FindByJobID returns all artifacts created under a job, oldest first.
func (m *Manager) FindByJobID(jobID string) ([]models.Artifact, error) {
	rows, err := m.db.Query(
		`SELECT id, job_id, task_id, current_revision, mime_type, labels, created_at, updated_at
		 FROM artifacts WHERE job_id = ? ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts by job: %w", err)
	}
	defer rows.Close()

	var arts []models.Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		arts = append(arts, *art)
	}
	return arts, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	art := &models.Artifact{}
	var taskID, currentRev, labelsJSON sql.NullString
	err := row.Scan(&art.ID, &art.JobID, &taskID, &currentRev, &art.MimeType, &labelsJSON, &art.CreatedAt, &art.UpdatedAt)
	if err != nil {
		return nil, err
	}
	art.TaskID = taskID.String
	art.CurrentRevision = currentRev.String
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &art.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	return art, nil
}

func scanRevision(row rowScanner) (*models.ArtifactRevision, error) {
	rev := &models.ArtifactRevision{}
	var parentsJSON, message, author sql.NullString
	err := row.Scan(&rev.ID, &rev.ArtifactID, &rev.ContentHash, &parentsJSON, &message, &author, &rev.CreatedAt)
	if err != nil {
		return nil, err
	}
	rev.CommitMessage = message.String
	rev.Author = author.String
	if parentsJSON.Valid && parentsJSON.String != "" {
		if err := json.Unmarshal([]byte(parentsJSON.String), &rev.ParentRevisions); err != nil {
			return nil, fmt.Errorf("decode parents: %w", err)
		}
	}
	return rev, nil
}

func marshalLabels(labels []string) (interface{}, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
