package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/models"
)

// AddDependency records a declarative dependency edge between tasks.
func (s *Store) AddDependency(taskID, dependsOnTaskID string, depType models.DependencyType) (*models.TaskDependency, error) {
	dep := &models.TaskDependency{
		ID:              uuid.New().String(),
		TaskID:          taskID,
		DependsOnTaskID: dependsOnTaskID,
		Type:            depType,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO task_dependencies (id, task_id, depends_on_task_id, dependency_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		dep.ID, dep.TaskID, dep.DependsOnTaskID, dep.Type, dep.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert dependency: %w", err)
	}
	return dep, nil
}

// ListDependencies returns the dependency edges declared for a task.
func (s *Store) ListDependencies(taskID string) ([]models.TaskDependency, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, depends_on_task_id, dependency_type, created_at
		 FROM task_dependencies WHERE task_id = ? ORDER BY created_at`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []models.TaskDependency
	for rows.Next() {
		var d models.TaskDependency
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOnTaskID, &d.Type, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// DependenciesSatisfied reports whether every requires_completion
// dependency of a task points at a completed task. Other dependency
// types are declarative only and not interpreted.
func (s *Store) DependenciesSatisfied(taskID string) (bool, error) {
	deps, err := s.ListDependencies(taskID)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.Type != models.DependencyRequiresCompletion {
			continue
		}
		upstream, err := s.GetTask(d.DependsOnTaskID)
		if err != nil {
			return false, err
		}
		if upstream == nil || upstream.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
