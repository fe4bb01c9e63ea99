package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/govern"
	"github.com/loomhq/loom/internal/models"
)

const taskColumns = `id, network_id, parent_job_id, status, task_type, description, parameters,
	step_number, depends_on, priority, created_by, assigned_to, progress, result,
	stage_json, policy_json, marker_json, created_at, updated_at, completed_at`

// ResultMode distinguishes provisional from final result writes.
type ResultMode string

const (
	ResultPartial ResultMode = "partial"
	ResultFinal   ResultMode = "final"
)

// SubtaskSpec describes one sub-task in a planned batch.
type SubtaskSpec struct {
	TaskType    string
	Description string
	Parameters  string
	Step        int
	DependsOn   []string
	Priority    models.Priority
}

// CreateMainTask inserts the network-level main task at stage
// initialized. A network may have exactly one main task.
func (s *Store) CreateMainTask(networkID, parentJobID, taskType, description, createdBy string) (*models.NetworkTask, error) {
	existing, err := s.GetMainTask(networkID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("network %s already has a main task", networkID)
	}

	now := time.Now().UTC()
	task := &models.NetworkTask{
		ID:          uuid.New().String(),
		NetworkID:   networkID,
		ParentJobID: parentJobID,
		Status:      models.TaskStatusQueued,
		TaskType:    taskType,
		Description: description,
		Priority:    models.PriorityMedium,
		CreatedBy:   createdBy,
		Stage:       &models.StageInfo{Stage: models.StageInitialized, UpdatedAt: now},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.insertTask(s.db, task); err != nil {
		return nil, fmt.Errorf("insert main task: %w", err)
	}
	return task, nil
}

// CreateSubtasks inserts a batch of sub-tasks in one transaction.
// Idempotency against an existing plan is the coordinator's concern.
func (s *Store) CreateSubtasks(networkID, createdBy string, specs []SubtaskSpec) ([]models.NetworkTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	tasks := make([]models.NetworkTask, 0, len(specs))
	for _, spec := range specs {
		step := spec.Step
		priority := spec.Priority
		if priority == "" {
			priority = models.PriorityMedium
		}
		task := models.NetworkTask{
			ID:          uuid.New().String(),
			NetworkID:   networkID,
			Status:      models.TaskStatusQueued,
			TaskType:    spec.TaskType,
			Description: spec.Description,
			Parameters:  spec.Parameters,
			StepNumber:  &step,
			DependsOn:   spec.DependsOn,
			Priority:    priority,
			CreatedBy:   createdBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.insertTask(tx, &task); err != nil {
			return nil, fmt.Errorf("insert subtask step %d: %w", step, err)
		}
		tasks = append(tasks, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return tasks, nil
}

// GetTask retrieves a task by ID. Returns nil when not found.
func (s *Store) GetTask(id string) (*models.NetworkTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM network_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// GetMainTask retrieves the network's main task (step_number IS NULL).
func (s *Store) GetMainTask(networkID string) (*models.NetworkTask, error) {
	row := s.db.QueryRow(
		`SELECT `+taskColumns+` FROM network_tasks WHERE network_id = ? AND step_number IS NULL`,
		networkID,
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query main task: %w", err)
	}
	return task, nil
}

// ListSubtasks returns a network's sub-tasks ordered by step number.
func (s *Store) ListSubtasks(networkID string) ([]models.NetworkTask, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM network_tasks
		 WHERE network_id = ? AND step_number IS NOT NULL
		 ORDER BY step_number, created_at`,
		networkID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByStatus returns tasks with the given status, optionally scoped
// to one network.
func (s *Store) ListByStatus(networkID string, status models.TaskStatus) ([]models.NetworkTask, error) {
	query := `SELECT ` + taskColumns + ` FROM network_tasks WHERE status = ?`
	args := []interface{}{status}
	if networkID != "" {
		query += ` AND network_id = ?`
		args = append(args, networkID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListNetworks returns the IDs of all known networks, newest first.
func (s *Store) ListNetworks() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT network_id FROM network_tasks WHERE step_number IS NULL ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query networks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan network id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTaskStatus updates a task's status. Completion is refused while
// the task still carries a partial result marker; completed_at is set
// on completion.
func (s *Store) UpdateTaskStatus(id string, status models.TaskStatus) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil {
		return govern.Errf(govern.CodeTaskNotFound, "task %s not found", id)
	}

	now := time.Now().UTC()
	if status == models.TaskStatusCompleted {
		if task.Marker != nil && task.Marker.Partial {
			return govern.Errf(govern.CodePartialContinueRequired,
				"task %s has a partial result by %s; the same author must finalize it", id, task.Marker.LastAuthor)
		}
		_, err = s.db.Exec(
			`UPDATE network_tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			status, now, now, id,
		)
		return err
	}

	_, err = s.db.Exec(
		`UPDATE network_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id,
	)
	return err
}

// UpdateProgress records a task's progress percentage.
func (s *Store) UpdateProgress(id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(
		`UPDATE network_tasks SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// AssignWorker records which worker a task is assigned to.
func (s *Store) AssignWorker(id, workerID string) error {
	res, err := s.db.Exec(
		`UPDATE network_tasks SET assigned_to = ?, updated_at = ? WHERE id = ?`,
		workerID, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SaveResult writes a task result. Partial writes always succeed and
// record the author on the marker. A final write fails with
// RESULT_PARTIAL_CONTINUE_REQUIRED when a different author holds a
// partial result; otherwise it records the result and clears the
// marker.
func (s *Store) SaveResult(id, result string, mode ResultMode, author string) (*models.NetworkTask, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, govern.Errf(govern.CodeTaskNotFound, "task %s not found", id)
	}

	now := time.Now().UTC()
	switch mode {
	case ResultPartial:
		task.Marker = &models.ResultMarker{Partial: true, LastAuthor: author, LastUpdatedAt: now}
	case ResultFinal:
		if task.Marker != nil && task.Marker.Partial && task.Marker.LastAuthor != author {
			return nil, govern.Errf(govern.CodePartialContinueRequired,
				"partial result on task %s belongs to %s; author %s may not finalize it", id, task.Marker.LastAuthor, author)
		}
		task.Marker = nil
	default:
		return nil, fmt.Errorf("unknown result mode %q", mode)
	}

	markerJSON, err := marshalNullable(task.Marker)
	if err != nil {
		return nil, fmt.Errorf("marshal marker: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE network_tasks SET result = ?, marker_json = ?, updated_at = ? WHERE id = ?`,
		result, markerJSON, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update result: %w", err)
	}

	task.Result = result
	task.UpdatedAt = now
	return task, nil
}

// DeleteSubtasksFromStep removes a network's not-yet-completed
// sub-tasks at or after the given step. Completed sub-tasks are never
// deleted. Returns the number of rows removed.
func (s *Store) DeleteSubtasksFromStep(networkID string, fromStep int) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM network_tasks
		 WHERE network_id = ? AND step_number IS NOT NULL AND step_number >= ? AND status != ?`,
		networkID, fromStep, models.TaskStatusCompleted,
	)
	if err != nil {
		return 0, fmt.Errorf("delete subtasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetNextRunnableTask returns a queued task at the network's next
// runnable step, or nil once every sub-task is completed.
func (s *Store) GetNextRunnableTask(networkID string) (*models.NetworkTask, error) {
	subtasks, err := s.ListSubtasks(networkID)
	if err != nil {
		return nil, err
	}
	step, ok := govern.NextRunnableStep(subtasks)
	if !ok {
		return nil, nil
	}
	for i := range subtasks {
		t := &subtasks[i]
		if t.StepNumber != nil && *t.StepNumber == step && t.Status == models.TaskStatusQueued {
			return t, nil
		}
	}
	return nil, nil
}

// StartSubtaskTx atomically transitions a sub-task to running. The
// ordering and concurrency checks run against rows read inside the
// same transaction as the status flip, so two callers racing on the
// same network cannot both start a task. The first transition to
// running in a network also promotes its stage from planning to
// executing.
func (s *Store) StartSubtaskTx(networkID, taskID string) (*models.NetworkTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+taskColumns+` FROM network_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, govern.Errf(govern.CodeTaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	if task.NetworkID != networkID {
		return nil, govern.Errf(govern.CodeNetworkIDMismatch,
			"task %s belongs to network %s, not %s", taskID, task.NetworkID, networkID)
	}
	if task.StepNumber == nil {
		return nil, govern.Errf(govern.CodeStepNumberRequired, "task %s is the main task", taskID)
	}
	if task.Status == models.TaskStatusRunning {
		return nil, govern.Errf(govern.CodeTaskAlreadyRunning, "task %s is already running", taskID)
	}
	if task.Status != models.TaskStatusQueued {
		return nil, govern.Errf(govern.CodeTaskNotQueued, "task %s is %s, not queued", taskID, task.Status)
	}

	rows, err := tx.Query(
		`SELECT `+taskColumns+` FROM network_tasks
		 WHERE network_id = ? AND step_number IS NOT NULL
		 ORDER BY step_number, created_at`,
		networkID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	subtasks, err := collectTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := govern.EnsureTaskIsNextAndNoConcurrent(subtasks, task); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE network_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusRunning, now, taskID, models.TaskStatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// Task changed under us between read and write
		return nil, govern.Errf(govern.CodeTaskNotQueued, "task %s is no longer queued", taskID)
	}

	// First running sub-task promotes the network into executing
	mainRow := tx.QueryRow(
		`SELECT `+taskColumns+` FROM network_tasks WHERE network_id = ? AND step_number IS NULL`,
		networkID,
	)
	main, err := scanTask(mainRow)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query main task: %w", err)
	}
	if main != nil && govern.StageOf(main) == models.StagePlanning {
		stageJSON, err := marshalNullable(&models.StageInfo{Stage: models.StageExecuting, UpdatedAt: now})
		if err != nil {
			return nil, fmt.Errorf("marshal stage: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE network_tasks SET stage_json = ?, updated_at = ? WHERE id = ?`,
			stageJSON, now, main.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("promote stage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusRunning
	task.UpdatedAt = now
	return task, nil
}

// UpdateStage writes the network's stage onto its main task.
func (s *Store) UpdateStage(networkID string, stage models.Stage) error {
	main, err := s.GetMainTask(networkID)
	if err != nil {
		return err
	}
	if main == nil {
		return govern.Errf(govern.CodeTaskNotFound, "network %s has no main task", networkID)
	}
	now := time.Now().UTC()
	stageJSON, err := marshalNullable(&models.StageInfo{Stage: stage, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE network_tasks SET stage_json = ?, updated_at = ? WHERE id = ?`,
		stageJSON, now, main.ID,
	)
	return err
}

// SetPolicy records the policy on the network's main task.
func (s *Store) SetPolicy(networkID string, policy *models.PolicyInfo) error {
	main, err := s.GetMainTask(networkID)
	if err != nil {
		return err
	}
	if main == nil {
		return govern.Errf(govern.CodeTaskNotFound, "network %s has no main task", networkID)
	}
	policyJSON, err := marshalNullable(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE network_tasks SET policy_json = ?, updated_at = ? WHERE id = ?`,
		policyJSON, time.Now().UTC(), main.ID,
	)
	return err
}

// --- helpers ---

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertTask(e execer, t *models.NetworkTask) error {
	dependsJSON, err := marshalNullable(t.DependsOn)
	if err != nil {
		return err
	}
	stageJSON, err := marshalNullable(t.Stage)
	if err != nil {
		return err
	}
	policyJSON, err := marshalNullable(t.Policy)
	if err != nil {
		return err
	}
	markerJSON, err := marshalNullable(t.Marker)
	if err != nil {
		return err
	}

	var step interface{}
	if t.StepNumber != nil {
		step = *t.StepNumber
	}

	_, err = e.Exec(
		`INSERT INTO network_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.NetworkID, t.ParentJobID, t.Status, t.TaskType, t.Description, t.Parameters,
		step, dependsJSON, t.Priority, t.CreatedBy, t.AssignedTo, t.Progress, t.Result,
		stageJSON, policyJSON, markerJSON, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.NetworkTask, error) {
	task := &models.NetworkTask{}
	var (
		parentJobID, parameters, createdBy, assignedTo sql.NullString
		description, result                            sql.NullString
		stepNumber                                     sql.NullInt64
		dependsJSON, stageJSON, policyJSON, markerJSON sql.NullString
		completedAt                                    sql.NullTime
	)

	err := row.Scan(
		&task.ID, &task.NetworkID, &parentJobID, &task.Status, &task.TaskType, &description, &parameters,
		&stepNumber, &dependsJSON, &task.Priority, &createdBy, &assignedTo, &task.Progress, &result,
		&stageJSON, &policyJSON, &markerJSON, &task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ParentJobID = parentJobID.String
	task.Description = description.String
	task.Parameters = parameters.String
	task.CreatedBy = createdBy.String
	task.AssignedTo = assignedTo.String
	task.Result = result.String
	if stepNumber.Valid {
		step := int(stepNumber.Int64)
		task.StepNumber = &step
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if err := unmarshalNullable(dependsJSON, &task.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := unmarshalStruct(stageJSON, &task.Stage); err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}
	if err := unmarshalStruct(policyJSON, &task.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := unmarshalStruct(markerJSON, &task.Marker); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]models.NetworkTask, error) {
	var tasks []models.NetworkTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// marshalNullable encodes v as JSON, mapping nil pointers and empty
// slices to SQL NULL.
func marshalNullable(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *models.StageInfo:
		if x == nil {
			return nil, nil
		}
	case *models.PolicyInfo:
		if x == nil {
			return nil, nil
		}
	case *models.ResultMarker:
		if x == nil {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(col sql.NullString, dest *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

func unmarshalStruct[T any](col sql.NullString, dest **T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return err
	}
	*dest = v
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return govern.Errf(govern.CodeTaskNotFound, "task %s not found", id)
	}
	return nil
}
