// Package coordinator provides the role-facing service layer. Every
// operation takes the caller's role explicitly, consults the governor
// before mutating, and records an audit entry for the outcome.
package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/artifact"
	"github.com/loomhq/loom/internal/audit"
	"github.com/loomhq/loom/internal/cas"
	"github.com/loomhq/loom/internal/govern"
	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

// Service composes the task store, governor, CAS and artifact manager
// behind the operations the three roles are allowed to call.
type Service struct {
	store     *store.Store
	cas       *cas.CAS
	artifacts *artifact.Manager
	audit     *audit.Recorder
}

// NewService creates a new coordinator service.
func NewService(s *store.Store, c *cas.CAS, m *artifact.Manager, rec *audit.Recorder) *Service {
	return &Service{store: s, cas: c, artifacts: m, audit: rec}
}

// --- Network lifecycle ---

// CreateNetwork creates the network's main task at stage initialized.
func (s *Service) CreateNetwork(caller models.Role, networkID, parentJobID, description, createdBy string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RolePolicySetter); err != nil {
		return nil, s.fail("network.create", networkID, err)
	}
	if networkID == "" {
		return nil, fmt.Errorf("network id is required")
	}
	main, err := s.store.CreateMainTask(networkID, parentJobID, "network", description, createdBy)
	if err != nil {
		return nil, s.fail("network.create", networkID, err)
	}
	s.audit.Record("network.create", map[string]string{"network_id": networkID}, "success", main.ID, "")
	return main, nil
}

// SavePolicy records the network policy. Allowed before planning has
// begun; saving again overwrites and bumps the policy version.
func (s *Service) SavePolicy(caller models.Role, networkID, policyText, author string) (*models.PolicyInfo, error) {
	if err := govern.EnsureRole(caller, models.RolePolicySetter); err != nil {
		return nil, s.fail("policy.save", networkID, err)
	}
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, s.fail("policy.save", networkID, err)
	}
	if err := govern.RequireStage(main, models.StageInitialized, models.StagePolicySet); err != nil {
		return nil, s.fail("policy.save", networkID, err)
	}

	policy := nextPolicy(main.Policy, policyText, author)
	if err := s.store.SetPolicy(networkID, policy); err != nil {
		return nil, s.fail("policy.save", networkID, err)
	}
	if err := s.store.UpdateStage(networkID, models.StagePolicySet); err != nil {
		return nil, s.fail("policy.save", networkID, err)
	}
	s.audit.Record("policy.save", map[string]interface{}{"network_id": networkID, "version": policy.Version}, "success", main.ID, "")
	return policy, nil
}

// UpdatePolicy changes the policy after planning has begun. Sub-tasks
// that are not yet completed are deleted from the first incomplete
// step onward and the network drops back to planning for a replan.
// Completed sub-tasks are never touched.
func (s *Service) UpdatePolicy(caller models.Role, networkID, policyText, author string) (*models.PolicyInfo, int, error) {
	if err := govern.EnsureRole(caller, models.RolePolicySetter); err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}
	if err := govern.RequireStage(main, models.StagePlanning, models.StageExecuting); err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}
	if err := govern.RequirePolicy(main); err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}

	subtasks, err := s.store.ListSubtasks(networkID)
	if err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}

	deleted := 0
	if step, ok := govern.NextRunnableStep(subtasks); ok {
		deleted, err = s.store.DeleteSubtasksFromStep(networkID, step)
		if err != nil {
			return nil, 0, s.fail("policy.update", networkID, err)
		}
	}

	policy := nextPolicy(main.Policy, policyText, author)
	if err := s.store.SetPolicy(networkID, policy); err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}
	if err := s.store.UpdateStage(networkID, models.StagePlanning); err != nil {
		return nil, 0, s.fail("policy.update", networkID, err)
	}
	s.audit.Record("policy.update", map[string]interface{}{"network_id": networkID, "version": policy.Version, "deleted": deleted}, "success", main.ID, "")
	return policy, deleted, nil
}

// GetPolicy reads the current policy without gating.
func (s *Service) GetPolicy(networkID string) (*models.PolicyInfo, error) {
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, err
	}
	if main.Policy == nil {
		return nil, govern.Errf(govern.CodePolicyNotSet, "network %s has no policy recorded", networkID)
	}
	return main.Policy, nil
}

// --- Planning ---

// PlanSubtasks creates the network's sub-task batch. The operation is
// idempotent: while any existing sub-task is still incomplete,
// re-submission returns the existing set unchanged. After a policy
// update has wiped the incomplete tail, a new batch is accepted with
// step numbers continuing after the last completed step. An initial
// plan must number its steps contiguously from 1.
func (s *Service) PlanSubtasks(caller models.Role, networkID, createdBy string, specs []store.SubtaskSpec) ([]models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RolePlanner); err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}
	if err := govern.RequirePolicy(main); err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}
	if err := govern.RequireStage(main, models.StagePolicySet, models.StagePlanning); err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}

	existing, err := s.store.ListSubtasks(networkID)
	if err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}
	first := 1
	if len(existing) > 0 {
		if _, incomplete := govern.NextRunnableStep(existing); incomplete {
			// Re-submission with live tasks present is a no-op.
			return existing, nil
		}
		// Replan: every survivor is completed, so the new batch
		// continues after the last completed step.
		for _, t := range existing {
			if t.StepNumber != nil && *t.StepNumber >= first {
				first = *t.StepNumber + 1
			}
		}
	}

	steps := make([]int, len(specs))
	for i, spec := range specs {
		steps[i] = spec.Step
	}
	if err := govern.ValidateStepOrder(steps, first); err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}

	tasks, err := s.store.CreateSubtasks(networkID, createdBy, specs)
	if err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}
	if err := s.store.UpdateStage(networkID, models.StagePlanning); err != nil {
		return nil, s.fail("plan.create", networkID, err)
	}
	s.audit.Record("plan.create", map[string]interface{}{"network_id": networkID, "tasks": len(tasks)}, "success", main.ID, "")
	return append(existing, tasks...), nil
}

// --- Execution ---

// StartTask transitions a sub-task to running, subject to ordering and
// concurrency gates. The check and the status flip share one
// transaction.
func (s *Service) StartTask(caller models.Role, networkID, taskID string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RolePlanner, models.RoleExecutor); err != nil {
		return nil, s.fail("task.start", taskID, err)
	}
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, s.fail("task.start", taskID, err)
	}
	if err := govern.RequireStage(main, models.StagePlanning, models.StageExecuting); err != nil {
		return nil, s.fail("task.start", taskID, err)
	}

	task, err := s.store.StartSubtaskTx(networkID, taskID)
	if err != nil {
		return nil, s.fail("task.start", taskID, err)
	}
	s.audit.Record("task.start", map[string]string{"network_id": networkID, "task_id": taskID}, "success", taskID, "")
	return task, nil
}

// ClaimNext starts the next runnable sub-task and assigns it to a
// worker. Fails with NO_PENDING_TASKS when nothing is runnable.
func (s *Service) ClaimNext(caller models.Role, networkID, workerID string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RoleExecutor); err != nil {
		return nil, s.fail("task.claim", networkID, err)
	}
	next, err := s.store.GetNextRunnableTask(networkID)
	if err != nil {
		return nil, s.fail("task.claim", networkID, err)
	}
	if next == nil {
		return nil, s.fail("task.claim", networkID,
			govern.Errf(govern.CodeNoPendingTasks, "network %s has no runnable task", networkID))
	}

	task, err := s.StartTask(caller, networkID, next.ID)
	if err != nil {
		return nil, err
	}
	if workerID != "" {
		if err := s.store.AssignWorker(task.ID, workerID); err != nil {
			return nil, s.fail("task.claim", task.ID, err)
		}
		task.AssignedTo = workerID
	}
	return task, nil
}

// UpdateProgress records a task's progress percentage.
func (s *Service) UpdateProgress(caller models.Role, taskID string, progress int) error {
	if err := govern.EnsureRole(caller, models.RolePlanner, models.RoleExecutor); err != nil {
		return s.fail("task.progress", taskID, err)
	}
	if err := s.store.UpdateProgress(taskID, progress); err != nil {
		return s.fail("task.progress", taskID, err)
	}
	return nil
}

// AssignWorker records the worker responsible for a task.
func (s *Service) AssignWorker(caller models.Role, taskID, workerID string) error {
	if err := govern.EnsureRole(caller, models.RolePlanner, models.RoleExecutor); err != nil {
		return s.fail("task.assign", taskID, err)
	}
	if err := s.store.AssignWorker(taskID, workerID); err != nil {
		return s.fail("task.assign", taskID, err)
	}
	s.audit.Record("task.assign", map[string]string{"task_id": taskID, "worker_id": workerID}, "success", taskID, "")
	return nil
}

// SaveResult writes a partial or final result on a task. Partial
// writes record the author; a final write by a different author than
// the partial's is rejected.
func (s *Service) SaveResult(caller models.Role, taskID, result string, mode store.ResultMode, author string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RoleExecutor); err != nil {
		return nil, s.fail("task.result", taskID, err)
	}
	task, err := s.store.SaveResult(taskID, result, mode, author)
	if err != nil {
		return nil, s.fail("task.result", taskID, err)
	}
	s.audit.Record("task.result", map[string]string{"task_id": taskID, "mode": string(mode), "author": author}, "success", taskID, "")
	return task, nil
}

// ContinueResult resumes a partial result. It fails with
// NO_PARTIAL_TO_CONTINUE when the task has no partial marker, and with
// RESULT_PARTIAL_CONTINUE_REQUIRED when the partial belongs to a
// different author.
func (s *Service) ContinueResult(caller models.Role, taskID, result string, mode store.ResultMode, author string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RoleExecutor); err != nil {
		return nil, s.fail("task.continue", taskID, err)
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, s.fail("task.continue", taskID, err)
	}
	if task == nil {
		return nil, s.fail("task.continue", taskID, govern.Errf(govern.CodeTaskNotFound, "task %s not found", taskID))
	}
	if task.Marker == nil || !task.Marker.Partial {
		return nil, s.fail("task.continue", taskID,
			govern.Errf(govern.CodeNoPartialToContinue, "task %s has no partial result to continue", taskID))
	}
	if task.Marker.LastAuthor != author {
		return nil, s.fail("task.continue", taskID,
			govern.Errf(govern.CodePartialContinueRequired,
				"partial result on task %s belongs to %s", taskID, task.Marker.LastAuthor))
	}
	return s.SaveResult(caller, taskID, result, mode, author)
}

// CompleteTask marks a running task completed. Completion is refused
// while a partial marker remains.
func (s *Service) CompleteTask(caller models.Role, networkID, taskID string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RolePlanner, models.RoleExecutor); err != nil {
		return nil, s.fail("task.complete", taskID, err)
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, s.fail("task.complete", taskID, err)
	}
	if task == nil {
		return nil, s.fail("task.complete", taskID, govern.Errf(govern.CodeTaskNotFound, "task %s not found", taskID))
	}
	if task.NetworkID != networkID {
		return nil, s.fail("task.complete", taskID,
			govern.Errf(govern.CodeNetworkIDMismatch, "task %s belongs to network %s, not %s", taskID, task.NetworkID, networkID))
	}
	if task.Status != models.TaskStatusRunning {
		return nil, s.fail("task.complete", taskID,
			govern.Errf(govern.CodeTaskNotQueued, "task %s is %s, not running", taskID, task.Status))
	}

	if err := s.store.UpdateTaskStatus(taskID, models.TaskStatusCompleted); err != nil {
		return nil, s.fail("task.complete", taskID, err)
	}
	s.audit.Record("task.complete", map[string]string{"network_id": networkID, "task_id": taskID}, "success", taskID, "")
	return s.store.GetTask(taskID)
}

// ForceFail moves a task to failed, bypassing stage gates. Abandonment
// is always allowed.
func (s *Service) ForceFail(caller models.Role, taskID, reason string) error {
	if err := s.store.UpdateTaskStatus(taskID, models.TaskStatusFailed); err != nil {
		return s.fail("task.force_fail", taskID, err)
	}
	s.audit.Record("task.force_fail", map[string]string{"task_id": taskID, "role": string(caller)}, "success", taskID, reason)
	return nil
}

// ForcePause moves a task to paused, bypassing stage gates.
func (s *Service) ForcePause(caller models.Role, taskID, reason string) error {
	if err := s.store.UpdateTaskStatus(taskID, models.TaskStatusPaused); err != nil {
		return s.fail("task.force_pause", taskID, err)
	}
	s.audit.Record("task.force_pause", map[string]string{"task_id": taskID, "role": string(caller)}, "success", taskID, reason)
	return nil
}

// --- Finalize ---

// Finalize closes the network once every sub-task is completed and
// non-partial, promoting the stage through finalizing to completed.
func (s *Service) Finalize(caller models.Role, networkID string) (*models.NetworkTask, error) {
	if err := govern.EnsureRole(caller, models.RolePolicySetter); err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}
	if err := govern.RequireStage(main, models.StageExecuting, models.StageFinalizing); err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}

	subtasks, err := s.store.ListSubtasks(networkID)
	if err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}
	if err := govern.AllSubtasksCompleted(subtasks); err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}

	if err := s.store.UpdateStage(networkID, models.StageFinalizing); err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}
	if err := s.store.UpdateStage(networkID, models.StageCompleted); err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}
	if err := s.store.UpdateTaskStatus(main.ID, models.TaskStatusCompleted); err != nil {
		return nil, s.fail("network.finalize", networkID, err)
	}

	s.audit.Record("network.finalize", map[string]string{"network_id": networkID}, "success", main.ID, "")
	return s.store.GetMainTask(networkID)
}

// ConsolidatedResults concatenates the final results of a network's
// sub-tasks in step order.
func (s *Service) ConsolidatedResults(networkID string) (string, error) {
	subtasks, err := s.store.ListSubtasks(networkID)
	if err != nil {
		return "", err
	}
	sort.SliceStable(subtasks, func(i, j int) bool {
		return stepOrZero(&subtasks[i]) < stepOrZero(&subtasks[j])
	})

	var b strings.Builder
	for _, t := range subtasks {
		if t.Result == "" {
			continue
		}
		fmt.Fprintf(&b, "## Step %d: %s\n\n%s\n\n", stepOrZero(&t), t.Description, t.Result)
	}
	return b.String(), nil
}

// --- Reads ---

// GetTask reads a task without gating.
func (s *Service) GetTask(taskID string) (*models.NetworkTask, error) {
	return s.store.GetTask(taskID)
}

// NetworkStatus is a read-model of a network for CLI and TUI callers.
type NetworkStatus struct {
	Main     *models.NetworkTask  `json:"main"`
	Stage    models.Stage         `json:"stage"`
	Subtasks []models.NetworkTask `json:"subtasks"`
}

// GetNetworkStatus reads the main task and sub-tasks of a network.
func (s *Service) GetNetworkStatus(networkID string) (*NetworkStatus, error) {
	main, err := s.requireMain(networkID)
	if err != nil {
		return nil, err
	}
	subtasks, err := s.store.ListSubtasks(networkID)
	if err != nil {
		return nil, err
	}
	return &NetworkStatus{Main: main, Stage: govern.StageOf(main), Subtasks: subtasks}, nil
}

// ListNetworks returns the IDs of all known networks.
func (s *Service) ListNetworks() ([]string, error) {
	return s.store.ListNetworks()
}

// --- helpers ---

func (s *Service) requireMain(networkID string) (*models.NetworkTask, error) {
	main, err := s.store.GetMainTask(networkID)
	if err != nil {
		return nil, err
	}
	if main == nil {
		return nil, govern.Errf(govern.CodeTaskNotFound, "network %s not found", networkID)
	}
	return main, nil
}

// fail records a failed mutation and passes the error through.
func (s *Service) fail(action, taskID string, err error) error {
	outcome := "error"
	if code := govern.CodeOf(err); code != "" {
		outcome = string(code)
	}
	s.audit.Record(action, nil, outcome, taskID, err.Error())
	return err
}

func nextPolicy(prev *models.PolicyInfo, text, author string) *models.PolicyInfo {
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}
	return &models.PolicyInfo{Text: text, Version: version, UpdatedBy: author, UpdatedAt: nowUTC()}
}

func stepOrZero(t *models.NetworkTask) int {
	if t.StepNumber == nil {
		return 0
	}
	return *t.StepNumber
}
