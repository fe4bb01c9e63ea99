package coordinator

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/artifact"
	"github.com/loomhq/loom/internal/audit"
	"github.com/loomhq/loom/internal/cas"
	"github.com/loomhq/loom/internal/govern"
	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

func newTestService(t *testing.T) *Service {
	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := cas.New(s.DB())
	m := artifact.NewManager(s.DB(), c)
	return NewService(s, c, m, audit.NewRecorder(s))
}

func threeStepPlan() []store.SubtaskSpec {
	return []store.SubtaskSpec{
		{TaskType: "research", Description: "gather inputs", Step: 1},
		{TaskType: "draft", Description: "write the draft", Step: 2},
		{TaskType: "review", Description: "review the draft", Step: 3},
	}
}

// seedPlanned creates a network with a policy and a three-step plan.
func seedPlanned(t *testing.T, svc *Service, networkID string) []models.NetworkTask {
	t.Helper()
	if _, err := svc.CreateNetwork(models.RolePolicySetter, networkID, "", "test network", "setter-1"); err != nil {
		t.Fatalf("CreateNetwork failed: %v", err)
	}
	if _, err := svc.SavePolicy(models.RolePolicySetter, networkID, "deliver a reviewed draft", "setter-1"); err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}
	tasks, err := svc.PlanSubtasks(models.RolePlanner, networkID, "planner-1", threeStepPlan())
	if err != nil {
		t.Fatalf("PlanSubtasks failed: %v", err)
	}
	return tasks
}

// runStep starts, resolves and completes one sub-task.
func runStep(t *testing.T, svc *Service, networkID string, task models.NetworkTask) {
	t.Helper()
	if _, err := svc.StartTask(models.RoleExecutor, networkID, task.ID); err != nil {
		t.Fatalf("StartTask step %d failed: %v", *task.StepNumber, err)
	}
	if _, err := svc.SaveResult(models.RoleExecutor, task.ID, "step output", store.ResultFinal, "worker-1"); err != nil {
		t.Fatalf("SaveResult step %d failed: %v", *task.StepNumber, err)
	}
	if _, err := svc.CompleteTask(models.RoleExecutor, networkID, task.ID); err != nil {
		t.Fatalf("CompleteTask step %d failed: %v", *task.StepNumber, err)
	}
}

func TestFullNetworkLifecycle(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	status, err := svc.GetNetworkStatus("net-1")
	if err != nil {
		t.Fatalf("GetNetworkStatus failed: %v", err)
	}
	if status.Stage != models.StagePlanning {
		t.Errorf("Expected planning after plan, got %s", status.Stage)
	}

	for _, task := range tasks {
		runStep(t, svc, "net-1", task)
	}

	// First start promoted the stage to executing
	status, _ = svc.GetNetworkStatus("net-1")
	if status.Stage != models.StageExecuting {
		t.Errorf("Expected executing, got %s", status.Stage)
	}

	main, err := svc.Finalize(models.RolePolicySetter, "net-1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if govern.StageOf(main) != models.StageCompleted {
		t.Errorf("Expected completed stage, got %s", govern.StageOf(main))
	}
	if main.Status != models.TaskStatusCompleted {
		t.Errorf("Main task should be completed, got %s", main.Status)
	}

	out, err := svc.ConsolidatedResults("net-1")
	if err != nil {
		t.Fatalf("ConsolidatedResults failed: %v", err)
	}
	for _, heading := range []string{"## Step 1: gather inputs", "## Step 2: write the draft", "## Step 3: review the draft"} {
		if !strings.Contains(out, heading) {
			t.Errorf("Consolidated output missing %q:\n%s", heading, out)
		}
	}
}

func TestPlanRequiresPolicy(t *testing.T) {
	svc := newTestService(t)
	svc.CreateNetwork(models.RolePolicySetter, "net-1", "", "", "setter-1")

	_, err := svc.PlanSubtasks(models.RolePlanner, "net-1", "planner-1", threeStepPlan())
	if govern.CodeOf(err) != govern.CodePolicyNotSet {
		t.Errorf("Expected POLICY_NOT_SET, got %v", err)
	}
}

func TestRoleGates(t *testing.T) {
	svc := newTestService(t)

	// Only the policy setter creates networks
	_, err := svc.CreateNetwork(models.RoleExecutor, "net-1", "", "", "exec")
	if govern.CodeOf(err) != govern.CodeRoleForbidden {
		t.Errorf("Expected ROLE_FORBIDDEN, got %v", err)
	}

	tasks := seedPlanned(t, svc, "net-1")

	// Only the planner plans
	_, err = svc.PlanSubtasks(models.RoleExecutor, "net-1", "exec", threeStepPlan())
	if govern.CodeOf(err) != govern.CodeRoleForbidden {
		t.Errorf("Expected ROLE_FORBIDDEN, got %v", err)
	}

	// The policy setter may not start tasks
	_, err = svc.StartTask(models.RolePolicySetter, "net-1", tasks[0].ID)
	if govern.CodeOf(err) != govern.CodeRoleForbidden {
		t.Errorf("Expected ROLE_FORBIDDEN, got %v", err)
	}

	// Only the executor writes results
	_, err = svc.SaveResult(models.RolePlanner, tasks[0].ID, "out", store.ResultFinal, "planner-1")
	if govern.CodeOf(err) != govern.CodeRoleForbidden {
		t.Errorf("Expected ROLE_FORBIDDEN, got %v", err)
	}

	// Only the policy setter finalizes
	_, err = svc.Finalize(models.RoleExecutor, "net-1")
	if govern.CodeOf(err) != govern.CodeRoleForbidden {
		t.Errorf("Expected ROLE_FORBIDDEN, got %v", err)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	again, err := svc.PlanSubtasks(models.RolePlanner, "net-1", "planner-1", []store.SubtaskSpec{
		{TaskType: "other", Description: "different plan", Step: 1},
	})
	if err != nil {
		t.Fatalf("Re-plan failed: %v", err)
	}
	if len(again) != len(tasks) {
		t.Errorf("Re-plan should return the existing set, got %d tasks", len(again))
	}
	if again[0].ID != tasks[0].ID {
		t.Error("Re-plan should not replace existing subtasks")
	}
}

func TestPlanRejectsBadStepOrder(t *testing.T) {
	svc := newTestService(t)
	svc.CreateNetwork(models.RolePolicySetter, "net-1", "", "", "setter-1")
	svc.SavePolicy(models.RolePolicySetter, "net-1", "p", "setter-1")

	_, err := svc.PlanSubtasks(models.RolePlanner, "net-1", "planner-1", []store.SubtaskSpec{
		{TaskType: "a", Step: 1},
		{TaskType: "b", Step: 3},
	})
	if govern.CodeOf(err) != govern.CodeInvalidStepOrder {
		t.Errorf("Expected INVALID_STEP_ORDER, got %v", err)
	}
}

func TestSequentialExecutionGates(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	// Step 2 may not start first
	_, err := svc.StartTask(models.RoleExecutor, "net-1", tasks[1].ID)
	if govern.CodeOf(err) != govern.CodePreviousStepNotCompleted {
		t.Errorf("Expected PREVIOUS_STEP_NOT_COMPLETED, got %v", err)
	}

	if _, err := svc.StartTask(models.RoleExecutor, "net-1", tasks[0].ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	// Nothing else may start while step 1 runs
	_, err = svc.StartTask(models.RoleExecutor, "net-1", tasks[1].ID)
	if govern.CodeOf(err) != govern.CodeActiveTaskExists {
		t.Errorf("Expected ACTIVE_TASK_EXISTS, got %v", err)
	}
}

func TestClaimNextWalksTheSteps(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	claimed, err := svc.ClaimNext(models.RoleExecutor, "net-1", "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if claimed.ID != tasks[0].ID {
		t.Errorf("Expected step 1 task, got step %d", *claimed.StepNumber)
	}
	if claimed.AssignedTo != "worker-1" {
		t.Errorf("Expected worker-1 assignment, got %s", claimed.AssignedTo)
	}

	svc.SaveResult(models.RoleExecutor, claimed.ID, "done", store.ResultFinal, "worker-1")
	if _, err := svc.CompleteTask(models.RoleExecutor, "net-1", claimed.ID); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	claimed, err = svc.ClaimNext(models.RoleExecutor, "net-1", "worker-2")
	if err != nil {
		t.Fatalf("Second ClaimNext failed: %v", err)
	}
	if *claimed.StepNumber != 2 {
		t.Errorf("Expected step 2, got %d", *claimed.StepNumber)
	}
}

func TestClaimNextExhausted(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")
	for _, task := range tasks {
		runStep(t, svc, "net-1", task)
	}

	_, err := svc.ClaimNext(models.RoleExecutor, "net-1", "worker-1")
	if govern.CodeOf(err) != govern.CodeNoPendingTasks {
		t.Errorf("Expected NO_PENDING_TASKS, got %v", err)
	}
}

func TestPartialResultContinuity(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")
	id := tasks[0].ID

	if _, err := svc.StartTask(models.RoleExecutor, "net-1", id); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if _, err := svc.SaveResult(models.RoleExecutor, id, "half", store.ResultPartial, "worker-1"); err != nil {
		t.Fatalf("Partial SaveResult failed: %v", err)
	}

	// Completion is blocked while the partial marker stands
	_, err := svc.CompleteTask(models.RoleExecutor, "net-1", id)
	if govern.CodeOf(err) != govern.CodePartialContinueRequired {
		t.Errorf("Expected RESULT_PARTIAL_CONTINUE_REQUIRED, got %v", err)
	}

	// A different author may not continue it
	_, err = svc.ContinueResult(models.RoleExecutor, id, "rest", store.ResultFinal, "worker-2")
	if govern.CodeOf(err) != govern.CodePartialContinueRequired {
		t.Errorf("Expected RESULT_PARTIAL_CONTINUE_REQUIRED, got %v", err)
	}

	// The original author continues and finalizes
	task, err := svc.ContinueResult(models.RoleExecutor, id, "all done", store.ResultFinal, "worker-1")
	if err != nil {
		t.Fatalf("ContinueResult failed: %v", err)
	}
	if task.Marker != nil {
		t.Errorf("Marker should clear on finalize, got %+v", task.Marker)
	}
	if _, err := svc.CompleteTask(models.RoleExecutor, "net-1", id); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
}

func TestContinueWithoutPartial(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	_, err := svc.ContinueResult(models.RoleExecutor, tasks[0].ID, "x", store.ResultFinal, "worker-1")
	if govern.CodeOf(err) != govern.CodeNoPartialToContinue {
		t.Errorf("Expected NO_PARTIAL_TO_CONTINUE, got %v", err)
	}
}

func TestCompleteGuards(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")
	id := tasks[0].ID

	// A queued task cannot be completed
	_, err := svc.CompleteTask(models.RoleExecutor, "net-1", id)
	if govern.CodeOf(err) != govern.CodeTaskNotQueued {
		t.Errorf("Expected TASK_NOT_QUEUED, got %v", err)
	}

	svc.StartTask(models.RoleExecutor, "net-1", id)

	_, err = svc.CompleteTask(models.RoleExecutor, "other-net", id)
	if govern.CodeOf(err) != govern.CodeNetworkIDMismatch {
		t.Errorf("Expected NETWORK_ID_MISMATCH, got %v", err)
	}

	_, err = svc.CompleteTask(models.RoleExecutor, "net-1", "nonexistent")
	if govern.CodeOf(err) != govern.CodeTaskNotFound {
		t.Errorf("Expected TASK_NOT_FOUND, got %v", err)
	}
}

func TestFinalizeGating(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	// Finalize in planning stage is out of order
	_, err := svc.Finalize(models.RolePolicySetter, "net-1")
	if govern.CodeOf(err) != govern.CodeInvalidStage {
		t.Errorf("Expected INVALID_STAGE, got %v", err)
	}

	runStep(t, svc, "net-1", tasks[0])

	// Incomplete sub-tasks block finalize
	_, err = svc.Finalize(models.RolePolicySetter, "net-1")
	if govern.CodeOf(err) != govern.CodeSubtasksIncomplete {
		t.Errorf("Expected SUBTASKS_INCOMPLETE, got %v", err)
	}
}

func TestStageMonotonicity(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	// Saving a policy is only allowed before planning
	_, err := svc.SavePolicy(models.RolePolicySetter, "net-1", "late policy", "setter-1")
	if govern.CodeOf(err) != govern.CodeInvalidStage {
		t.Errorf("Expected INVALID_STAGE for late SavePolicy, got %v", err)
	}

	// After completion, no task may start
	for _, task := range tasks {
		runStep(t, svc, "net-1", task)
	}
	if _, err := svc.Finalize(models.RolePolicySetter, "net-1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	_, err = svc.StartTask(models.RoleExecutor, "net-1", tasks[0].ID)
	if govern.CodeOf(err) != govern.CodeInvalidStage {
		t.Errorf("Expected INVALID_STAGE after completion, got %v", err)
	}
}

func TestUpdatePolicyTriggersReplan(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	runStep(t, svc, "net-1", tasks[0])

	policy, deleted, err := svc.UpdatePolicy(models.RolePolicySetter, "net-1", "new direction", "setter-1")
	if err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}
	if policy.Version != 2 {
		t.Errorf("Expected policy version 2, got %d", policy.Version)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted subtasks, got %d", deleted)
	}

	// The completed step survives, the network drops back to planning
	status, _ := svc.GetNetworkStatus("net-1")
	if status.Stage != models.StagePlanning {
		t.Errorf("Expected planning after policy update, got %s", status.Stage)
	}
	if len(status.Subtasks) != 1 {
		t.Fatalf("Expected 1 surviving subtask, got %d", len(status.Subtasks))
	}
	if status.Subtasks[0].Status != models.TaskStatusCompleted {
		t.Error("Completed subtask should survive the replan")
	}
}

func TestReplanContinuesAfterCompletedSteps(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	runStep(t, svc, "net-1", tasks[0])
	if _, _, err := svc.UpdatePolicy(models.RolePolicySetter, "net-1", "change of course", "setter-1"); err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}

	// The new batch must continue after completed step 1
	_, err := svc.PlanSubtasks(models.RolePlanner, "net-1", "planner-1", []store.SubtaskSpec{
		{TaskType: "redo", Description: "restart from scratch", Step: 1},
	})
	if govern.CodeOf(err) != govern.CodeInvalidStepOrder {
		t.Errorf("Replan reusing step 1 should be rejected, got %v", err)
	}

	all, err := svc.PlanSubtasks(models.RolePlanner, "net-1", "planner-1", []store.SubtaskSpec{
		{TaskType: "revise", Description: "revise per new policy", Step: 2},
		{TaskType: "review", Description: "review the revision", Step: 3},
	})
	if err != nil {
		t.Fatalf("Replan failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected completed step plus 2 new subtasks, got %d", len(all))
	}

	// Execution resumes at the first new step
	claimed, err := svc.ClaimNext(models.RoleExecutor, "net-1", "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext after replan failed: %v", err)
	}
	if *claimed.StepNumber != 2 {
		t.Errorf("Expected step 2 after replan, got %d", *claimed.StepNumber)
	}
}

func TestUpdatePolicyBeforePlanning(t *testing.T) {
	svc := newTestService(t)
	svc.CreateNetwork(models.RolePolicySetter, "net-1", "", "", "setter-1")
	svc.SavePolicy(models.RolePolicySetter, "net-1", "p", "setter-1")

	// Before planning the replace path is closed; SavePolicy covers it
	_, _, err := svc.UpdatePolicy(models.RolePolicySetter, "net-1", "q", "setter-1")
	if govern.CodeOf(err) != govern.CodeInvalidStage {
		t.Errorf("Expected INVALID_STAGE, got %v", err)
	}

	// Overwriting via SavePolicy bumps the version
	policy, err := svc.SavePolicy(models.RolePolicySetter, "net-1", "q", "setter-1")
	if err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}
	if policy.Version != 2 {
		t.Errorf("Expected version 2, got %d", policy.Version)
	}
}

func TestForceFailAndPauseBypassGates(t *testing.T) {
	svc := newTestService(t)
	tasks := seedPlanned(t, svc, "net-1")

	if err := svc.ForceFail(models.RoleExecutor, tasks[1].ID, "upstream broke"); err != nil {
		t.Fatalf("ForceFail failed: %v", err)
	}
	got, _ := svc.GetTask(tasks[1].ID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}

	if err := svc.ForcePause(models.RoleExecutor, tasks[2].ID, "waiting on input"); err != nil {
		t.Fatalf("ForcePause failed: %v", err)
	}
	got, _ = svc.GetTask(tasks[2].ID)
	if got.Status != models.TaskStatusPaused {
		t.Errorf("Expected paused, got %s", got.Status)
	}
}

func TestNetworkNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetNetworkStatus("nonexistent")
	if govern.CodeOf(err) != govern.CodeTaskNotFound {
		t.Errorf("Expected TASK_NOT_FOUND, got %v", err)
	}
	_, err = svc.SavePolicy(models.RolePolicySetter, "nonexistent", "p", "s")
	if govern.CodeOf(err) != govern.CodeTaskNotFound {
		t.Errorf("Expected TASK_NOT_FOUND, got %v", err)
	}
}
