package govern

import (
	"testing"

	"github.com/loomhq/loom/internal/models"
)

func step(n int) *int { return &n }

func subtask(stepNumber int, status models.TaskStatus) models.NetworkTask {
	return models.NetworkTask{
		ID:         "task-" + string(rune('a'+stepNumber)),
		NetworkID:  "net-1",
		Status:     status,
		StepNumber: step(stepNumber),
	}
}

func TestStageRank(t *testing.T) {
	if StageRank(models.StageInitialized) != 0 {
		t.Errorf("Expected rank 0 for initialized, got %d", StageRank(models.StageInitialized))
	}
	if StageRank(models.StageCompleted) != 5 {
		t.Errorf("Expected rank 5 for completed, got %d", StageRank(models.StageCompleted))
	}
	if StageRank(models.Stage("bogus")) != -1 {
		t.Errorf("Expected rank -1 for unknown stage, got %d", StageRank(models.Stage("bogus")))
	}
}

func TestStageOfDefaults(t *testing.T) {
	if StageOf(nil) != models.StageInitialized {
		t.Error("Nil main task should default to initialized")
	}
	main := &models.NetworkTask{}
	if StageOf(main) != models.StageInitialized {
		t.Error("Main task without stage info should default to initialized")
	}
	main.Stage = &models.StageInfo{Stage: models.StageExecuting}
	if StageOf(main) != models.StageExecuting {
		t.Errorf("Expected executing, got %s", StageOf(main))
	}
}

func TestRequireStage(t *testing.T) {
	main := &models.NetworkTask{Stage: &models.StageInfo{Stage: models.StagePlanning}}

	if err := RequireStage(main, models.StagePlanning, models.StageExecuting); err != nil {
		t.Errorf("Planning should be allowed: %v", err)
	}

	err := RequireStage(main, models.StageInitialized)
	if err == nil {
		t.Fatal("Expected stage rejection")
	}
	if CodeOf(err) != CodeInvalidStage {
		t.Errorf("Expected INVALID_STAGE, got %s", CodeOf(err))
	}
}

func TestRequirePolicy(t *testing.T) {
	main := &models.NetworkTask{}
	err := RequirePolicy(main)
	if CodeOf(err) != CodePolicyNotSet {
		t.Errorf("Expected POLICY_NOT_SET, got %v", err)
	}

	main.Policy = &models.PolicyInfo{Text: "policy", Version: 1}
	if err := RequirePolicy(main); err != nil {
		t.Errorf("Policy present should pass: %v", err)
	}
}

func TestEnsureRole(t *testing.T) {
	if err := EnsureRole(models.RolePlanner, models.RolePlanner, models.RoleExecutor); err != nil {
		t.Errorf("Planner should be allowed: %v", err)
	}
	err := EnsureRole(models.RoleExecutor, models.RolePolicySetter)
	if CodeOf(err) != CodeRoleForbidden {
		t.Errorf("Expected ROLE_FORBIDDEN, got %v", err)
	}
}

func TestNextRunnableStep(t *testing.T) {
	subtasks := []models.NetworkTask{
		subtask(1, models.TaskStatusCompleted),
		subtask(2, models.TaskStatusQueued),
		subtask(3, models.TaskStatusQueued),
	}
	next, ok := NextRunnableStep(subtasks)
	if !ok || next != 2 {
		t.Errorf("Expected next step 2, got %d (ok=%v)", next, ok)
	}

	// Failed and paused tasks keep their step incomplete
	subtasks[1].Status = models.TaskStatusFailed
	next, ok = NextRunnableStep(subtasks)
	if !ok || next != 2 {
		t.Errorf("Failed task should keep step 2 incomplete, got %d (ok=%v)", next, ok)
	}

	subtasks[1].Status = models.TaskStatusCompleted
	subtasks[2].Status = models.TaskStatusCompleted
	if _, ok := NextRunnableStep(subtasks); ok {
		t.Error("All-completed network should have no runnable step")
	}

	if _, ok := NextRunnableStep(nil); ok {
		t.Error("Empty network should have no runnable step")
	}
}

func TestNextRunnableStepSharedStep(t *testing.T) {
	// Two tasks share step 1; the step stays runnable until both complete
	subtasks := []models.NetworkTask{
		subtask(1, models.TaskStatusCompleted),
		subtask(1, models.TaskStatusQueued),
		subtask(2, models.TaskStatusQueued),
	}
	next, ok := NextRunnableStep(subtasks)
	if !ok || next != 1 {
		t.Errorf("Expected step 1 still runnable, got %d (ok=%v)", next, ok)
	}
}

func TestEnsureTaskIsNextAndNoConcurrent(t *testing.T) {
	subtasks := []models.NetworkTask{
		subtask(1, models.TaskStatusCompleted),
		subtask(2, models.TaskStatusQueued),
		subtask(3, models.TaskStatusQueued),
	}

	target := subtasks[1]
	if err := EnsureTaskIsNextAndNoConcurrent(subtasks, &target); err != nil {
		t.Errorf("Step 2 should be startable: %v", err)
	}

	// Starting step 3 while step 2 is incomplete is out of order
	ahead := subtasks[2]
	err := EnsureTaskIsNextAndNoConcurrent(subtasks, &ahead)
	if CodeOf(err) != CodePreviousStepNotCompleted {
		t.Errorf("Expected PREVIOUS_STEP_NOT_COMPLETED, got %v", err)
	}

	// A running task anywhere in the network blocks every start
	subtasks[1].Status = models.TaskStatusRunning
	err = EnsureTaskIsNextAndNoConcurrent(subtasks, &ahead)
	if CodeOf(err) != CodeActiveTaskExists {
		t.Errorf("Expected ACTIVE_TASK_EXISTS, got %v", err)
	}

	// The main task may not be started as a sub-task
	main := models.NetworkTask{ID: "main", NetworkID: "net-1"}
	err = EnsureTaskIsNextAndNoConcurrent(subtasks, &main)
	if CodeOf(err) != CodeStepNumberRequired {
		t.Errorf("Expected STEP_NUMBER_REQUIRED, got %v", err)
	}
}

func TestAllSubtasksCompleted(t *testing.T) {
	err := AllSubtasksCompleted(nil)
	if CodeOf(err) != CodeSubtasksIncomplete {
		t.Errorf("Empty network should be incomplete, got %v", err)
	}

	subtasks := []models.NetworkTask{
		subtask(1, models.TaskStatusCompleted),
		subtask(2, models.TaskStatusRunning),
	}
	err = AllSubtasksCompleted(subtasks)
	if CodeOf(err) != CodeSubtasksIncomplete {
		t.Errorf("Running task should block completion, got %v", err)
	}

	subtasks[1].Status = models.TaskStatusCompleted
	if err := AllSubtasksCompleted(subtasks); err != nil {
		t.Errorf("All-completed network should pass: %v", err)
	}

	// A lingering partial marker blocks finalize even on a completed task
	subtasks[1].Marker = &models.ResultMarker{Partial: true, LastAuthor: "worker-1"}
	err = AllSubtasksCompleted(subtasks)
	if CodeOf(err) != CodeSubtasksIncomplete {
		t.Errorf("Partial marker should block completion, got %v", err)
	}
}

func TestValidateStepOrder(t *testing.T) {
	if err := ValidateStepOrder([]int{1, 2, 3}, 1); err != nil {
		t.Errorf("Contiguous steps should pass: %v", err)
	}
	if err := ValidateStepOrder([]int{1, 1, 2}, 1); err != nil {
		t.Errorf("Shared steps should pass: %v", err)
	}
	// A replan batch continues after the completed prefix
	if err := ValidateStepOrder([]int{3, 4}, 3); err != nil {
		t.Errorf("Replan steps from 3 should pass: %v", err)
	}

	cases := [][]int{
		{},        // no steps
		{0, 1},    // starts below 1
		{2, 3},    // does not start at 1
		{1, 3},    // gap
		{1, 2, 4}, // gap
	}
	for _, steps := range cases {
		err := ValidateStepOrder(steps, 1)
		if CodeOf(err) != CodeInvalidStepOrder {
			t.Errorf("Steps %v should be rejected, got %v", steps, err)
		}
	}

	err := ValidateStepOrder([]int{1, 2}, 3)
	if CodeOf(err) != CodeInvalidStepOrder {
		t.Errorf("Replan batch reusing completed steps should be rejected, got %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	err := Errf(CodeTaskNotFound, "task %s not found", "x")
	if CodeOf(err) != CodeTaskNotFound {
		t.Errorf("Expected TASK_NOT_FOUND, got %s", CodeOf(err))
	}
	if CodeOf(nil) != "" {
		t.Error("Nil error should yield empty code")
	}
}
