package govern

import (
	"sort"

	"github.com/loomhq/loom/internal/models"
)

var stageOrder = map[models.Stage]int{
	models.StageInitialized: 0,
	models.StagePolicySet:   1,
	models.StagePlanning:    2,
	models.StageExecuting:   3,
	models.StageFinalizing:  4,
	models.StageCompleted:   5,
}

// StageRank returns the position of a stage in the lifecycle, or -1
// for an unknown stage.
func StageRank(s models.Stage) int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return -1
}

// StageOf returns the stage recorded on a main task, defaulting to
// initialized when none has been written yet.
func StageOf(main *models.NetworkTask) models.Stage {
	if main == nil || main.Stage == nil {
		return models.StageInitialized
	}
	return main.Stage.Stage
}

// RequireStage rejects with INVALID_STAGE unless the network's current
// stage is one of the allowed set.
func RequireStage(main *models.NetworkTask, allowed ...models.Stage) error {
	current := StageOf(main)
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	return Errf(CodeInvalidStage, "operation not allowed in stage %q", current)
}

// RequirePolicy rejects with POLICY_NOT_SET when no policy has been
// recorded on the main task.
func RequirePolicy(main *models.NetworkTask) error {
	if main == nil || main.Policy == nil {
		return Errf(CodePolicyNotSet, "network has no policy recorded")
	}
	return nil
}

// EnsureRole rejects with ROLE_FORBIDDEN unless the caller's role is in
// the allowed set.
func EnsureRole(caller models.Role, allowed ...models.Role) error {
	for _, r := range allowed {
		if caller == r {
			return nil
		}
	}
	return Errf(CodeRoleForbidden, "role %q may not perform this operation", caller)
}

// NextRunnableStep groups a network's sub-tasks by step number and
// returns the lowest step at which not every task is completed. The
// second return is false once all sub-tasks are completed, or when the
// network has no sub-tasks.
func NextRunnableStep(subtasks []models.NetworkTask) (int, bool) {
	incomplete := map[int]bool{}
	for _, t := range subtasks {
		if t.StepNumber == nil {
			continue
		}
		if t.Status != models.TaskStatusCompleted {
			incomplete[*t.StepNumber] = true
		}
	}
	if len(incomplete) == 0 {
		return 0, false
	}
	steps := make([]int, 0, len(incomplete))
	for s := range incomplete {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	return steps[0], true
}

// EnsureTaskIsNextAndNoConcurrent authorizes a sub-task to start. The
// task must carry a step number, no other sub-task in the network may
// be running, and the task's step must be the next runnable one.
func EnsureTaskIsNextAndNoConcurrent(subtasks []models.NetworkTask, task *models.NetworkTask) error {
	if task.StepNumber == nil {
		return Errf(CodeStepNumberRequired, "task %s has no step number", task.ID)
	}
	for _, t := range subtasks {
		if t.Status == models.TaskStatusRunning {
			return Errf(CodeActiveTaskExists, "task %s is already running in network %s", t.ID, task.NetworkID)
		}
	}
	next, ok := NextRunnableStep(subtasks)
	if !ok {
		return Errf(CodePreviousStepNotCompleted, "no runnable step remains in network %s", task.NetworkID)
	}
	if *task.StepNumber != next {
		return Errf(CodePreviousStepNotCompleted, "step %d is not runnable; next runnable step is %d", *task.StepNumber, next)
	}
	return nil
}

// AllSubtasksCompleted rejects with SUBTASKS_INCOMPLETE when any
// sub-task is missing, not completed, or still carries a partial
// result marker.
func AllSubtasksCompleted(subtasks []models.NetworkTask) error {
	if len(subtasks) == 0 {
		return Errf(CodeSubtasksIncomplete, "network has no sub-tasks")
	}
	for _, t := range subtasks {
		if t.Status != models.TaskStatusCompleted {
			return Errf(CodeSubtasksIncomplete, "task %s at step %d is %s", t.ID, stepOf(&t), t.Status)
		}
		if t.Marker != nil && t.Marker.Partial {
			return Errf(CodeSubtasksIncomplete, "task %s still has a partial result", t.ID)
		}
	}
	return nil
}

// ValidateStepOrder checks that a planned batch uses contiguous step
// numbers starting at first. Several tasks may share a step. An
// initial plan passes first = 1; a replan passes the step after the
// last completed one.
func ValidateStepOrder(steps []int, first int) error {
	if len(steps) == 0 {
		return Errf(CodeInvalidStepOrder, "plan contains no steps")
	}
	seen := map[int]bool{}
	max := first - 1
	for _, s := range steps {
		if s < first {
			return Errf(CodeInvalidStepOrder, "step numbers start at %d, got %d", first, s)
		}
		seen[s] = true
		if s > max {
			max = s
		}
	}
	for i := first; i <= max; i++ {
		if !seen[i] {
			return Errf(CodeInvalidStepOrder, "step %d is missing from the plan", i)
		}
	}
	return nil
}

func stepOf(t *models.NetworkTask) int {
	if t.StepNumber == nil {
		return 0
	}
	return *t.StepNumber
}
