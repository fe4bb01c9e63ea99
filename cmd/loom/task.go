package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Operate on sub-tasks",
}

var taskStartCmd = &cobra.Command{
	Use:   "start <network-id> <task-id>",
	Short: "Start a specific sub-task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.service.StartTask(callerRole(models.RoleExecutor), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Task %s running (step %d)\n", task.ID, *task.StepNumber)
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <network-id>",
	Short: "Claim the next runnable sub-task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		worker, _ := cmd.Flags().GetString("worker")
		task, err := a.service.ClaimNext(callerRole(models.RoleExecutor), args[0], worker)
		if err != nil {
			return err
		}
		fmt.Printf("Claimed task %s (step %d): %s\n", task.ID, *task.StepNumber, task.Description)
		return nil
	},
}

var taskResultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Write a partial or final result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		text, _ := cmd.Flags().GetString("text")
		author, _ := cmd.Flags().GetString("author")
		partial, _ := cmd.Flags().GetBool("partial")
		cont, _ := cmd.Flags().GetBool("continue")

		mode := store.ResultFinal
		if partial {
			mode = store.ResultPartial
		}

		role := callerRole(models.RoleExecutor)
		var task *models.NetworkTask
		if cont {
			task, err = a.service.ContinueResult(role, args[0], text, mode, author)
		} else {
			task, err = a.service.SaveResult(role, args[0], text, mode, author)
		}
		if err != nil {
			return err
		}
		if task.Marker != nil && task.Marker.Partial {
			fmt.Printf("Partial result recorded on %s by %s\n", task.ID, author)
		} else {
			fmt.Printf("Final result recorded on %s\n", task.ID)
		}
		return nil
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <network-id> <task-id>",
	Short: "Mark a running sub-task completed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.service.CompleteTask(callerRole(models.RoleExecutor), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Task %s completed\n", task.ID)
		return nil
	},
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress <task-id> <percent>",
	Short: "Update a task's progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		pct, err := parsePercent(args[1])
		if err != nil {
			return err
		}
		return a.service.UpdateProgress(callerRole(models.RoleExecutor), args[0], pct)
	},
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Force a task to failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		reason, _ := cmd.Flags().GetString("reason")
		return a.service.ForceFail(callerRole(models.RoleExecutor), args[0], reason)
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Force a task to paused",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		reason, _ := cmd.Flags().GetString("reason")
		return a.service.ForcePause(callerRole(models.RoleExecutor), args[0], reason)
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.service.GetTask(args[0])
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", args[0])
		}
		fmt.Printf("ID:          %s\n", task.ID)
		fmt.Printf("Network:     %s\n", task.NetworkID)
		fmt.Printf("Status:      %s\n", task.Status)
		if task.StepNumber != nil {
			fmt.Printf("Step:        %d\n", *task.StepNumber)
		}
		fmt.Printf("Description: %s\n", task.Description)
		if task.AssignedTo != "" {
			fmt.Printf("Worker:      %s\n", task.AssignedTo)
		}
		if task.Result != "" {
			fmt.Printf("Result:      %s\n", task.Result)
		}
		if task.Marker != nil && task.Marker.Partial {
			fmt.Printf("Partial by:  %s\n", task.Marker.LastAuthor)
		}
		return nil
	},
}

// parsePercent parses a progress value, rejecting trailing garbage
// such as "50x".
func parsePercent(s string) (int, error) {
	pct, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid percent %q", s)
	}
	return pct, nil
}

func init() {
	taskClaimCmd.Flags().String("worker", "", "worker id to assign")

	taskResultCmd.Flags().String("text", "", "result text")
	taskResultCmd.Flags().String("author", "cli", "author agent id")
	taskResultCmd.Flags().Bool("partial", false, "record a partial result")
	taskResultCmd.Flags().Bool("continue", false, "continue an existing partial result")

	taskFailCmd.Flags().String("reason", "", "failure reason")
	taskPauseCmd.Flags().String("reason", "", "pause reason")

	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskResultCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskProgressCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskShowCmd)
}
