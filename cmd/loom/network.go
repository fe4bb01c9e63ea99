package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage task networks",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create <network-id>",
	Short: "Create a network's main task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		desc, _ := cmd.Flags().GetString("description")
		author, _ := cmd.Flags().GetString("author")
		main, err := a.service.CreateNetwork(callerRole(models.RolePolicySetter), args[0], "", desc, author)
		if err != nil {
			return err
		}
		fmt.Printf("Created network %s (main task %s)\n", args[0], main.ID)
		return nil
	},
}

var networkPolicyCmd = &cobra.Command{
	Use:   "policy <network-id>",
	Short: "Save or update the network policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		author, _ := cmd.Flags().GetString("author")
		update, _ := cmd.Flags().GetBool("update")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read policy file: %w", err)
			}
			text = string(data)
		}
		if text == "" {
			return fmt.Errorf("policy text is required (--text or --file)")
		}

		role := callerRole(models.RolePolicySetter)
		if update {
			policy, deleted, err := a.service.UpdatePolicy(role, args[0], text, author)
			if err != nil {
				return err
			}
			fmt.Printf("Policy v%d saved; %d pending sub-tasks removed for replan\n", policy.Version, deleted)
			return nil
		}
		policy, err := a.service.SavePolicy(role, args[0], text, author)
		if err != nil {
			return err
		}
		fmt.Printf("Policy v%d saved\n", policy.Version)
		return nil
	},
}

// planFile is the YAML shape accepted by `loom network plan -f`.
type planFile struct {
	Tasks []struct {
		Step        int      `yaml:"step"`
		Type        string   `yaml:"type"`
		Description string   `yaml:"description"`
		Parameters  string   `yaml:"parameters"`
		Priority    string   `yaml:"priority"`
		DependsOn   []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

var networkPlanCmd = &cobra.Command{
	Use:   "plan <network-id>",
	Short: "Create the network's sub-task batch from a YAML plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		file, _ := cmd.Flags().GetString("file")
		author, _ := cmd.Flags().GetString("author")
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read plan file: %w", err)
		}
		var plan planFile
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("parse plan file: %w", err)
		}

		specs := make([]store.SubtaskSpec, 0, len(plan.Tasks))
		for _, t := range plan.Tasks {
			specs = append(specs, store.SubtaskSpec{
				TaskType:    t.Type,
				Description: t.Description,
				Parameters:  t.Parameters,
				Step:        t.Step,
				DependsOn:   t.DependsOn,
				Priority:    models.Priority(t.Priority),
			})
		}

		tasks, err := a.service.PlanSubtasks(callerRole(models.RolePlanner), args[0], author, specs)
		if err != nil {
			return err
		}
		fmt.Printf("Plan has %d sub-tasks:\n", len(tasks))
		for _, t := range tasks {
			fmt.Printf("  step %d  %s  %s\n", *t.StepNumber, t.ID, t.Description)
		}
		return nil
	},
}

var networkStatusCmd = &cobra.Command{
	Use:   "status <network-id>",
	Short: "Show a network's stage and sub-tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.service.GetNetworkStatus(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Network %s  stage=%s\n", args[0], status.Stage)
		if status.Main.Policy != nil {
			fmt.Printf("Policy v%d by %s\n", status.Main.Policy.Version, status.Main.Policy.UpdatedBy)
		}
		for _, t := range status.Subtasks {
			marker := ""
			if t.Marker != nil && t.Marker.Partial {
				marker = " (partial)"
			}
			fmt.Printf("  step %d  %-10s %s  %s%s\n", *t.StepNumber, t.Status, t.ID, t.Description, marker)
		}
		return nil
	},
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.service.ListNetworks()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var networkFinalizeCmd = &cobra.Command{
	Use:   "finalize <network-id>",
	Short: "Finalize a network once all sub-tasks are completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		main, err := a.service.Finalize(callerRole(models.RolePolicySetter), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Network %s finalized at stage %s\n", args[0], main.Stage.Stage)
		return nil
	},
}

var networkResultsCmd = &cobra.Command{
	Use:   "results <network-id>",
	Short: "Print the consolidated sub-task results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.service.ConsolidatedResults(args[0])
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	networkCreateCmd.Flags().String("description", "", "network description")
	networkCreateCmd.Flags().String("author", "cli", "creator id")

	networkPolicyCmd.Flags().String("text", "", "policy text")
	networkPolicyCmd.Flags().String("file", "", "read policy text from file")
	networkPolicyCmd.Flags().String("author", "cli", "author id")
	networkPolicyCmd.Flags().Bool("update", false, "update an existing policy (triggers replan)")

	networkPlanCmd.Flags().StringP("file", "f", "", "YAML plan file")
	networkPlanCmd.MarkFlagRequired("file")
	networkPlanCmd.Flags().String("author", "cli", "creator id")

	networkCmd.AddCommand(networkCreateCmd)
	networkCmd.AddCommand(networkPolicyCmd)
	networkCmd.AddCommand(networkPlanCmd)
	networkCmd.AddCommand(networkStatusCmd)
	networkCmd.AddCommand(networkListCmd)
	networkCmd.AddCommand(networkFinalizeCmd)
	networkCmd.AddCommand(networkResultsCmd)
}
