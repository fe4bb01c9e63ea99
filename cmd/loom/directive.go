package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/models"
)

var directiveCmd = &cobra.Command{
	Use:   "directive",
	Short: "Raise and resolve mid-flight guidance for a network",
}

var directiveRaiseCmd = &cobra.Command{
	Use:   "raise <network-id>",
	Short: "Raise a directive against a running network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		dtype, _ := cmd.Flags().GetString("type")
		content, _ := cmd.Flags().GetString("content")
		createdBy, _ := cmd.Flags().GetString("by")

		d, err := a.service.RaiseDirective(callerRole(models.RolePolicySetter), args[0], dtype, content, createdBy)
		if err != nil {
			return err
		}
		fmt.Printf("Raised directive %s (%s)\n", d.ID, d.Type)
		return nil
	},
}

var directiveListCmd = &cobra.Command{
	Use:   "list <network-id>",
	Short: "List unresolved directives for a network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		directives, err := a.service.CheckDirectives(callerRole(models.RolePlanner), args[0])
		if err != nil {
			return err
		}
		if len(directives) == 0 {
			fmt.Println("No pending directives.")
			return nil
		}
		for _, d := range directives {
			fmt.Printf("%s  [%s] %s  %s\n", d.ID, d.Status, d.Type, d.Content)
		}
		return nil
	},
}

var directiveAckCmd = &cobra.Command{
	Use:   "ack <directive-id>",
	Short: "Acknowledge a directive",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveDirectiveRun("acknowledged"),
}

var directiveApplyCmd = &cobra.Command{
	Use:   "apply <directive-id>",
	Short: "Mark a directive as applied",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveDirectiveRun("applied"),
}

var directiveRejectCmd = &cobra.Command{
	Use:   "reject <directive-id>",
	Short: "Reject a directive",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveDirectiveRun("rejected"),
}

func resolveDirectiveRun(outcome string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		role := callerRole(models.RolePlanner)
		switch outcome {
		case "acknowledged":
			err = a.service.AcknowledgeDirective(role, args[0])
		case "applied":
			err = a.service.ApplyDirective(role, args[0])
		case "rejected":
			err = a.service.RejectDirective(role, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Directive %s %s\n", args[0], outcome)
		return nil
	}
}

func init() {
	directiveRaiseCmd.Flags().String("type", "guidance", "directive type (guidance, correction, cancel)")
	directiveRaiseCmd.Flags().StringP("content", "c", "", "directive content")
	directiveRaiseCmd.MarkFlagRequired("content")
	directiveRaiseCmd.Flags().String("by", "cli", "who raises the directive")

	directiveCmd.AddCommand(directiveRaiseCmd)
	directiveCmd.AddCommand(directiveListCmd)
	directiveCmd.AddCommand(directiveAckCmd)
	directiveCmd.AddCommand(directiveApplyCmd)
	directiveCmd.AddCommand(directiveRejectCmd)
}
