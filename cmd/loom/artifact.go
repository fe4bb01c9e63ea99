package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/diffengine"
	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Work with versioned artifacts",
}

var artifactCommitCmd = &cobra.Command{
	Use:   "commit <network-id> <task-id>",
	Short: "Commit file content as the task's result artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		file, _ := cmd.Flags().GetString("file")
		message, _ := cmd.Flags().GetString("message")
		author, _ := cmd.Flags().GetString("author")
		partial, _ := cmd.Flags().GetBool("partial")

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read content file: %w", err)
		}
		mode := store.ResultFinal
		if partial {
			mode = store.ResultPartial
		}

		rev, ref, err := a.service.CommitResult(callerRole(models.RoleExecutor), args[0], args[1], content, message, author, mode)
		if err != nil {
			return err
		}
		fmt.Printf("Committed revision %s (%s)\n", rev.ID, ref)
		return nil
	},
}

var artifactHistoryCmd = &cobra.Command{
	Use:   "history <artifact-id>",
	Short: "List an artifact's revisions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		revs, err := a.artifacts.GetRevisions(args[0])
		if err != nil {
			return err
		}
		for _, rev := range revs {
			fmt.Printf("%s  %s  parents=%d  %s\n", rev.ID, rev.CreatedAt.Format("2006-01-02 15:04:05"), len(rev.ParentRevisions), rev.CommitMessage)
		}
		return nil
	},
}

var artifactCatCmd = &cobra.Command{
	Use:   "cat <ref-or-revision>",
	Short: "Print the content behind a ref: string or revision id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		arg := args[0]
		if strings.HasPrefix(arg, "ref:") {
			content, err := a.service.ResolveRef(arg)
			if err != nil {
				return err
			}
			os.Stdout.Write(content)
			return nil
		}
		content, err := a.artifacts.RevisionContent(arg)
		if err != nil {
			return err
		}
		os.Stdout.Write(content)
		return nil
	},
}

var artifactDiffCmd = &cobra.Command{
	Use:   "diff <from-revision> <to-revision>",
	Short: "Diff two revisions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		format, _ := cmd.Flags().GetString("format")
		result, err := a.engine.Diff(args[0], args[1], diffengine.Format(format))
		if err != nil {
			return err
		}
		if result.Text != "" {
			fmt.Print(result.Text)
		} else {
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
		}
		fmt.Printf("+%d -%d\n", result.Additions, result.Deletions)
		return nil
	},
}

var artifactPatchCmd = &cobra.Command{
	Use:   "patch <artifact-id> <base-revision>",
	Short: "Apply a patch file on top of a base revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")
		author, _ := cmd.Flags().GetString("author")
		patch, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read patch file: %w", err)
		}

		rev, err := a.engine.Patch(args[0], args[1], string(patch), diffengine.Format(format), author)
		if err != nil {
			return err
		}
		fmt.Printf("Committed revision %s\n", rev.ID)
		return nil
	},
}

var artifactEditCmd = &cobra.Command{
	Use:   "edit <artifact-id>",
	Short: "Apply a batch of edits from a JSON file as one revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		file, _ := cmd.Flags().GetString("file")
		author, _ := cmd.Flags().GetString("author")
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read edits file: %w", err)
		}
		var edits []diffengine.Edit
		if err := json.Unmarshal(raw, &edits); err != nil {
			return fmt.Errorf("parse edits file: %w", err)
		}

		rev, err := a.engine.ApplyEdits(args[0], edits, author)
		if err != nil {
			return err
		}
		fmt.Printf("Committed revision %s\n", rev.ID)
		return nil
	},
}

var artifactMergeCmd = &cobra.Command{
	Use:   "merge <artifact-id> <source-revision> <target-revision>",
	Short: "Merge two revisions",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		strategy, _ := cmd.Flags().GetString("strategy")
		author, _ := cmd.Flags().GetString("author")
		result, err := a.engine.Merge(args[0], args[1], args[2], diffengine.MergeStrategy(strategy), author)
		if err != nil {
			return err
		}
		fmt.Printf("Merge revision %s\n", result.Revision.ID)
		for _, c := range result.Conflicts {
			fmt.Printf("  conflict at line %d\n", c.Line)
		}
		return nil
	},
}

func init() {
	artifactCommitCmd.Flags().StringP("file", "f", "", "content file")
	artifactCommitCmd.MarkFlagRequired("file")
	artifactCommitCmd.Flags().StringP("message", "m", "", "commit message")
	artifactCommitCmd.Flags().String("author", "cli", "author id")
	artifactCommitCmd.Flags().Bool("partial", false, "record the result as partial")

	artifactDiffCmd.Flags().String("format", "unified", "diff format (unified, json_patch, structured)")

	artifactPatchCmd.Flags().StringP("file", "f", "", "patch file")
	artifactPatchCmd.MarkFlagRequired("file")
	artifactPatchCmd.Flags().String("format", "unified", "patch format (unified, json_patch)")
	artifactPatchCmd.Flags().String("author", "cli", "author id")

	artifactEditCmd.Flags().StringP("file", "f", "", "edits file (JSON array)")
	artifactEditCmd.MarkFlagRequired("file")
	artifactEditCmd.Flags().String("author", "cli", "author id")

	artifactMergeCmd.Flags().String("strategy", "auto", "merge strategy (ours, theirs, auto)")
	artifactMergeCmd.Flags().String("author", "cli", "author id")

	artifactCmd.AddCommand(artifactCommitCmd)
	artifactCmd.AddCommand(artifactHistoryCmd)
	artifactCmd.AddCommand(artifactCatCmd)
	artifactCmd.AddCommand(artifactDiffCmd)
	artifactCmd.AddCommand(artifactPatchCmd)
	artifactCmd.AddCommand(artifactEditCmd)
	artifactCmd.AddCommand(artifactMergeCmd)
}
