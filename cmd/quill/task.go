package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "content",
	Short:   "Create, queue and list tasks",
	Long: `Tasks are units of generated content. They are written to the local
replica and synced to the server; the orchestrator picks up queued tasks.

Lifecycle:
  draft -> queued -> generating -> deployed
  generating -> draft (generation failed) or queued (reclaimed)
  deployed -> queued (regenerate)`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Long: `Create a task in a project. Without --title on an interactive terminal a
form asks for the details.

Example usage:
  quill task create                                  # Interactive form
  quill task create -p blog -t "Release notes" --queue
  quill task create -p blog -t "Weekly digest" --prompt "Summarize..." --tags go,release`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		in := ui.TaskInput{}
		in.ProjectID, _ = cmd.Flags().GetString("project")
		in.Title, _ = cmd.Flags().GetString("title")
		in.Prompt, _ = cmd.Flags().GetString("prompt")
		tags, _ := cmd.Flags().GetString("tags")
		in.Tags = ui.SplitList(tags)
		in.Queue, _ = cmd.Flags().GetBool("queue")

		if in.Title == "" {
			if !ui.IsInteractive() {
				fmt.Fprintf(os.Stderr, "Error: --title is required when not running interactively\n")
				return
			}
			// Best effort: a stale project list still lets the user type an id.
			if _, err := r.Pull(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not refresh projects: %v\n", err)
			}
			projects, err := r.List(ctx, schema.KindProject, store.Filter{})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing projects: %v\n", err)
				return
			}
			if len(projects) == 0 {
				fmt.Fprintf(os.Stderr, "Error: no projects yet, create one with 'quill project create'\n")
				return
			}
			options := make([]ui.Option, 0, len(projects))
			for _, rec := range projects {
				p := rec.(*schema.Project)
				options = append(options, ui.Option{Label: p.Name, Value: p.ID})
			}
			in, err = ui.TaskForm(options, in)
			if errors.Is(err, ui.ErrAborted) {
				fmt.Println("Cancelled.")
				return
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return
			}
		}
		if in.ProjectID == "" {
			fmt.Fprintf(os.Stderr, "Error: --project is required\n")
			return
		}

		now := schema.Now()
		task := &schema.Task{
			ID:        uuid.NewString(),
			ProjectID: in.ProjectID,
			Title:     in.Title,
			Prompt:    in.Prompt,
			Status:    schema.StatusDraft,
			Tags:      in.Tags,
			CreatedAt: now,
			UpdatedAt: now,
		}
		task.Record(now, schema.HistoryCreated, "cli")
		if in.Queue {
			task.Status = schema.StatusQueued
			task.Record(now, schema.HistoryQueued, "")
		}
		if model, _ := cmd.Flags().GetString("model"); model != "" {
			task.Parameters = &schema.Parameters{Model: model}
		}
		if err := task.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		if err := r.Write(ctx, task); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to save task: %v\n", err)
			return
		}
		syncOrWarn(ctx, r)

		if jsonOutput {
			printJSON(task)
			return
		}
		fmt.Printf("%s Created task %s %s\n", ui.RenderPass("✓"), task.ID, ui.RenderStatus(task.Status))
	},
}

var taskQueueCmd = &cobra.Command{
	Use:   "queue <task-id>...",
	Short: "Queue tasks for generation",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		if _, err := r.Pull(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: queueing against local state: %v\n", err)
		}
		queued := 0
		for _, id := range args {
			if err := r.QueueTask(ctx, id); err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), id, err)
				continue
			}
			queued++
			fmt.Printf("%s Queued %s\n", ui.RenderPass("✓"), id)
		}
		if queued > 0 {
			syncOrWarn(ctx, r)
		}
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the local replica",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		if noPull, _ := cmd.Flags().GetBool("offline"); !noPull {
			if _, err := r.Pull(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: showing local state: %v\n", err)
			}
		}

		f := store.Filter{}
		f.ProjectID, _ = cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		if status != "" {
			f.Status = schema.Status(status)
			if !f.Status.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", status)
				return
			}
		}
		f.Limit, _ = cmd.Flags().GetInt("limit")

		recs, err := r.List(ctx, schema.KindTask, f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
			return
		}
		if jsonOutput {
			printJSON(recs)
			return
		}
		if len(recs) == 0 {
			fmt.Println(ui.RenderMuted("No tasks"))
			return
		}
		for _, rec := range recs {
			t := rec.(*schema.Task)
			line := fmt.Sprintf("%s  %-12s %s", t.ID, ui.RenderStatus(t.Status), t.Title)
			if len(t.Tags) > 0 {
				line += " " + ui.RenderMuted("["+strings.Join(t.Tags, ", ")+"]")
			}
			if t.Error != "" {
				line += "\n    " + ui.RenderFail(t.Error)
			}
			fmt.Println(line)
		}
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its history and output",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		if _, err := r.Pull(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: showing local state: %v\n", err)
		}
		rec, err := r.Get(ctx, schema.KindTask, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		t := rec.(*schema.Task)
		if jsonOutput {
			printJSON(t)
			return
		}

		fmt.Printf("\n%s %s\n\n", ui.RenderHeader(t.Title), ui.RenderStatus(t.Status))
		fmt.Printf("  ID:       %s\n", t.ID)
		fmt.Printf("  Project:  %s\n", t.ProjectID)
		fmt.Printf("  Created:  %s\n", t.CreatedAt)
		fmt.Printf("  Updated:  %s\n", t.UpdatedAt)
		if t.TokenUsage != nil {
			fmt.Printf("  Tokens:   %d in / %d out\n", t.TokenUsage.Input, t.TokenUsage.Output)
		}
		if t.Error != "" {
			fmt.Printf("  Error:    %s\n", ui.RenderFail(t.Error))
		}
		if len(t.History) > 0 {
			fmt.Println("\n  History:")
			for _, h := range t.History {
				fmt.Printf("    %s  %-15s %s\n", ui.RenderMuted(string(h.At)), h.Kind, h.Detail)
			}
		}
		if t.Output != "" {
			fmt.Printf("\n%s\n", t.Output)
		}
		fmt.Println()
	},
}

func init() {
	taskCreateCmd.Flags().StringP("project", "p", "", "Project id")
	taskCreateCmd.Flags().StringP("title", "t", "", "Task title")
	taskCreateCmd.Flags().String("prompt", "", "Task prompt")
	taskCreateCmd.Flags().String("tags", "", "Comma-separated tags")
	taskCreateCmd.Flags().String("model", "", "Model override for this task")
	taskCreateCmd.Flags().Bool("queue", false, "Queue for generation immediately")

	taskListCmd.Flags().StringP("project", "p", "", "Filter by project id")
	taskListCmd.Flags().StringP("status", "s", "", "Filter by status (draft, queued, generating, deployed)")
	taskListCmd.Flags().IntP("limit", "n", 0, "Maximum number of tasks (0 = all)")
	taskListCmd.Flags().Bool("offline", false, "Do not pull from the server first")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskQueueCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(taskCmd)
}
