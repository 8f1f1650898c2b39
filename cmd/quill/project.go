package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/quill/internal/schedule"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "content",
	Short:   "Create, schedule and list projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Long: `Create a project. The global prompt and knowledge context are prepended
to every task prompt of the project.

Example usage:
  quill project create "Engineering blog" --prompt "You write for engineers."
  quill project create Digest --id digest --every 24h --next "tomorrow 9am"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		now := schema.Now()
		p := &schema.Project{Name: args[0], UpdatedAt: now}
		p.ID, _ = cmd.Flags().GetString("id")
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.GlobalPrompt, _ = cmd.Flags().GetString("prompt")
		p.KnowledgeContext, _ = cmd.Flags().GetString("knowledge")
		if err := applySchedule(cmd, p); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		if err := p.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		if err := r.Write(ctx, p); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to save project: %v\n", err)
			return
		}
		syncOrWarn(ctx, r)

		if jsonOutput {
			printJSON(p)
			return
		}
		fmt.Printf("%s Created project %s (%s)\n", ui.RenderPass("✓"), p.Name, p.ID)
		if p.ScheduleInterval != "" {
			fmt.Printf("  Every %s, next run %s\n", p.ScheduleInterval, p.NextRun)
		}
	},
}

var projectScheduleCmd = &cobra.Command{
	Use:   "schedule <project-id>",
	Short: "Set or clear a project's generation schedule",
	Long: `Set how often the orchestrator creates a queued task for the project.

--next accepts an RFC 3339 time, a duration from now ("90m") or a phrase
such as "tomorrow 9am" or "next monday at noon". Without --next the first
run is one interval from now.

Example usage:
  quill project schedule digest --every 24h --next "tomorrow 9am"
  quill project schedule digest --clear`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		if _, err := r.Pull(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: scheduling against local state: %v\n", err)
		}
		clearSchedule, _ := cmd.Flags().GetBool("clear")
		var p *schema.Project
		err = r.Update(ctx, schema.KindProject, args[0], func(rec schema.Record) error {
			p = rec.(*schema.Project)
			if clearSchedule {
				p.ScheduleInterval = ""
				p.NextRun = ""
				return nil
			}
			return applySchedule(cmd, p)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		syncOrWarn(ctx, r)

		if clearSchedule {
			fmt.Printf("%s Schedule cleared for %s\n", ui.RenderPass("✓"), p.Name)
			return
		}
		fmt.Printf("%s %s runs every %s, next at %s\n", ui.RenderPass("✓"), p.Name, p.ScheduleInterval, p.NextRun)
	},
}

// applySchedule sets ScheduleInterval and NextRun from --every and --next.
func applySchedule(cmd *cobra.Command, p *schema.Project) error {
	every, _ := cmd.Flags().GetDuration("every")
	next, _ := cmd.Flags().GetString("next")
	if every == 0 {
		if next != "" {
			return fmt.Errorf("--next requires --every")
		}
		return nil
	}
	if every < 0 {
		return fmt.Errorf("--every must be positive")
	}
	p.ScheduleInterval = every.String()

	now := time.Now()
	at := now.Add(every)
	if next != "" {
		var err error
		if at, err = schedule.ParseNextRun(next, now); err != nil {
			return err
		}
	}
	p.NextRun = schema.StampOf(at)
	return nil
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects in the local replica",
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
		recs, err := r.List(ctx, schema.KindProject, store.Filter{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing projects: %v\n", err)
			return
		}
		if jsonOutput {
			printJSON(recs)
			return
		}
		if len(recs) == 0 {
			fmt.Println(ui.RenderMuted("No projects"))
			return
		}
		for _, rec := range recs {
			p := rec.(*schema.Project)
			line := fmt.Sprintf("%s  %s", p.ID, ui.RenderHeader(p.Name))
			if p.ScheduleInterval != "" {
				line += ui.RenderMuted(fmt.Sprintf("  every %s, next %s", p.ScheduleInterval, p.NextRun))
			}
			fmt.Println(line)
		}
	},
}

func init() {
	projectCreateCmd.Flags().String("id", "", "Project id (default: random)")
	projectCreateCmd.Flags().String("prompt", "", "Global prompt for every task")
	projectCreateCmd.Flags().String("knowledge", "", "Knowledge context for every task")
	projectCreateCmd.Flags().Duration("every", 0, "Schedule interval, e.g. 24h")
	projectCreateCmd.Flags().String("next", "", "First scheduled run")

	projectScheduleCmd.Flags().Duration("every", 0, "Schedule interval, e.g. 24h")
	projectScheduleCmd.Flags().String("next", "", "Next scheduled run")
	projectScheduleCmd.Flags().Bool("clear", false, "Remove the schedule")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectScheduleCmd)
	projectCmd.AddCommand(projectListCmd)
	rootCmd.AddCommand(projectCmd)
}
