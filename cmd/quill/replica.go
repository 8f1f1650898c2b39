package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var replicaCmd = &cobra.Command{
	Use:     "replica",
	GroupID: "sync",
	Short:   "Local replica management",
	Long: `Manage the local replica (.quill/replica.db), a SQLite mirror of the
server state that accepts writes while offline and sends them as deltas
once connected.`,
}

var replicaRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the local replica connected and in sync",
	Long: `Connect to the sync server and stay connected, reconnecting with backoff.

On every connect the replica pulls changes since its cursor, then sends
all pending local writes. Broadcasts from other clients are merged into the
local mirror as they arrive.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Replica %s following %s\n", ui.RenderAccent("🔄"), r.ClientID(), cfg.Replica.Server)
		fmt.Println("\nPress Ctrl+C to stop...")

		runErr := r.Run(ctx)
		if err := r.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing replica: %v\n", err)
		}
		if runErr != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			os.Exit(1)
		}
		fmt.Println("Replica stopped")
	},
}

var replicaPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch server changes since the last pull",
	Long: `Request a snapshot of everything that changed on the server since the
stored cursor and merge it into the local replica. Pending local writes are
sent afterwards.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		start := time.Now()
		n, err := r.Pull(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: pull failed: %v\n", err)
			return
		}
		if !syncOrWarn(ctx, r) {
			return
		}
		cursor, _ := r.Cursor(ctx)
		fmt.Printf("%s Pulled %d record(s) in %v (cursor %s)\n",
			ui.RenderPass("✓"), n, time.Since(start).Round(time.Millisecond), cursorLabel(cursor))
	},
}

// replicaStatus is the JSON shape of `quill replica status`.
type replicaStatus struct {
	ClientID  string         `json:"clientId"`
	Server    string         `json:"server"`
	Path      string         `json:"path"`
	Cursor    schema.Stamp   `json:"cursor"`
	Pending   int            `json:"pending"`
	Projects  int            `json:"projects"`
	Templates int            `json:"templates"`
	Tasks     map[string]int `json:"tasks"`
}

var replicaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local replica state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if _, err := os.Stat(cfg.Replica.Path); os.IsNotExist(err) {
			fmt.Printf("\n%s Replica not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("  Run 'quill replica pull' to create %s\n\n", cfg.Replica.Path)
			return
		}

		r, err := openReplica(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open replica: %v\n", err)
			os.Exit(1)
		}
		defer r.Close()

		status := replicaStatus{
			ClientID: r.ClientID(),
			Server:   cfg.Replica.Server,
			Path:     cfg.Replica.Path,
			Pending:  r.Pending(),
			Tasks:    make(map[string]int),
		}
		if status.Cursor, err = r.Cursor(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cursor: %v\n", err)
			return
		}
		counts := map[schema.Kind]*int{schema.KindProject: &status.Projects, schema.KindTemplate: &status.Templates}
		for kind, n := range counts {
			recs, err := r.List(ctx, kind, store.Filter{})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing %ss: %v\n", kind, err)
				return
			}
			*n = len(recs)
		}
		tasks, err := r.List(ctx, schema.KindTask, store.Filter{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
			return
		}
		for _, rec := range tasks {
			status.Tasks[string(rec.(*schema.Task).Status)]++
		}

		if jsonOutput {
			printJSON(status)
			return
		}

		fmt.Printf("\n%s Replica Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("  Client:    %s\n", status.ClientID)
		fmt.Printf("  Server:    %s\n", status.Server)
		fmt.Printf("  Database:  %s\n", status.Path)
		fmt.Printf("  Cursor:    %s\n", cursorLabel(status.Cursor))
		if status.Pending > 0 {
			fmt.Printf("  Pending:   %s\n", ui.RenderWarn(fmt.Sprintf("%d unsent change(s)", status.Pending)))
		} else {
			fmt.Printf("  Pending:   %s\n", ui.RenderPass("none"))
		}
		fmt.Printf("  Projects:  %d\n", status.Projects)
		fmt.Printf("  Templates: %d\n", status.Templates)
		fmt.Printf("  Tasks:     %d\n", len(tasks))
		for _, st := range []schema.Status{schema.StatusDraft, schema.StatusQueued, schema.StatusGenerating, schema.StatusDeployed} {
			if n := status.Tasks[string(st)]; n > 0 {
				fmt.Printf("    %-20s %d\n", ui.RenderStatus(st), n)
			}
		}
		fmt.Println()
	},
}

func cursorLabel(s schema.Stamp) string {
	if s.IsZero() {
		return ui.RenderMuted("none")
	}
	return string(s)
}

func init() {
	replicaCmd.AddCommand(replicaRunCmd)
	replicaCmd.AddCommand(replicaPullCmd)
	replicaCmd.AddCommand(replicaStatusCmd)
	rootCmd.AddCommand(replicaCmd)
}
