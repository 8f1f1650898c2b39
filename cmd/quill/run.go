package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/quill/internal/orchestrator"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run [task-id...]",
	GroupID: "server",
	Short:   "Run one orchestrator pass against the server database",
	Long: `Run the orchestrator once without starting the sync server.

With task ids, exactly those tasks are claimed and generated (tasks that are
not queued are skipped). Without ids, stale tasks are reclaimed, due
projects are scheduled and the queue is drained.

This opens the server database directly. Connected replicas are not
notified, so use it while 'quill serve' is stopped; they catch up on their
next pull.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openServerStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		loop, closers, err := newLoop(st)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		defer closeAll(closers)

		start := time.Now()
		if len(args) == 0 {
			fmt.Printf("%s Running orchestrator pass...\n", ui.RenderAccent("🔄"))
			loop.Tick(ctx)
			fmt.Printf("%s Pass complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
			return
		}

		results, err := loop.RunTasks(ctx, args)
		for _, id := range args {
			res, ok := results[id]
			if !ok {
				continue
			}
			switch res {
			case orchestrator.ResultDeployed:
				fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), id, res)
			case orchestrator.ResultSkipped:
				fmt.Printf("%s %s %s (not queued)\n", ui.RenderWarn("⚠"), id, res)
			default:
				fmt.Printf("%s %s %s\n", ui.RenderFail("✗"), id, res)
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Printf("\nDone in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
