package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/quill/internal/loadtest"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "server",
	Short:   "Measure sync latency with many concurrent replicas",
	Long: `Start a throwaway sync server on a loopback port, connect the given number
of replicas and have every replica create tasks concurrently.

Reports write-to-commit latency (local write until the server store accepts
it) and then checks that every replica converged to the server's state.

Examples:
  quill bench                          # 20 replicas, 10 writes each
  quill bench --clients 100 --writes 50
  quill bench --json`,
	Run: func(cmd *cobra.Command, args []string) {
		clients, _ := cmd.Flags().GetInt("clients")
		writes, _ := cmd.Flags().GetInt("writes")
		debounce, _ := cmd.Flags().GetDuration("debounce")
		if clients <= 0 {
			fmt.Fprintf(os.Stderr, "Error: --clients must be positive\n")
			os.Exit(1)
		}
		if writes <= 0 {
			fmt.Fprintf(os.Stderr, "Error: --writes must be positive\n")
			os.Exit(1)
		}

		dir, err := os.MkdirTemp("", "quill-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		ctx := context.Background()
		if !jsonOutput {
			fmt.Printf("%s Starting server with %d replicas...\n", ui.RenderAccent("🚀"), clients)
		}
		cluster, err := loadtest.Start(ctx, loadtest.Config{Dir: dir, Clients: clients, Debounce: debounce})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		defer cluster.Close()

		stats, err := cluster.RunConcurrentWrites(ctx, writes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		convergeErr := cluster.VerifyConvergence(ctx, 30*time.Second)

		if jsonOutput {
			printJSON(struct {
				Clients   int                    `json:"clients"`
				Writes    int                    `json:"writesPerClient"`
				Stats     *loadtest.LatencyStats `json:"stats"`
				Converged bool                   `json:"converged"`
			}{clients, writes, stats, convergeErr == nil})
			return
		}
		fmt.Println()
		stats.PrintStats(os.Stdout)
		fmt.Println()
		if convergeErr != nil {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), convergeErr)
			return
		}
		fmt.Printf("%s All %d replicas converged\n", ui.RenderPass("✓"), clients)
	},
}

func init() {
	benchCmd.Flags().Int("clients", 20, "Number of concurrent replicas")
	benchCmd.Flags().Int("writes", 10, "Tasks created per replica")
	benchCmd.Flags().Duration("debounce", 10*time.Millisecond, "Replica outbound debounce")

	rootCmd.AddCommand(benchCmd)
}
