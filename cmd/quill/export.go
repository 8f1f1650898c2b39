package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/quill/internal/migrate"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "sync",
	Short:   "Export the server database as JSONL",
	Long: `Write every project, template and task of the server database as JSONL,
one {"kind": ..., "record": {...}} object per line. Without a file the
export goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, err := openServerStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if len(args) == 0 {
			if _, err := migrate.Export(ctx, st, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
			}
			return
		}
		n, err := migrate.ExportFile(ctx, st, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
			return
		}
		fmt.Printf("%s Exported %d record(s) to %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "sync",
	Short:   "Import a JSONL export into the server database",
	Long: `Merge a JSONL export into the server database. Every record goes through
the last-writer-wins rule: records older than the stored version are
counted as stale and left alone, so importing the same file twice is safe.

Like 'quill run', this opens the database directly; run it while the
server is stopped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		st, err := openServerStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		result, err := migrate.ImportFile(ctx, st, args[0], migrate.ImportOptions{DryRun: dryRun})
		if result != nil {
			if jsonOutput {
				printJSON(result)
			} else {
				verb := "Imported"
				if dryRun {
					verb = "Validated"
				}
				fmt.Printf("%s %s %d record(s): %d applied, %d stale\n",
					ui.RenderPass("✓"), verb, result.Read, result.Applied, result.Stale)
				for _, e := range result.Errors {
					fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), e)
				}
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: import failed: %v\n", err)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
