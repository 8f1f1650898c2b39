package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mschirtzinger/quill/internal/config"
	"github.com/Mschirtzinger/quill/internal/logging"
	"github.com/Mschirtzinger/quill/internal/replica"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/store/postgres"
	"github.com/Mschirtzinger/quill/internal/store/sqlite"
	"github.com/Mschirtzinger/quill/internal/wire"
)

var (
	configPath string
	jsonOutput bool

	v         *viper.Viper
	cfg       *config.Config
	logOut    io.Writer = os.Stderr
	logCloser io.Closer
)

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "server", Title: "Server:"})
	rootCmd.AddGroup(&cobra.Group{ID: "content", Title: "Projects & Tasks:"})
	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Sync & Data:"})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./quill.yaml or $HOME/.config/quill/quill.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "quill - replicated content pipeline",
	Long: `Projects, tasks and templates replicated between a sync server and local
replicas, with an orchestrator that turns queued tasks into deployed posts.`,
	Run: func(cmd *cobra.Command, args []string) {
		if ver, _ := cmd.Flags().GetBool("version"); ver {
			fmt.Printf("quill protocol %s\n", wire.ProtocolVersion)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		v = config.New()
		loaded, err := config.Load(v, configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		logOut, logCloser = logging.Writer(logging.Config{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func logger(component string) *log.Logger {
	return logging.New(logOut, component)
}

// openServerStore opens the configured server backend and starts a store
// over it.
func openServerStore(ctx context.Context) (*store.Store, error) {
	var backend store.Backend
	switch cfg.DB.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		backend = db
	default:
		db, err := sqlite.OpenContext(ctx, cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		backend = db
	}
	return store.New(backend, store.Config{Logger: logger("store")}), nil
}

func openReplica(ctx context.Context) (*replica.Replica, error) {
	return replica.Open(ctx, replica.Config{
		ServerURL: cfg.Replica.Server,
		Path:      cfg.Replica.Path,
		Debounce:  cfg.Replica.Debounce,
		Logger:    logger("replica"),
	})
}

// syncOrWarn pushes local writes to the server. An unreachable server is
// not fatal: the writes stay pending in the replica.
func syncOrWarn(ctx context.Context, r *replica.Replica) bool {
	if err := r.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: server unreachable, %d change(s) kept locally: %v\n", r.Pending(), err)
		return false
	}
	return true
}

func printJSON(value any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
