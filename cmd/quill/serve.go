package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/quill/internal/config"
	"github.com/Mschirtzinger/quill/internal/hub"
	"github.com/Mschirtzinger/quill/internal/orchestrator"
	"github.com/Mschirtzinger/quill/internal/syncserver"
	"github.com/Mschirtzinger/quill/internal/telemetry"
	"github.com/Mschirtzinger/quill/internal/templates"
	"github.com/Mschirtzinger/quill/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server and the orchestrator",
	Long: `Start the sync server: the authoritative entity store, the WebSocket
session endpoint and the HTTP snapshot endpoint.

Unless disabled, the orchestrator loop runs in the same process and moves
queued tasks through generation to deployed. When templates.dir is set, the
directory is loaded into the store and followed for changes.

Editing the config file while the server runs applies a new
orchestrator.interval without a restart.

Example usage:
  quill serve                    # Listen on server.addr (default :8080)
  quill serve --addr :9000       # Listen on a custom address
  quill serve --no-orchestrator  # Sync only`,
	Run: func(cmd *cobra.Command, args []string) {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if noLoop, _ := cmd.Flags().GetBool("no-orchestrator"); noLoop {
			cfg.Orchestrator.Enabled = false
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := serve(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Server stopped")
	},
}

func serve(ctx context.Context) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Interval: cfg.Telemetry.Interval,
		Writer:   logOut,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry shutdown: %v\n", err)
		}
	}()

	st, err := openServerStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	h := hub.New(hub.Config{
		QueueSize:    cfg.Server.QueueSize,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger("hub"),
	})
	defer h.Close()
	server := syncserver.NewServer(st, h, &syncserver.Config{
		Addr:           cfg.Server.Addr,
		SnapshotMaxAge: cfg.Server.SnapshotMaxAge,
		RequireRole:    cfg.Auth.RequireRole,
		Logger:         logger("session"),
	})

	var loop *orchestrator.Loop
	if cfg.Orchestrator.Enabled {
		var closers []io.Closer
		loop, closers, err = newLoop(st)
		if err != nil {
			return err
		}
		defer closeAll(closers)

		if v.ConfigFileUsed() != "" {
			config.Watch(v, func(next *config.Config) {
				loop.SetInterval(next.Orchestrator.Interval)
			}, func(err error) {
				logger("config").Printf("Ignoring invalid config change: %v", err)
			})
		}
	}

	var watcher *templates.Watcher
	if cfg.Templates.Dir != "" {
		watcher, err = templates.NewWatcher(st, cfg.Templates.Dir, &templates.Config{Logger: logger("templates")})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if loop != nil {
		g.Go(func() error { return ignoreCancel(loop.Run(gctx)) })
	}
	if watcher != nil {
		g.Go(func() error { return ignoreCancel(watcher.Run(gctx)) })
	}

	fmt.Printf("%s Sync server starting on %s\n", ui.RenderAccent("🚀"), cfg.Server.Addr)
	fmt.Printf("WebSocket endpoint: ws://<host>%s/ws\n", cfg.Server.Addr)
	fmt.Println("\nPress Ctrl+C to stop...")

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("no-orchestrator", false, "Do not run the orchestrator loop")

	rootCmd.AddCommand(serveCmd)
}
