package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tagweave/tagweave/internal/daemon"
	"github.com/tagweave/tagweave/internal/logging"
	"github.com/tagweave/tagweave/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RPC server and background sync daemon",
	Long: `Serve hosts the full core: the JSON-RPC boundary UI callers talk
to, the websocket push stream, the realtime remote subscription, and the
background daemon that reloads on external writes and syncs periodically.

Press Ctrl+C to shut down gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := buildCore(true)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	if c.cfg.Remote.UserID != "" {
		if err := c.engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start realtime sync: %w", err)
		}
		defer c.engine.Stop()
	} else {
		fmt.Fprintln(os.Stderr, "No remote.user_id configured; changes will queue locally until sign-in")
	}

	server := rpc.NewServer(c.coord, &rpc.Config{
		Port:   c.cfg.Server.Port,
		Logger: logging.New(c.logw, "rpc"),
	})
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
	}()

	d, err := daemon.New(c.coord, c.engine, c.adapter.Dir(), &daemon.Config{
		SyncInterval:     c.cfg.Sync.Interval,
		DebounceInterval: c.cfg.Sync.Debounce,
		Logger:           logging.New(c.logw, "daemon"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("tagweave serving on %s (data: %s)\n", server.Addr(), c.cfg.DataDir)
	return d.Start(ctx)
}
