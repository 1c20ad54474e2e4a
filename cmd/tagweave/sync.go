package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync against the remote backend",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	c, err := buildCore(true)
	if err != nil {
		return err
	}
	defer c.close()

	ctx := context.Background()
	if err := c.engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	if err := c.engine.SyncAll(ctx); err != nil {
		return err
	}

	state := c.engine.State()
	fmt.Printf("Sync complete at %s (%d changes still pending)\n",
		state.LastSyncAt.Format("15:04:05"), state.PendingChangesCount)
	return nil
}
