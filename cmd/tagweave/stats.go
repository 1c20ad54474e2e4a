package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local data counts",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := buildCore(false)
	if err != nil {
		return err
	}

	stats, err := c.coord.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Tags:  %d\nPages: %d\n", stats.TagsCount, stats.PagesCount)
	return nil
}
