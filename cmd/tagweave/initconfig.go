package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tagweave/tagweave/internal/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config <file>",
	Short: "Write a default config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(args[0]); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
}
