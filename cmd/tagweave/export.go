package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tagweave/tagweave/internal/txn"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all tags and pages as JSON",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	c, err := buildCore(false)
	if err != nil {
		return err
	}

	resp := c.coord.Handle(context.Background(), txn.Request{
		ID:     "export",
		Method: txn.MethodExportData,
	})
	if resp.Err != nil {
		return resp.Err
	}
	payload, ok := resp.Result.(string)
	if !ok {
		return fmt.Errorf("unexpected export result type %T", resp.Result)
	}

	if exportOutput == "" {
		fmt.Println(payload)
		return nil
	}
	if err := os.WriteFile(exportOutput, []byte(payload), 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Printf("Exported to %s\n", exportOutput)
	return nil
}
