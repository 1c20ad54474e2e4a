package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tagweave/tagweave/internal/graph"
	"github.com/tagweave/tagweave/internal/txn"
)

var importOverwrite bool

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import tags and pages from an export file",
	Long: `Import loads a previously exported JSON document. By default the
import merges: existing ids keep their fields and only absent entries are
added. With --overwrite both collections are replaced wholesale.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "replace existing data instead of merging")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	c, err := buildCore(false)
	if err != nil {
		return err
	}

	reqArgs := make([]json.RawMessage, 2)
	if reqArgs[0], err = json.Marshal(string(payload)); err != nil {
		return err
	}
	if reqArgs[1], err = json.Marshal(importOverwrite); err != nil {
		return err
	}

	resp := c.coord.Handle(context.Background(), txn.Request{
		ID:     "import",
		Method: txn.MethodImportData,
		Args:   reqArgs,
	})
	if resp.Err != nil {
		return resp.Err
	}
	result, ok := resp.Result.(graph.ImportResult)
	if !ok {
		return fmt.Errorf("unexpected import result type %T", resp.Result)
	}
	if !result.Success {
		return fmt.Errorf("import rejected: %s", result.Error)
	}

	fmt.Printf("Imported %d tags, %d pages\n", result.TagsImported, result.PagesImported)
	return nil
}
