package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
	"github.com/opengrove/opengrove/internal/opengrove/store"
)

var importModel string

var importCmd = &cobra.Command{
	Use:   "import-claude <conversations.json>",
	Short: "Import a Claude data export",
	Long: `Imports the conversations.json file of a Claude data export. Importing
the same export again updates conversations in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		defer f.Close()

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Store.ImportClaudeExport(ctx, f, store.ImportOptions{Model: importModel})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, map[string]int{
					"conversations": stats.Conversations,
					"messages":      stats.Messages,
					"skipped_empty": stats.SkippedEmpty,
				})
			}
			cmd.Printf("imported %d conversation(s), %d message(s); skipped %d empty\n",
				stats.Conversations, stats.Messages, stats.SkippedEmpty)
			return nil
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importModel, "model", store.DefaultImportModel, "model assigned to imported conversations")
	rootCmd.AddCommand(importCmd)
}
