package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
)

var (
	embedAll   bool
	embedModel string
)

var embedCmd = &cobra.Command{
	Use:   "embed <conversation-id>",
	Short: "Embed a conversation's overflow into the memory index now",
	Long: `Embeds the messages that no longer fit the recency window of the
conversation. With --all every message the conversation owns is embedded,
which backfills memory for imported conversations. Messages already embedded
are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			id := args[0]
			if a.Index == nil {
				return errors.New("embed: no vector backend configured")
			}
			if err := a.Pipeline.EnsureEmbeddingConfig(ctx); err != nil {
				return err
			}

			if embedAll {
				own, err := a.Store.OwnMessages(ctx, id, -1)
				if err != nil {
					return err
				}
				a.Pipeline.EmbedAndStoreOverflow(ctx, id, own)
			} else {
				res, err := a.Chat.Assemble(ctx, id, "", embedModel)
				if err != nil {
					return err
				}
				a.Pipeline.EmbedAndStoreOverflow(ctx, id, res.Overflow)
			}

			n, err := a.Index.CountChunks(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, map[string]any{"conversation_id": id, "chunks": n})
			}
			cmd.Printf("%s: %d chunk(s) stored\n", id, n)
			return nil
		})
	},
}

func init() {
	embedCmd.Flags().BoolVar(&embedAll, "all", false, "embed every message the conversation owns")
	embedCmd.Flags().StringVar(&embedModel, "model", "", "model whose context limit decides the overflow")
	rootCmd.AddCommand(embedCmd)
}
