package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
	"github.com/opengrove/opengrove/internal/opengrove/chat"
)

var (
	chatConversation string
	chatModel        string
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one user turn and print the model's reply",
	Long: `Persists the message, assembles context, asks the configured chat
provider and persists the reply. Without --conversation a new conversation is
started. Overflow from the turn is embedded before the command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Chat.Turn(ctx, chat.TurnRequest{
				ConversationID: chatConversation,
				Message:        args[0],
				Model:          chatModel,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, res)
			}
			cmd.Printf("[%s]\n%s\n", res.ConversationID, res.Message.Content)
			return nil
		})
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "conversation to continue")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model key (defaults to the conversation's model)")
	rootCmd.AddCommand(chatCmd)
}
