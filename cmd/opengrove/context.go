package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
	"github.com/opengrove/opengrove/internal/opengrove/memory"
)

var contextModel string

type contextView struct {
	RAGBudget    int           `json:"rag_budget"`
	RecentBudget int           `json:"recent_budget"`
	Recent       int           `json:"recent"`
	Overflow     int           `json:"overflow"`
	RAGText      string        `json:"rag_text,omitempty"`
	Turns        []memory.Turn `json:"turns"`
}

var contextCmd = &cobra.Command{
	Use:   "context <conversation-id> <query>",
	Short: "Show the context that would be sent to the model for a query",
	Long: `Assembles the token-budgeted context for a query against a conversation
without persisting anything or calling the model. The query is not appended
to the history.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Chat.Assemble(ctx, args[0], args[1], contextModel)
			if err != nil {
				return err
			}
			view := contextView{
				RAGBudget:    res.RAGBudget,
				RecentBudget: res.RecentBudget,
				Recent:       len(res.Recent),
				Overflow:     len(res.Overflow),
				RAGText:      res.RAGText,
				Turns:        memory.ProviderTurns(res),
			}
			if jsonOutput {
				return printJSON(cmd, view)
			}
			cmd.Printf("budget: rag=%d recent=%d\n", view.RAGBudget, view.RecentBudget)
			cmd.Printf("messages: recent=%d overflow=%d\n", view.Recent, view.Overflow)
			if view.RAGText == "" {
				cmd.Println("retrieval: none")
			}
			cmd.Println()
			for _, t := range view.Turns {
				cmd.Printf("%s: %s\n", t.Role, t.Content)
			}
			return nil
		})
	},
}

func init() {
	contextCmd.Flags().StringVar(&contextModel, "model", "", "model whose context limit applies")
	rootCmd.AddCommand(contextCmd)
}
