package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
	"github.com/opengrove/opengrove/internal/opengrove/store"
)

type conversationView struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Model            string    `json:"model"`
	CreatedAt        time.Time `json:"created_at"`
	ParentID         *string   `json:"parent_id,omitempty"`
	BranchPointIndex *int      `json:"branch_point_index,omitempty"`
}

func viewConversation(c *store.Conversation) conversationView {
	return conversationView{
		ID:               c.ID,
		Title:            c.Title,
		Model:            c.Model,
		CreatedAt:        c.CreatedAt,
		ParentID:         c.ParentID,
		BranchPointIndex: c.BranchPointIndex,
	}
}

type messageView struct {
	Index      int    `json:"index"`
	ID         string `json:"id"`
	Owner      string `json:"conversation_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	IsEmbedded bool   `json:"is_embedded"`
}

func printConversation(cmd *cobra.Command, c *store.Conversation) {
	if c.IsRoot() {
		cmd.Printf("%s  %s  [%s]\n", c.ID, c.Title, c.Model)
		return
	}
	cmd.Printf("%s  %s  [%s]  branch of %s at %d\n", c.ID, c.Title, c.Model, *c.ParentID, *c.BranchPointIndex)
}

var (
	newTitle string
	newModel string
)

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an empty root conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			model := newModel
			if model == "" {
				model = a.Config.Chat.DefaultModel
			}
			c, err := a.Store.CreateConversation(ctx, uuid.NewString(), model, newTitle)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, viewConversation(c))
			}
			printConversation(cmd, c)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			convs, err := a.Store.ListConversations(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				views := make([]conversationView, len(convs))
				for i, c := range convs {
					views[i] = viewConversation(c)
				}
				return printJSON(cmd, views)
			}
			if len(convs) == 0 {
				cmd.Println("No conversations.")
				return nil
			}
			for _, c := range convs {
				printConversation(cmd, c)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the resolved history of a conversation",
	Long: `Prints the linear history of a conversation as a model would see it.
For a branch this is the parent's history up to the branch point followed by
the branch's own messages.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			msgs, err := a.Store.ResolveHistory(ctx, args[0])
			if err != nil {
				return err
			}
			views := make([]messageView, len(msgs))
			for i, m := range msgs {
				views[i] = messageView{Index: i, ID: m.ID, Owner: m.ConversationID, Role: m.Role, Content: m.Content, IsEmbedded: m.IsEmbedded}
			}
			if jsonOutput {
				return printJSON(cmd, views)
			}
			for _, v := range views {
				marker := " "
				if v.IsEmbedded {
					marker = "*"
				}
				cmd.Printf("[%d]%s %s: %s\n", v.Index, marker, v.Role, v.Content)
			}
			return nil
		})
	},
}

var appendRole string

var appendCmd = &cobra.Command{
	Use:   "append <conversation-id> <content>",
	Short: "Append a message to a conversation without calling a model",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			m, err := a.Store.InsertMessage(ctx, uuid.NewString(), args[0], appendRole, args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, messageView{Index: m.Seq, ID: m.ID, Owner: m.ConversationID, Role: m.Role, Content: m.Content})
			}
			cmd.Printf("%s appended at %d\n", m.ID, m.Seq)
			return nil
		})
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch <conversation-id> <message-index>",
	Short: "Fork a conversation after a message of its resolved history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("message index %q: %w", args[1], err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			c, err := a.Chat.Branch(ctx, args[0], idx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, viewConversation(c))
			}
			printConversation(cmd, c)
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <title>",
	Short: "Change a conversation's title",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Store.UpdateTitle(ctx, args[0], args[1])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation, its branches and their memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ids, err := a.Store.Descendants(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.Chat.Delete(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %d conversation(s)\n", len(ids))
			return nil
		})
	},
}

func init() {
	newCmd.Flags().StringVar(&newTitle, "title", "", "conversation title")
	newCmd.Flags().StringVar(&newModel, "model", "", "model key (defaults to chat.default_model)")
	appendCmd.Flags().StringVar(&appendRole, "role", store.RoleUser, "message role (user or assistant)")

	rootCmd.AddCommand(newCmd, listCmd, historyCmd, appendCmd, branchCmd, renameCmd, deleteCmd)
}
