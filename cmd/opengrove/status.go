package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/internal/opengrove/app"
	"github.com/opengrove/opengrove/internal/opengrove/memory"
	"github.com/opengrove/opengrove/internal/opengrove/vectorindex"
)

type statusView struct {
	Conversations     int    `json:"conversations"`
	VectorBackend     string `json:"vector_backend"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model,omitempty"`
	Dimensions        int    `json:"dimensions,omitempty"`
	StoredModel       string `json:"stored_model,omitempty"`
	StoredDimensions  int    `json:"stored_dimensions,omitempty"`
	State             string `json:"state"`
	Chunks            int    `json:"chunks"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and memory index status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Store.CountConversations(ctx)
			if err != nil {
				return err
			}
			view := statusView{
				Conversations:     n,
				VectorBackend:     a.Config.Vector.Backend,
				EmbeddingProvider: a.Config.Embedding.Provider,
				EmbeddingModel:    a.Embedder.Model(),
				Dimensions:        a.Embedder.Dimensions(),
				State:             memory.StateUnconfigured.String(),
			}
			if a.Index != nil {
				stored, err := a.Index.LoadConfig(ctx)
				if err != nil {
					return err
				}
				if stored != nil {
					view.StoredModel = stored.Model
					view.StoredDimensions = stored.Dimensions
					view.State = indexState(a, *stored).String()
				}
				if view.Chunks, err = a.Index.CountChunks(ctx, ""); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd, view)
			}
			cmd.Printf("conversations:  %d\n", view.Conversations)
			cmd.Printf("vector backend: %s\n", view.VectorBackend)
			cmd.Printf("embedding:      %s %s (%d)\n", view.EmbeddingProvider, view.EmbeddingModel, view.Dimensions)
			if view.StoredModel != "" {
				cmd.Printf("index config:   %s (%d)\n", view.StoredModel, view.StoredDimensions)
			}
			cmd.Printf("memory state:   %s\n", view.State)
			cmd.Printf("chunks:         %d\n", view.Chunks)
			return nil
		})
	},
}

// indexState reports what the pipeline would do with the stored config
// without touching the index.
func indexState(a *app.App, stored vectorindex.EmbeddingConfig) memory.State {
	if !a.Pipeline.Available() {
		return memory.StateUnconfigured
	}
	if stored != a.Pipeline.Active() {
		return memory.StateStale
	}
	return memory.StateConfigured
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
