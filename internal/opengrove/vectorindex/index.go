// Package vectorindex stores embedded message chunks and answers
// nearest-neighbour queries scoped to a conversation lineage.
//
// Two backends exist: SQLite, sharing the conversation store's database so
// chunk writes and embedded flags commit together, and PostgreSQL with the
// pgvector extension.
package vectorindex

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured is returned by chunk operations before the vector
	// table has been created for a known dimension.
	ErrNotConfigured = errors.New("vectorindex: not configured")
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the configured dimension.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")
)

// EmbeddingConfig identifies the model every stored vector was produced by.
type EmbeddingConfig struct {
	Model      string
	Dimensions int
}

// Chunk is one embedded run of contiguous messages from a single
// conversation. StartMsgIndex and EndMsgIndex are a half-open range over the
// conversation's own message sequence.
type Chunk struct {
	ID             string
	ConversationID string
	Text           string
	StartMsgIndex  int
	EndMsgIndex    int
	EmbeddingModel string
	CreatedAt      time.Time
	Embedding      []float32
	// MessageIDs are the covered messages. Put marks them embedded.
	MessageIDs []string
}

// Scope restricts a search to one conversation. Visible < 0 admits every
// chunk; otherwise only chunks with StartMsgIndex < Visible qualify, so a
// chunk that begins inside the visible prefix is returned whole.
type Scope struct {
	ConversationID string
	Visible        int
}

// Unrestricted returns a scope admitting every chunk of conversationID.
func Unrestricted(conversationID string) Scope {
	return Scope{ConversationID: conversationID, Visible: -1}
}

// Hit is a search result. Distance is cosine distance (1 - similarity);
// smaller is closer.
type Hit struct {
	Chunk
	Distance float64
}

// Index is the storage contract used by the embedding pipeline and the
// retrieval path.
type Index interface {
	// LoadConfig returns the persisted embedding config, or nil when none
	// has been written yet.
	LoadConfig(ctx context.Context) (*EmbeddingConfig, error)

	// EnsureTable creates the chunk table for dims if it does not exist.
	EnsureTable(ctx context.Context, dims int) error

	// Rebuild discards every chunk, clears all embedded flags, recreates the
	// chunk table for cfg.Dimensions and records cfg as the active config.
	Rebuild(ctx context.Context, cfg EmbeddingConfig) error

	// Put stores chunks and marks their messages embedded. Re-putting a
	// chunk with the same conversation and start index replaces it.
	Put(ctx context.Context, chunks []Chunk) error

	// Search returns up to k chunks across scopes ordered by ascending
	// distance to query.
	Search(ctx context.Context, query []float32, scopes []Scope, k int) ([]Hit, error)

	// DeleteConversations removes every chunk owned by the given
	// conversations.
	DeleteConversations(ctx context.Context, conversationIDs []string) error

	// CountChunks counts chunks of conversationID, or all chunks when it is
	// empty.
	CountChunks(ctx context.Context, conversationID string) (int, error)

	Close() error
}
