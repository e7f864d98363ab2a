package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengrove/opengrove/internal/opengrove/embedding"
	"github.com/opengrove/opengrove/internal/opengrove/store"
	"github.com/opengrove/opengrove/internal/opengrove/vectorindex"
)

// DefaultBatchSize is the number of chunk texts sent per embedding call.
const DefaultBatchSize = 64

// ErrUnavailable is returned when there is no vector index or no configured
// embedding provider.
var ErrUnavailable = errors.New("memory: retrieval unavailable")

// chunkNamespace derives stable chunk IDs from conversation and position.
var chunkNamespace = uuid.MustParse("6f2b8c1e-52a4-4c1b-9a57-0c7d3f0e6a41")

// State is the retrieval availability of a Pipeline.
type State int

const (
	// StateUnconfigured: no embedding config has been confirmed yet.
	StateUnconfigured State = iota
	// StateConfigured: the index matches the active embedding model.
	StateConfigured
	// StateStale: the index was built for another model and is being
	// rebuilt.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStale:
		return "stale"
	default:
		return "unconfigured"
	}
}

// FlagReader reports which messages are already embedded.
type FlagReader interface {
	EmbeddedFlags(ctx context.Context, ids []string) (map[string]bool, error)
}

// PipelineConfig tunes chunking and batching.
type PipelineConfig struct {
	ChunkSize int
	BatchSize int
}

// Pipeline chunks overflow messages, embeds them and stores the result in
// the vector index. It also owns the embedding-config handshake with the
// index.
type Pipeline struct {
	flags    FlagReader
	index    vectorindex.Index
	embedder embedding.Embedder
	cfg      PipelineConfig
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	ensured vectorindex.EmbeddingConfig
}

// NewPipeline returns a pipeline. index and embedder may be nil (or
// unconfigured), in which case every operation is a no-op.
func NewPipeline(flags FlagReader, index vectorindex.Index, embedder embedding.Embedder, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if embedder == nil {
		embedder = embedding.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		flags:    flags,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Available reports whether an index and a configured embedder are present.
func (p *Pipeline) Available() bool {
	return p.index != nil && embedding.Configured(p.embedder)
}

// State returns the current availability state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Active is the embedding config the index must match.
func (p *Pipeline) Active() vectorindex.EmbeddingConfig {
	return vectorindex.EmbeddingConfig{Model: p.embedder.Model(), Dimensions: p.embedder.Dimensions()}
}

// EnsureEmbeddingConfig makes the index match the active embedding model.
// With no persisted config the table and config are created; with a different
// model or width every chunk and embedded flag is discarded and the table is
// recreated; with a match the table is only ensured. After the first success
// it returns immediately.
func (p *Pipeline) EnsureEmbeddingConfig(ctx context.Context) error {
	if !p.Available() {
		return ErrUnavailable
	}
	active := p.Active()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateConfigured && p.ensured == active {
		return nil
	}

	stored, err := p.index.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("memory: ensure embedding config: %w", err)
	}

	switch {
	case stored == nil:
		if err := p.index.Rebuild(ctx, active); err != nil {
			return fmt.Errorf("memory: ensure embedding config: %w", err)
		}
		p.logger.Info("memory: embedding config created", "model", active.Model, "dimensions", active.Dimensions)

	case *stored != active:
		p.state = StateStale
		p.logger.Warn("memory: embedding model changed, discarding stored vectors",
			"old_model", stored.Model, "old_dimensions", stored.Dimensions,
			"model", active.Model, "dimensions", active.Dimensions,
		)
		if err := p.index.Rebuild(ctx, active); err != nil {
			return fmt.Errorf("memory: ensure embedding config: %w", err)
		}

	default:
		if err := p.index.EnsureTable(ctx, active.Dimensions); err != nil {
			return fmt.Errorf("memory: ensure embedding config: %w", err)
		}
	}

	p.state = StateConfigured
	p.ensured = active
	return nil
}

// EmbedAndStoreOverflow embeds the not-yet-embedded messages of overflow
// into the vector index. overflow may hold messages of several conversations
// (a branch's history includes its ancestors'); chunks never mix
// conversations and their positions are each owner's own sequence. Failures
// are logged and never returned.
func (p *Pipeline) EmbedAndStoreOverflow(ctx context.Context, conversationID string, overflow []store.Message) {
	if len(overflow) == 0 || !p.Available() {
		return
	}

	n, err := p.embedOverflow(ctx, overflow)
	if err != nil {
		p.logger.Warn("memory: embedding overflow failed",
			"conversation_id", conversationID,
			"messages", len(overflow),
			"err", err,
		)
		return
	}
	if n > 0 {
		p.logger.Debug("memory: overflow embedded",
			"conversation_id", conversationID,
			"chunks", n,
		)
	}
}

// embedOverflow returns the number of chunks written.
func (p *Pipeline) embedOverflow(ctx context.Context, overflow []store.Message) (int, error) {
	if err := p.EnsureEmbeddingConfig(ctx); err != nil {
		return 0, err
	}

	ids := make([]string, len(overflow))
	for i, m := range overflow {
		ids[i] = m.ID
	}
	// Re-read flags: the caller's copies may predate another job.
	flags, err := p.flags.EmbeddedFlags(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("read embedded flags: %w", err)
	}

	var (
		order  []string
		byConv = make(map[string][]store.Message)
	)
	for _, m := range overflow {
		embedded, exists := flags[m.ID]
		if !exists || embedded {
			continue
		}
		if _, seen := byConv[m.ConversationID]; !seen {
			order = append(order, m.ConversationID)
		}
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}

	type pending struct {
		conversationID string
		draft          ChunkDraft
	}
	var drafts []pending
	for _, convID := range order {
		msgs := byConv[convID]
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
		for _, run := range contiguousRuns(msgs) {
			for _, d := range Chunk(run, p.cfg.ChunkSize, run[0].Seq) {
				drafts = append(drafts, pending{conversationID: convID, draft: d})
			}
		}
	}

	model := p.embedder.Model()
	written := 0
	for from := 0; from < len(drafts); from += p.cfg.BatchSize {
		batch := drafts[from:min(from+p.cfg.BatchSize, len(drafts))]

		texts := make([]string, len(batch))
		for i, b := range batch {
			texts[i] = b.draft.Text
		}
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("embed batch of %d chunks: %w", len(batch), err)
		}
		if len(vecs) != len(batch) {
			return written, fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vecs), len(batch))
		}

		chunks := make([]vectorindex.Chunk, len(batch))
		now := p.now()
		for i, b := range batch {
			chunks[i] = vectorindex.Chunk{
				ID:             chunkID(b.conversationID, b.draft.Start),
				ConversationID: b.conversationID,
				Text:           b.draft.Text,
				StartMsgIndex:  b.draft.Start,
				EndMsgIndex:    b.draft.End,
				EmbeddingModel: model,
				CreatedAt:      now,
				Embedding:      vecs[i],
				MessageIDs:     b.draft.MessageIDs,
			}
		}
		if err := p.index.Put(ctx, chunks); err != nil {
			return written, fmt.Errorf("store %d chunks: %w", len(chunks), err)
		}
		written += len(chunks)
	}
	return written, nil
}

func chunkID(conversationID string, start int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(conversationID+"/"+strconv.Itoa(start))).String()
}
