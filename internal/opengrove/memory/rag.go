package memory

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/opengrove/opengrove/internal/opengrove/store"
	"github.com/opengrove/opengrove/internal/opengrove/vectorindex"
	"github.com/opengrove/opengrove/internal/opengrove/window"
)

// RAG defaults.
const (
	DefaultRetrievalShare = 0.2
	DefaultMinQueryTokens = 10
	DefaultTopK           = 10
)

// ragSeparator joins accepted chunk texts.
const ragSeparator = "\n---\n"

// HistorySource yields the visible own-message count of every conversation
// in a lineage and the messages behind it. *store.Store implements it.
type HistorySource interface {
	Segments(ctx context.Context, id string) ([]store.Segment, error)
	OwnMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// RAGConfig tunes retrieval.
type RAGConfig struct {
	// RetrievalShare is the fraction of the available budget reserved for
	// retrieved text when retrieval is possible.
	RetrievalShare float64
	// MinQueryTokens is the estimated query length below which retrieval
	// is skipped.
	MinQueryTokens int
	// TopK bounds the candidates fetched per query.
	TopK int
}

// ContextResult is the assembled context for one turn. An empty RAGText
// means no retrieved context.
type ContextResult struct {
	RAGText  string
	Recent   []store.Message
	Overflow []store.Message

	RAGBudget    int
	RecentBudget int
}

// Orchestrator splits a turn's token budget between recency and retrieval
// and assembles both parts.
type Orchestrator struct {
	pipeline *Pipeline
	history  HistorySource
	cfg      RAGConfig
	logger   *slog.Logger
}

// NewOrchestrator returns an orchestrator. pipeline provides the index and
// embedder; history resolves lineage caps for ancestor retrieval.
func NewOrchestrator(pipeline *Pipeline, history HistorySource, cfg RAGConfig, logger *slog.Logger) *Orchestrator {
	if cfg.RetrievalShare <= 0 || cfg.RetrievalShare >= 1 {
		cfg.RetrievalShare = DefaultRetrievalShare
	}
	if cfg.MinQueryTokens <= 0 {
		cfg.MinQueryTokens = DefaultMinQueryTokens
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{pipeline: pipeline, history: history, cfg: cfg, logger: logger}
}

// BuildContext assembles the context for a turn on conversationID whose
// resolved history is history. Retrieval problems never fail the call; they
// are logged and the result falls back to recency alone.
func (o *Orchestrator) BuildContext(ctx context.Context, conversationID string, history []store.Message, query string, contextLimit, responseBufferTokens int) ContextResult {
	available := max(0, contextLimit-responseBufferTokens)

	enabled := o.ragEnabled(ctx, conversationID)
	ragBudget := 0
	if enabled {
		ragBudget = int(math.Floor(float64(available) * o.cfg.RetrievalShare))
	}
	recentBudget := available - ragBudget

	recent, overflow := window.Build(history, recentBudget)
	res := ContextResult{
		Recent:       recent,
		Overflow:     overflow,
		RAGBudget:    ragBudget,
		RecentBudget: recentBudget,
	}

	if !enabled || len(overflow) == 0 || window.EstimateText(query) < o.cfg.MinQueryTokens {
		return res
	}

	text, err := o.retrieve(ctx, conversationID, query, ragBudget)
	if err != nil {
		o.logger.Warn("memory: retrieval degraded, using recency only",
			"conversation_id", conversationID,
			"err", err,
		)
		return res
	}
	res.RAGText = text
	return res
}

func (o *Orchestrator) ragEnabled(ctx context.Context, conversationID string) bool {
	if o.pipeline == nil || !o.pipeline.Available() {
		return false
	}
	if err := o.pipeline.EnsureEmbeddingConfig(ctx); err != nil {
		o.logger.Warn("memory: embedding config unavailable, retrieval disabled",
			"conversation_id", conversationID,
			"err", err,
		)
		return false
	}
	return true
}

func (o *Orchestrator) retrieve(ctx context.Context, conversationID, query string, budget int) (string, error) {
	vec, err := o.pipeline.embedder.Embed(ctx, query)
	if err != nil {
		return "", err
	}

	scopes, err := o.scopes(ctx, conversationID)
	if err != nil {
		return "", err
	}

	hits, err := o.pipeline.index.Search(ctx, vec, scopes, o.cfg.TopK)
	if err != nil {
		return "", err
	}

	var (
		accepted []string
		used     int
	)
	for _, h := range hits {
		text, err := o.visibleText(ctx, h, scopes)
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		cost := window.EstimateText(text)
		if used+cost > budget {
			break
		}
		used += cost
		accepted = append(accepted, text)
	}

	o.logger.Debug("memory: retrieval complete",
		"conversation_id", conversationID,
		"candidates", len(hits),
		"accepted", len(accepted),
		"tokens", used,
		"budget", budget,
	)
	return strings.Join(accepted, ragSeparator), nil
}

// scopes admits every chunk of conversationID and, for each ancestor, the
// chunks that begin within the part of the ancestor visible from
// conversationID.
func (o *Orchestrator) scopes(ctx context.Context, conversationID string) ([]vectorindex.Scope, error) {
	scopes := []vectorindex.Scope{vectorindex.Unrestricted(conversationID)}
	if o.history == nil {
		return scopes, nil
	}

	segs, err := o.history.Segments(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seg.ConversationID == conversationID || seg.Count == 0 {
			continue
		}
		scopes = append(scopes, vectorindex.Scope{ConversationID: seg.ConversationID, Visible: seg.Count})
	}
	return scopes, nil
}

// visibleText returns h's text cut down to the messages the caller can see.
// A chunk that runs past its ancestor's visible prefix is re-rendered from
// the prefix alone so nothing written after the fork is returned.
func (o *Orchestrator) visibleText(ctx context.Context, h vectorindex.Hit, scopes []vectorindex.Scope) (string, error) {
	visible := -1
	for _, sc := range scopes {
		if sc.ConversationID == h.ConversationID {
			visible = sc.Visible
			break
		}
	}
	if visible < 0 || h.EndMsgIndex <= visible {
		return h.Text, nil
	}

	msgs, err := o.history.OwnMessages(ctx, h.ConversationID, visible)
	if err != nil {
		return "", err
	}
	var kept []store.Message
	for _, m := range msgs {
		if m.Seq >= h.StartMsgIndex && m.Seq < visible {
			kept = append(kept, m)
		}
	}
	return renderMessages(kept), nil
}
