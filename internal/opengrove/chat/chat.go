// Package chat runs a conversational turn end to end: persist the user
// message, assemble context, ask the model, persist the reply and hand the
// overflow to background embedding.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/opengrove/opengrove/common/trace"
	"github.com/opengrove/opengrove/internal/opengrove/memory"
	"github.com/opengrove/opengrove/internal/opengrove/observability"
	"github.com/opengrove/opengrove/internal/opengrove/store"
)

// OverflowSubmitter accepts overflow for background embedding. *memory.Worker
// implements it.
type OverflowSubmitter interface {
	Submit(ctx context.Context, conversationID string, overflow []store.Message) bool
}

// TurnRequest is one inbound user turn. An empty ConversationID starts a new
// conversation; an empty Model uses the conversation's model.
type TurnRequest struct {
	ConversationID string
	Message        string
	Model          string
}

// ReplyMessage is the persisted assistant reply.
type ReplyMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnResult is returned once the reply is persisted.
type TurnResult struct {
	ConversationID string       `json:"conversationId"`
	Message        ReplyMessage `json:"message"`
}

// Config holds the service's tunables.
type Config struct {
	DefaultModel         string
	ResponseBufferTokens int
	Limits               ContextLimits
}

// Service wires the conversation store, the orchestrator, the provider and
// the embedding worker together.
type Service struct {
	store        *store.Store
	orchestrator *memory.Orchestrator
	provider     Provider
	worker       OverflowSubmitter
	chunks       store.ChunkDeleter
	cfg          Config
	logger       *slog.Logger
}

// New returns a Service. worker and chunks may be nil when no vector index
// is configured.
func New(s *store.Store, o *memory.Orchestrator, p Provider, worker OverflowSubmitter, chunks store.ChunkDeleter, cfg Config, logger *slog.Logger) *Service {
	if cfg.ResponseBufferTokens <= 0 {
		cfg.ResponseBufferTokens = DefaultResponseBufferTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        s,
		orchestrator: o,
		provider:     p,
		worker:       worker,
		chunks:       chunks,
		cfg:          cfg,
		logger:       logger,
	}
}

// Turn handles one user message.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, _ = trace.Ensure(ctx)
	logger := observability.WithTrace(ctx, s.logger)

	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: empty message", store.ErrInvalidArgument)
	}
	if s.provider == nil {
		return nil, fmt.Errorf("chat: no provider configured")
	}

	conv, err := s.conversationFor(ctx, req)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = conv.Model
	}

	if _, err := s.store.InsertMessage(ctx, uuid.NewString(), conv.ID, store.RoleUser, req.Message); err != nil {
		return nil, fmt.Errorf("chat: persist user turn: %w", err)
	}

	res, err := s.Assemble(ctx, conv.ID, req.Message, model)
	if err != nil {
		return nil, err
	}

	reply, err := s.provider.Complete(ctx, model, memory.ProviderTurns(res))
	if err != nil {
		return nil, fmt.Errorf("chat: provider: %w", err)
	}

	msg, err := s.store.InsertMessage(ctx, uuid.NewString(), conv.ID, store.RoleAssistant, reply)
	if err != nil {
		return nil, fmt.Errorf("chat: persist reply: %w", err)
	}

	if s.worker != nil && len(res.Overflow) > 0 {
		s.worker.Submit(ctx, conv.ID, res.Overflow)
	}

	logger.Info("chat: turn complete",
		"conversation_id", conv.ID,
		"model", model,
		"recent", len(res.Recent),
		"overflow", len(res.Overflow),
		"rag", res.RAGText != "",
	)

	return &TurnResult{
		ConversationID: conv.ID,
		Message:        ReplyMessage{ID: msg.ID, Role: msg.Role, Content: msg.Content},
	}, nil
}

// Assemble resolves conversationID's history and builds the context for
// query without calling the provider. An empty model means the
// conversation's own model, then the configured default.
func (s *Service) Assemble(ctx context.Context, conversationID, query, model string) (memory.ContextResult, error) {
	history, err := s.store.ResolveHistory(ctx, conversationID)
	if err != nil {
		return memory.ContextResult{}, fmt.Errorf("chat: resolve history: %w", err)
	}
	if model == "" {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return memory.ContextResult{}, fmt.Errorf("chat: load conversation: %w", err)
		}
		if conv != nil {
			model = conv.Model
		}
	}
	if model == "" {
		model = s.cfg.DefaultModel
	}
	return s.orchestrator.BuildContext(ctx, conversationID, history, query,
		s.cfg.Limits.For(model), s.cfg.ResponseBufferTokens), nil
}

func (s *Service) conversationFor(ctx context.Context, req TurnRequest) (*store.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, req.ConversationID)
		}
		return conv, nil
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	conv, err := s.store.CreateConversation(ctx, uuid.NewString(), model, store.TruncateTitle(req.Message))
	if err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

// Branch forks conversationID after messageIndex of its resolved history.
func (s *Service) Branch(ctx context.Context, conversationID string, messageIndex int) (*store.Conversation, error) {
	if messageIndex < 0 {
		return nil, store.ErrInvalidIndex
	}
	return s.store.CreateBranch(ctx, conversationID, messageIndex)
}

// Delete removes conversationID, its descendants and their chunks.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	return s.store.DeleteTree(ctx, conversationID, s.chunks)
}
