// Package app wires the OpenGrove components together from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opengrove/opengrove/common/redact"
	"github.com/opengrove/opengrove/common/retry"
	"github.com/opengrove/opengrove/internal/opengrove/chat"
	"github.com/opengrove/opengrove/internal/opengrove/config"
	"github.com/opengrove/opengrove/internal/opengrove/embedding"
	"github.com/opengrove/opengrove/internal/opengrove/memory"
	"github.com/opengrove/opengrove/internal/opengrove/store"
	"github.com/opengrove/opengrove/internal/opengrove/vectorindex"
)

// App holds the wired components. Index and Worker are nil when the vector
// backend is "none".
type App struct {
	Config       config.Config
	Store        *store.Store
	Index        vectorindex.Index
	Embedder     embedding.Embedder
	Pipeline     *memory.Pipeline
	Orchestrator *memory.Orchestrator
	Worker       *memory.Worker
	Chat         *chat.Service

	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

// New opens the store and builds every component. Nothing runs in the
// background until Start is called.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("app: opening database", "path", cfg.Database.Path)
	st, err := store.New(cfg.Database.Path, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{Config: cfg, Store: st, logger: logger}

	idx, err := openIndex(ctx, cfg.Vector, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.Index = idx

	emb, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		a.closeIndex()
		st.Close()
		return nil, err
	}
	a.Embedder = emb

	a.Pipeline = memory.NewPipeline(st, idx, emb, memory.PipelineConfig{
		ChunkSize: cfg.RAG.ChunkSize,
		BatchSize: cfg.RAG.BatchSize,
	}, logger)

	a.Orchestrator = memory.NewOrchestrator(a.Pipeline, st, memory.RAGConfig{
		RetrievalShare: cfg.RAG.RetrievalShare,
		MinQueryTokens: cfg.RAG.MinQueryTokens,
		TopK:           cfg.RAG.TopK,
	}, logger)

	// Interface values stay untyped nil without an index.
	var (
		submitter chat.OverflowSubmitter
		chunks    store.ChunkDeleter
	)
	if idx != nil {
		a.Worker = memory.NewWorker(a.Pipeline, memory.WorkerConfig{
			QueueSize:   cfg.Worker.QueueSize,
			Concurrency: cfg.Worker.Concurrency,
		}, logger)
		submitter = a.Worker
		chunks = idx
	}

	a.Chat = chat.New(st, a.Orchestrator, NewProvider(cfg.Chat), submitter, chunks, chat.Config{
		DefaultModel:         cfg.Chat.DefaultModel,
		ResponseBufferTokens: cfg.Chat.ResponseBufferTokens,
		Limits: chat.ContextLimits{
			Default: cfg.Chat.DefaultContextTokens,
			Models:  cfg.Chat.ContextLimits(),
		},
	}, logger)

	logger.Info("app: ready",
		"vector_backend", cfg.Vector.Backend,
		"embedding_provider", cfg.Embedding.Provider,
		"embedding_model", emb.Model(),
		"chat_provider", cfg.Chat.Provider,
	)
	return a, nil
}

func openIndex(ctx context.Context, cfg config.Vector, st *store.Store, logger *slog.Logger) (vectorindex.Index, error) {
	switch cfg.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendSQLite:
		return vectorindex.NewSQLite(st.DB(), logger), nil
	case config.BackendPostgres:
		logger.Info("app: connecting to postgres", "dsn", redact.DSN(cfg.PostgresDSN))
		pg, err := vectorindex.OpenPostgres(ctx, cfg.PostgresDSN, st, logger)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("app: unknown vector backend %q", cfg.Backend)
	}
}

// NewEmbedder builds the configured embedding provider. The "none" provider
// yields embedding.Noop.
func NewEmbedder(cfg config.Embedding) (embedding.Embedder, error) {
	transport := embedding.Transport{
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}
	if cfg.MaxAttempts > 0 {
		transport.Retry = retry.DefaultConfig
		transport.Retry.MaxAttempts = cfg.MaxAttempts
	}

	switch cfg.Provider {
	case config.ProviderNone, "":
		return embedding.Noop{}, nil
	case config.ProviderOpenAI:
		e, err := embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Transport:  transport,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return e, nil
	case config.ProviderOllama:
		return embedding.NewOllama(embedding.OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Transport:  transport,
		}), nil
	default:
		return nil, fmt.Errorf("app: unknown embedding provider %q", cfg.Provider)
	}
}

// NewProvider builds the configured chat provider, or nil for "none".
func NewProvider(cfg config.Chat) chat.Provider {
	if cfg.Provider != config.ProviderOpenAI {
		return nil
	}
	return chat.NewOpenAIProvider(chat.OpenAIConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	})
}

// Start launches the embedding worker in the background. It is a no-op
// without a vector index or when already started.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Worker == nil || a.started {
		return
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		if err := a.Worker.Run(ctx); err != nil {
			a.logger.Warn("app: worker exited", "err", err)
		}
	}()
}

// Close drains queued embedding jobs for up to timeout, then closes the index
// and the store.
func (a *App) Close(timeout time.Duration) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if started {
		a.Worker.Stop()
		select {
		case <-a.done:
		case <-time.After(timeout):
			a.logger.Warn("app: worker drain timed out", "pending", a.Worker.Pending())
		}
		a.cancel()
		<-a.done
	}

	var errs []error
	if err := a.closeIndex(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("app: closing database")
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeIndex() error {
	if a.Index == nil {
		return nil
	}
	if err := a.Index.Close(); err != nil {
		return fmt.Errorf("app: close index: %w", err)
	}
	return nil
}
