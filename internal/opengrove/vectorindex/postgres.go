package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/pgvector/pgvector-go"
)

// FlagStore updates the embedded flags kept next to the messages. The
// conversation store implements it.
type FlagStore interface {
	MarkEmbedded(ctx context.Context, ids []string) error
	ResetEmbedded(ctx context.Context) error
}

const (
	pgChunkTable  = "opengrove_message_chunks"
	pgConfigTable = "opengrove_embedding_config"
)

// Postgres is an Index backed by PostgreSQL with the pgvector extension.
// Distances are computed by the server with the cosine operator.
//
// Flags live in a different database, so Put and Rebuild are ordered rather
// than atomic: chunks are written before flags are set, and the chunk table
// is rebuilt before flags are cleared. A crash in between leaves chunks
// without flags, which the next Put replaces.
type Postgres struct {
	db     *sql.DB
	flags  FlagStore
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	dims int
}

var _ Index = (*Postgres)(nil)

// OpenPostgres connects to dsn, enables the vector extension and creates the
// config table.
func OpenPostgres(ctx context.Context, dsn string, flags FlagStore, logger *slog.Logger) (*Postgres, error) {
	if flags == nil {
		return nil, errors.New("vectorindex: postgres: flag store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := &Postgres{db: db, flags: flags, logger: logger, now: time.Now}
	if err := p.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("vectorindex: ping postgres: %w", err)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS ` + pgConfigTable + ` (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			model      TEXT NOT NULL,
			dimensions INTEGER NOT NULL CHECK (dimensions > 0),
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vectorindex: init postgres: %w", err)
		}
	}
	return nil
}

func pgChunkTableDDL(dims int) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			text            TEXT NOT NULL,
			start_msg_index INTEGER NOT NULL,
			end_msg_index   INTEGER NOT NULL,
			embedding_model TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			message_ids     JSONB NOT NULL,
			embedding       vector(%d) NOT NULL,
			CHECK (end_msg_index > start_msg_index),
			UNIQUE (conversation_id, start_msg_index)
		)`, pgChunkTable, dims),
		`CREATE INDEX IF NOT EXISTS idx_` + pgChunkTable + `_conversation ON ` + pgChunkTable + ` (conversation_id, end_msg_index)`,
	}
}

// LoadConfig implements Index.
func (p *Postgres) LoadConfig(ctx context.Context) (*EmbeddingConfig, error) {
	var cfg EmbeddingConfig
	err := p.db.QueryRowContext(ctx,
		`SELECT model, dimensions FROM `+pgConfigTable+` WHERE id = 1`,
	).Scan(&cfg.Model, &cfg.Dimensions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vectorindex: load config: %w", err)
	}
	return &cfg, nil
}

// EnsureTable implements Index.
func (p *Postgres) EnsureTable(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("vectorindex: ensure table: invalid dimensions %d", dims)
	}
	for _, stmt := range pgChunkTableDDL(dims) {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vectorindex: ensure table: %w", err)
		}
	}
	p.setDims(dims)
	return nil
}

// Rebuild implements Index. The table swap and config write are one
// Postgres transaction; flags are cleared after it commits.
func (p *Postgres) Rebuild(ctx context.Context, cfg EmbeddingConfig) error {
	if cfg.Dimensions <= 0 {
		return fmt.Errorf("vectorindex: rebuild: invalid dimensions %d", cfg.Dimensions)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: rebuild: begin: %w", err)
	}
	defer tx.Rollback()

	stmts := append([]string{`DROP TABLE IF EXISTS ` + pgChunkTable}, pgChunkTableDDL(cfg.Dimensions)...)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vectorindex: rebuild: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+pgConfigTable+` (id, model, dimensions, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			model      = EXCLUDED.model,
			dimensions = EXCLUDED.dimensions,
			updated_at = EXCLUDED.updated_at
	`, cfg.Model, cfg.Dimensions, p.now().UTC())
	if err != nil {
		return fmt.Errorf("vectorindex: rebuild: write config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: rebuild: commit: %w", err)
	}

	if err := p.flags.ResetEmbedded(ctx); err != nil {
		return fmt.Errorf("vectorindex: rebuild: %w", err)
	}

	p.setDims(cfg.Dimensions)
	p.logger.Info("vectorindex: rebuilt chunk table", "backend", "postgres", "model", cfg.Model, "dimensions", cfg.Dimensions)
	return nil
}

// Put implements Index.
func (p *Postgres) Put(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dims := p.getDims()
	if dims == 0 {
		return ErrNotConfigured
	}
	if err := checkDims(chunks, dims); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: put: begin: %w", err)
	}
	defer tx.Rollback()

	var covered []string
	for _, c := range chunks {
		ids, err := encodeIDs(c.MessageIDs)
		if err != nil {
			return fmt.Errorf("vectorindex: put chunk %s: %w", c.ID, err)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = p.now()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+pgChunkTable+` (id, conversation_id, text, start_msg_index, end_msg_index,
				embedding_model, created_at, message_ids, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (conversation_id, start_msg_index) DO UPDATE SET
				text            = EXCLUDED.text,
				end_msg_index   = EXCLUDED.end_msg_index,
				embedding_model = EXCLUDED.embedding_model,
				created_at      = EXCLUDED.created_at,
				message_ids     = EXCLUDED.message_ids,
				embedding       = EXCLUDED.embedding
		`, c.ID, c.ConversationID, c.Text, c.StartMsgIndex, c.EndMsgIndex,
			c.EmbeddingModel, createdAt.UTC(), ids, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("vectorindex: put chunk %s: %w", c.ID, err)
		}
		covered = append(covered, c.MessageIDs...)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: put: commit: %w", err)
	}
	if err := p.flags.MarkEmbedded(ctx, covered); err != nil {
		return fmt.Errorf("vectorindex: put: %w", err)
	}
	return nil
}

// Search implements Index.
func (p *Postgres) Search(ctx context.Context, query []float32, scopes []Scope, k int) ([]Hit, error) {
	if len(scopes) == 0 || k <= 0 {
		return nil, nil
	}

	where, args := scopeFilter(scopes, func(n int) string { return fmt.Sprintf("$%d", n+1) })
	args = append([]any{pgvector.NewVector(query)}, args...)
	args = append(args, k)

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, conversation_id, text, start_msg_index, end_msg_index,
			embedding_model, created_at, message_ids::text, embedding, embedding <=> $1 AS distance
		FROM %s
		WHERE %s
		ORDER BY distance ASC, created_at ASC
		LIMIT $%d
	`, pgChunkTable, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h   Hit
			ids string
			vec pgvector.Vector
		)
		if err := rows.Scan(&h.ID, &h.ConversationID, &h.Text, &h.StartMsgIndex, &h.EndMsgIndex,
			&h.EmbeddingModel, &h.CreatedAt, &ids, &vec, &h.Distance); err != nil {
			return nil, fmt.Errorf("vectorindex: scan chunk: %w", err)
		}
		if h.MessageIDs, err = decodeIDs(ids); err != nil {
			return nil, fmt.Errorf("vectorindex: chunk %s: %w", h.ID, err)
		}
		h.Embedding = vec.Slice()
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorindex: iterate chunks: %w", err)
	}
	return hits, nil
}

// DeleteConversations implements Index.
func (p *Postgres) DeleteConversations(ctx context.Context, conversationIDs []string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	ok, err := p.tableExists(ctx)
	if err != nil || !ok {
		return err
	}
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM `+pgChunkTable+` WHERE conversation_id = ANY($1)`, conversationIDs,
	); err != nil {
		return fmt.Errorf("vectorindex: delete chunks: %w", err)
	}
	return nil
}

// CountChunks implements Index.
func (p *Postgres) CountChunks(ctx context.Context, conversationID string) (int, error) {
	ok, err := p.tableExists(ctx)
	if err != nil || !ok {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + pgChunkTable
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = $1`
		args = append(args, conversationID)
	}
	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorindex: count chunks: %w", err)
	}
	return n, nil
}

// Close closes the Postgres connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) tableExists(ctx context.Context) (bool, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgChunkTable).Scan(&exists); err != nil {
		return false, fmt.Errorf("vectorindex: check chunk table: %w", err)
	}
	return exists, nil
}

func (p *Postgres) setDims(d int) {
	p.mu.Lock()
	p.dims = d
	p.mu.Unlock()
}

func (p *Postgres) getDims() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}
