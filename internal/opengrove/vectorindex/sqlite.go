package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// chunkTable is the SQLite chunk table. Its embedding width is fixed by a
// CHECK constraint, so a new dimension means drop and recreate.
const chunkTable = "message_chunks"

// SQLite is an Index stored in the conversation store's SQLite database.
// Similarity is computed in Go over the candidate rows of the queried scopes.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	dims int
}

var _ Index = (*SQLite)(nil)

// NewSQLite returns an index on db, which must carry the conversation store
// schema (messages and embedding_config).
func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{db: db, logger: logger, now: time.Now}
}

func chunkTableDDL(dims int) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			text            TEXT NOT NULL,
			start_msg_index INTEGER NOT NULL,
			end_msg_index   INTEGER NOT NULL,
			embedding_model TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			message_ids     TEXT NOT NULL,
			embedding       BLOB NOT NULL CHECK (length(embedding) = %d),
			CHECK (end_msg_index > start_msg_index),
			UNIQUE (conversation_id, start_msg_index)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_conversation ON %s(conversation_id, end_msg_index);
	`, chunkTable, dims*4, chunkTable, chunkTable)
}

// LoadConfig implements Index.
func (s *SQLite) LoadConfig(ctx context.Context) (*EmbeddingConfig, error) {
	var cfg EmbeddingConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT model, dimensions FROM embedding_config WHERE id = 1`,
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
func (s *SQLite) EnsureTable(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("vectorindex: ensure table: invalid dimensions %d", dims)
	}
	if _, err := s.db.ExecContext(ctx, chunkTableDDL(dims)); err != nil {
		return fmt.Errorf("vectorindex: ensure table: %w", err)
	}
	s.setDims(dims)
	return nil
}

// Rebuild implements Index. Flag reset, table swap and config write are one
// transaction.
func (s *SQLite) Rebuild(ctx context.Context, cfg EmbeddingConfig) error {
	if cfg.Dimensions <= 0 {
		return fmt.Errorf("vectorindex: rebuild: invalid dimensions %d", cfg.Dimensions)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: rebuild: begin: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		what  string
		query string
		args  []any
	}{
		{"reset embedded flags", `UPDATE messages SET is_embedded = 0 WHERE is_embedded <> 0`, nil},
		{"drop chunk table", `DROP TABLE IF EXISTS ` + chunkTable, nil},
		{"create chunk table", chunkTableDDL(cfg.Dimensions), nil},
		{"write config", `
			INSERT INTO embedding_config (id, model, dimensions, updated_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				model      = excluded.model,
				dimensions = excluded.dimensions,
				updated_at = excluded.updated_at
		`, []any{cfg.Model, cfg.Dimensions, s.now().UnixMilli()}},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
			return fmt.Errorf("vectorindex: rebuild: %s: %w", step.what, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: rebuild: commit: %w", err)
	}

	s.setDims(cfg.Dimensions)
	s.logger.Info("vectorindex: rebuilt chunk table", "model", cfg.Model, "dimensions", cfg.Dimensions)
	return nil
}

// Put implements Index. Chunk rows and the embedded flags of their messages
// commit together.
func (s *SQLite) Put(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dims := s.getDims()
	if dims == 0 {
		return ErrNotConfigured
	}
	if err := checkDims(chunks, dims); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: put: begin: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		ids, err := encodeIDs(c.MessageIDs)
		if err != nil {
			return fmt.Errorf("vectorindex: put chunk %s: %w", c.ID, err)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+chunkTable+` (id, conversation_id, text, start_msg_index, end_msg_index,
				embedding_model, created_at, message_ids, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, start_msg_index) DO UPDATE SET
				text            = excluded.text,
				end_msg_index   = excluded.end_msg_index,
				embedding_model = excluded.embedding_model,
				created_at      = excluded.created_at,
				message_ids     = excluded.message_ids,
				embedding       = excluded.embedding
		`, c.ID, c.ConversationID, c.Text, c.StartMsgIndex, c.EndMsgIndex,
			c.EmbeddingModel, createdAt.UnixMilli(), ids, encodeVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("vectorindex: put chunk %s: %w", c.ID, err)
		}

		if len(c.MessageIDs) > 0 {
			query := `UPDATE messages SET is_embedded = 1 WHERE id IN (` + placeholders(len(c.MessageIDs)) + `)`
			if _, err := tx.ExecContext(ctx, query, anySlice(c.MessageIDs)...); err != nil {
				return fmt.Errorf("vectorindex: mark embedded for chunk %s: %w", c.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: put: commit: %w", err)
	}
	return nil
}

// Search implements Index.
func (s *SQLite) Search(ctx context.Context, query []float32, scopes []Scope, k int) ([]Hit, error) {
	if len(scopes) == 0 || k <= 0 {
		return nil, nil
	}
	ok, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotConfigured
	}

	where, args := scopeFilter(scopes, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, text, start_msg_index, end_msg_index,
			embedding_model, created_at, message_ids, embedding
		FROM `+chunkTable+`
		WHERE `+where+`
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h         Hit
			createdAt int64
			ids       string
			blob      []byte
		)
		if err := rows.Scan(&h.ID, &h.ConversationID, &h.Text, &h.StartMsgIndex, &h.EndMsgIndex,
			&h.EmbeddingModel, &createdAt, &ids, &blob); err != nil {
			return nil, fmt.Errorf("vectorindex: scan chunk: %w", err)
		}
		h.CreatedAt = time.UnixMilli(createdAt).UTC()
		if h.MessageIDs, err = decodeIDs(ids); err != nil {
			return nil, fmt.Errorf("vectorindex: chunk %s: %w", h.ID, err)
		}
		h.Embedding = decodeVector(blob)
		h.Distance = cosineDistance(query, h.Embedding)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorindex: iterate chunks: %w", err)
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteConversations implements Index. A missing chunk table means there is
// nothing to delete.
func (s *SQLite) DeleteConversations(ctx context.Context, conversationIDs []string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	ok, err := s.tableExists(ctx)
	if err != nil || !ok {
		return err
	}

	query := `DELETE FROM ` + chunkTable + ` WHERE conversation_id IN (` + placeholders(len(conversationIDs)) + `)`
	res, err := s.db.ExecContext(ctx, query, anySlice(conversationIDs)...)
	if err != nil {
		return fmt.Errorf("vectorindex: delete chunks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("vectorindex: deleted chunks", "conversations", len(conversationIDs), "chunks", n)
	}
	return nil
}

// CountChunks implements Index.
func (s *SQLite) CountChunks(ctx context.Context, conversationID string) (int, error) {
	ok, err := s.tableExists(ctx)
	if err != nil || !ok {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM ` + chunkTable
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorindex: count chunks: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database belongs to the conversation store.
func (s *SQLite) Close() error { return nil }

func (s *SQLite) tableExists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, chunkTable,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("vectorindex: check chunk table: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) setDims(d int) {
	s.mu.Lock()
	s.dims = d
	s.mu.Unlock()
}

func (s *SQLite) getDims() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims
}

// scopeFilter renders scopes as an OR of per-conversation predicates. param
// returns the placeholder for the n-th (1-based) argument.
func scopeFilter(scopes []Scope, param func(n int) string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for _, sc := range scopes {
		args = append(args, sc.ConversationID)
		clause := "(conversation_id = " + param(len(args))
		if sc.Visible >= 0 {
			args = append(args, sc.Visible)
			clause += " AND start_msg_index < " + param(len(args))
		}
		clauses = append(clauses, clause+")")
	}
	return strings.Join(clauses, " OR "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
