package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one append-only turn owned by exactly one conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
	// IsEmbedded reports whether the message has been chunked into the
	// vector index.
	IsEmbedded bool
	// Seq is the 0-based position within the owning conversation's own
	// messages. Insertion order is chronological order is Seq order.
	Seq int
}

// ValidRole reports whether role is one of the stored message roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// InsertMessage appends a message to conversationID. A missing conversation
// surfaces as ErrNotFound from the foreign-key constraint.
func (s *Store) InsertMessage(ctx context.Context, id, conversationID, role, content string) (*Message, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidArgument, role)
	}

	m := &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      fromMillis(s.now().UnixMilli()),
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, created_at, is_embedded)
		SELECT ?, ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ?, 0
		FROM messages
		WHERE conversation_id = ?
		RETURNING seq
	`, m.ID, conversationID, role, content, m.CreatedAt.UnixMilli(), conversationID).Scan(&m.Seq)
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		case isUniqueViolation(err):
			return nil, fmt.Errorf("store: insert message: duplicate id %s: %w", id, err)
		}
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return m, nil
}

// OwnMessages returns the first limit messages owned by conversationID in
// insertion order, or all of them when limit is negative.
func (s *Store) OwnMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return ownMessages(ctx, s.db, conversationID, limit)
}

func ownMessages(ctx context.Context, q queryer, conversationID string, limit int) ([]Message, error) {
	if limit == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at, is_embedded, seq
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt, &m.IsEmbedded, &m.Seq); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return out, nil
}

func countOwnMessages(ctx context.Context, q queryer, conversationID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// EmbeddedFlags returns the current is_embedded flag for each of ids that
// still exists.
func (s *Store) EmbeddedFlags(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT id, is_embedded FROM messages WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("store: query embedded flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			embedded bool
		)
		if err := rows.Scan(&id, &embedded); err != nil {
			return nil, fmt.Errorf("store: scan embedded flag: %w", err)
		}
		out[id] = embedded
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate embedded flags: %w", err)
	}
	return out, nil
}

// MarkEmbedded sets is_embedded on every message in ids.
func (s *Store) MarkEmbedded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE messages SET is_embedded = 1 WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := s.db.ExecContext(ctx, query, anySlice(ids)...); err != nil {
		return fmt.Errorf("store: mark embedded: %w", err)
	}
	return nil
}

// ResetEmbedded clears is_embedded on every message, so that all history is
// re-embedded on demand after an embedding model change.
func (s *Store) ResetEmbedded(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET is_embedded = 0 WHERE is_embedded <> 0`); err != nil {
		return fmt.Errorf("store: reset embedded: %w", err)
	}
	return nil
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
