package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxTitleLength is the maximum title length in runes.
const MaxTitleLength = 80

// DefaultTitle is used when a conversation is created without a title.
const DefaultTitle = "New chat"

// Conversation is one node of the conversation forest. A conversation with a
// ParentID is a branch whose resolved history starts with the parent's
// resolved history up to and including BranchPointIndex. ParentID and
// BranchPointIndex are either both set or both nil.
type Conversation struct {
	ID               string
	Title            string
	Model            string
	CreatedAt        time.Time
	ParentID         *string
	BranchPointIndex *int
}

// IsRoot reports whether the conversation has no parent.
func (c *Conversation) IsRoot() bool {
	return c.ParentID == nil
}

// TruncateTitle trims title to MaxTitleLength runes.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= MaxTitleLength {
		return title
	}
	return string(r[:MaxTitleLength])
}

// CreateConversation inserts a root conversation. It fails with
// ErrDuplicateID if id is already taken.
func (s *Store) CreateConversation(ctx context.Context, id, model, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	c := &Conversation{
		ID:        id,
		Title:     TruncateTitle(title),
		Model:     model,
		CreatedAt: fromMillis(s.now().UnixMilli()),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at)
		VALUES (?, ?, ?, ?)
	`, c.ID, c.Title, c.Model, c.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation with the given ID, or nil (and no
// error) when it does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, parent_id, branch_point_index
		FROM conversations
		WHERE id = ?
	`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns every conversation, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, created_at, parent_id, branch_point_index
		FROM conversations
		ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate conversations: %w", err)
	}
	return out, nil
}

// CountConversations returns the number of stored conversations.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w", err)
	}
	return n, nil
}

// CreateBranch forks parentID at branchPointIndex (0-based, inclusive, into
// the parent's resolved history). Messages are not copied: the branch's
// history is spliced from its lineage on read.
func (s *Store) CreateBranch(ctx context.Context, parentID string, branchPointIndex int) (*Conversation, error) {
	if branchPointIndex < 0 {
		return nil, ErrInvalidIndex
	}

	parent, err := s.GetConversation(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
	}

	pid := parent.ID
	bp := branchPointIndex
	c := &Conversation{
		ID:               uuid.NewString(),
		Title:            TruncateTitle("Branch of " + parent.Title),
		Model:            parent.Model,
		CreatedAt:        fromMillis(s.now().UnixMilli()),
		ParentID:         &pid,
		BranchPointIndex: &bp,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at, parent_id, branch_point_index)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Title, c.Model, c.CreatedAt.UnixMilli(), pid, bp)
	if err != nil {
		if isForeignKeyViolation(err) {
			// Parent deleted between the read and the insert.
			return nil, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		return nil, fmt.Errorf("store: create branch: %w", err)
	}
	return c, nil
}

// UpdateTitle replaces a conversation's title, the only mutable field.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, TruncateTitle(title), id)
	if err != nil {
		return fmt.Errorf("store: update title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update title: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c         Conversation
		createdAt int64
		parentID  sql.NullString
		bp        sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.Title, &c.Model, &createdAt, &parentID, &bp); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	if parentID.Valid {
		p := parentID.String
		c.ParentID = &p
	}
	if bp.Valid {
		i := int(bp.Int64)
		c.BranchPointIndex = &i
	}
	return &c, nil
}
