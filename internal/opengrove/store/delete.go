package store

import (
	"context"
	"fmt"
)

// ChunkDeleter removes every vector-index chunk owned by the given
// conversations. The vector index implements it.
type ChunkDeleter interface {
	DeleteConversations(ctx context.Context, conversationIDs []string) error
}

// Descendants returns id followed by every conversation below it, breadth
// first.
func (s *Store) Descendants(ctx context.Context, id string) ([]string, error) {
	var (
		out   = []string{id}
		seen  = map[string]struct{}{id: {}}
		queue = []string{id}
	)

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations WHERE parent_id = ?`, parent)
		if err != nil {
			return nil, fmt.Errorf("store: query children: %w", err)
		}
		var children []string
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: scan child: %w", err)
			}
			children = append(children, child)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("store: iterate children: %w", err)
		}

		for _, child := range children {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// DeleteTree removes id and all of its descendants together with their
// messages and vector chunks. Chunks go first; if that fails nothing is
// removed from the relational store and ErrDeleteFailed is returned. The
// relational delete itself is a single transaction. chunks may be nil when
// no vector index is configured.
func (s *Store) DeleteTree(ctx context.Context, id string, chunks ChunkDeleter) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ids, err := s.Descendants(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: collect descendants: %w", ErrDeleteFailed, err)
	}

	if chunks != nil {
		if err := chunks.DeleteConversations(ctx, ids); err != nil {
			return fmt.Errorf("%w: delete chunks for %d conversations: %w", ErrDeleteFailed, len(ids), err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrDeleteFailed, err)
	}
	defer tx.Rollback()

	// Leaves first so no row is removed by cascade before its own DELETE.
	for i := len(ids) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, ids[i]); err != nil {
			return fmt.Errorf("%w: delete conversation %s: %w", ErrDeleteFailed, ids[i], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrDeleteFailed, err)
	}

	s.logger.Info("conversation tree deleted",
		"conversation_id", id,
		"conversations", len(ids),
	)
	return nil
}
