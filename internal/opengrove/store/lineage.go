package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LineageEntry is one step of the walk from a conversation to its root.
// BranchPointIndex is the entry's own fork point into its parent and is nil
// for the root.
type LineageEntry struct {
	ConversationID   string
	BranchPointIndex *int
}

// Segment says how many of a conversation's own messages are part of some
// branch's resolved history. Segments are ordered root first.
type Segment struct {
	ConversationID string
	Count          int
}

// Lineage walks parent pointers from id to the root and returns the chain
// ordered from id itself to the root. A walk that revisits an ID stops at the
// repeat. Unknown id yields ErrNotFound.
func (s *Store) Lineage(ctx context.Context, id string) ([]LineageEntry, error) {
	return s.lineage(ctx, s.db, id)
}

func (s *Store) lineage(ctx context.Context, q queryer, id string) ([]LineageEntry, error) {
	var (
		out  []LineageEntry
		seen = make(map[string]struct{})
		cur  = id
	)

	for cur != "" {
		if _, dup := seen[cur]; dup {
			s.logger.Warn("store: lineage cycle detected, truncating walk",
				"conversation_id", id,
				"repeated_id", cur,
				"depth", len(out),
			)
			break
		}
		seen[cur] = struct{}{}

		var (
			parentID sql.NullString
			bp       sql.NullInt64
		)
		err := q.QueryRowContext(ctx,
			`SELECT parent_id, branch_point_index FROM conversations WHERE id = ?`, cur,
		).Scan(&parentID, &bp)
		if errors.Is(err, sql.ErrNoRows) {
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			s.logger.Warn("store: lineage references missing ancestor, truncating walk",
				"conversation_id", id,
				"missing_id", cur,
			)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: lineage lookup: %w", err)
		}

		entry := LineageEntry{ConversationID: cur}
		if bp.Valid {
			i := int(bp.Int64)
			entry.BranchPointIndex = &i
		}
		out = append(out, entry)

		cur = ""
		if parentID.Valid {
			cur = parentID.String
		}
	}
	return out, nil
}

// Segments computes, root first, how many own messages each conversation in
// id's lineage contributes to id's resolved history. The last segment is id
// itself with all of its own messages.
//
// Branch points address the parent's resolved history, so each fork keeps the
// first bp+1 messages of everything above it.
func (s *Store) Segments(ctx context.Context, id string) ([]Segment, error) {
	var segs []Segment
	err := s.readTx(ctx, func(q queryer) error {
		var err error
		segs, err = s.segments(ctx, q, id)
		return err
	})
	return segs, err
}

func (s *Store) segments(ctx context.Context, q queryer, id string) ([]Segment, error) {
	lineage, err := s.lineage(ctx, q, id)
	if err != nil {
		return nil, err
	}

	segs := make([]Segment, 0, len(lineage))
	for i := len(lineage) - 1; i >= 0; i-- {
		entry := lineage[i]

		// Trim everything inherited so far to the fork point. The root (and
		// a truncated walk's topmost entry) has nothing above it.
		if len(segs) > 0 && entry.BranchPointIndex != nil {
			segs = trimSegments(segs, *entry.BranchPointIndex+1)
		}

		n, err := countOwnMessages(ctx, q, entry.ConversationID)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{ConversationID: entry.ConversationID, Count: n})
	}
	return segs, nil
}

// trimSegments keeps the first keep messages across segs, in order.
func trimSegments(segs []Segment, keep int) []Segment {
	for i := range segs {
		if keep >= segs[i].Count {
			keep -= segs[i].Count
			continue
		}
		segs[i].Count = keep
		keep = 0
	}
	return segs
}

// ResolveHistory reconstructs the linear history of id: every ancestor's
// inherited prefix followed by id's own messages, in chronological order. For
// a root conversation it equals OwnMessages(id, -1).
func (s *Store) ResolveHistory(ctx context.Context, id string) ([]Message, error) {
	var history []Message
	err := s.readTx(ctx, func(q queryer) error {
		segs, err := s.segments(ctx, q, id)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			msgs, err := ownMessages(ctx, q, seg.ConversationID, seg.Count)
			if err != nil {
				return err
			}
			history = append(history, msgs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}
