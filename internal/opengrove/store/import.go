package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// DefaultImportModel is recorded on imported conversations when the caller
// does not choose one.
const DefaultImportModel = "gemini-2.0-flash"

// importTitleLength bounds titles derived from the first message.
const importTitleLength = 50

// ImportOptions configures ImportClaudeExport.
type ImportOptions struct {
	// Model is stored on every imported conversation.
	Model string
}

// ImportStats summarises an import run.
type ImportStats struct {
	Conversations int
	Messages      int
	SkippedEmpty  int
}

// claudeConversation is one element of a Claude conversations.json export.
type claudeConversation struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	CreatedAt    string          `json:"created_at"`
	ChatMessages []claudeMessage `json:"chat_messages"`
}

type claudeMessage struct {
	UUID      string `json:"uuid"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"created_at"`
}

// ImportClaudeExport loads a Claude conversations.json export as root
// conversations. Conversations without messages are skipped, blank messages
// are dropped, and rows are upserted by UUID so re-running an import is safe.
// The whole import is one transaction.
func (s *Store) ImportClaudeExport(ctx context.Context, r io.Reader, opts ImportOptions) (ImportStats, error) {
	var stats ImportStats

	var export []claudeConversation
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return stats, fmt.Errorf("store: import: decode export: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = DefaultImportModel
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("store: import: begin: %w", err)
	}
	defer tx.Rollback()

	for _, conv := range export {
		if len(conv.ChatMessages) == 0 {
			stats.SkippedEmpty++
			continue
		}

		createdAt, err := parseExportTime(conv.CreatedAt)
		if err != nil {
			return stats, fmt.Errorf("store: import conversation %s: %w", conv.UUID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, title, model, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title      = excluded.title,
				model      = excluded.model,
				created_at = excluded.created_at
		`, conv.UUID, TruncateTitle(importTitle(conv)), model, createdAt.UnixMilli())
		if err != nil {
			return stats, fmt.Errorf("store: import conversation %s: %w", conv.UUID, err)
		}
		stats.Conversations++

		msgs := append([]claudeMessage(nil), conv.ChatMessages...)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })

		for _, msg := range msgs {
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			msgAt, err := parseExportTime(msg.CreatedAt)
			if err != nil {
				return stats, fmt.Errorf("store: import message %s: %w", msg.UUID, err)
			}
			role := RoleAssistant
			if msg.Sender == "human" {
				role = RoleUser
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, seq, role, content, created_at, is_embedded)
				SELECT ?, ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ?, 0
				FROM messages
				WHERE conversation_id = ?
				ON CONFLICT(id) DO UPDATE SET
					role    = excluded.role,
					content = excluded.content
			`, msg.UUID, conv.UUID, role, msg.Text, msgAt.UnixMilli(), conv.UUID)
			if err != nil {
				return stats, fmt.Errorf("store: import message %s: %w", msg.UUID, err)
			}
			stats.Messages++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("store: import: commit: %w", err)
	}

	s.logger.Info("claude export imported",
		"conversations", stats.Conversations,
		"messages", stats.Messages,
		"skipped_empty", stats.SkippedEmpty,
	)
	return stats, nil
}

// importTitle prefers the export's name, then the first message's opening
// characters, then DefaultTitle.
func importTitle(conv claudeConversation) string {
	if name := strings.TrimSpace(conv.Name); name != "" {
		return name
	}
	first := strings.TrimSpace(conv.ChatMessages[0].Text)
	if first == "" {
		return DefaultTitle
	}
	r := []rune(first)
	if len(r) > importTitleLength {
		r = r[:importTitleLength]
	}
	return string(r)
}

func parseExportTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
