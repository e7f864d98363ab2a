// Package memory decides what older conversation content is offloaded into
// the vector index and what is recalled from it for a new turn.
package memory

import (
	"strings"

	"github.com/opengrove/opengrove/internal/opengrove/store"
)

// DefaultChunkSize is the number of messages per chunk.
const DefaultChunkSize = 4

// ChunkDraft is a chunk before embedding. Start and End are a half-open range
// of positions, offset by the base passed to Chunk.
type ChunkDraft struct {
	Text       string
	MessageIDs []string
	Start      int
	End        int
}

// Chunk groups msgs into contiguous runs of size messages (the last run may
// be shorter). Each message is rendered as "ROLE: content" on its own line.
// Positions are base plus the index within msgs.
func Chunk(msgs []store.Message, size, base int) []ChunkDraft {
	if size <= 0 {
		size = DefaultChunkSize
	}

	drafts := make([]ChunkDraft, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := min(start+size, len(msgs))

		ids := make([]string, 0, end-start)
		for _, m := range msgs[start:end] {
			ids = append(ids, m.ID)
		}

		drafts = append(drafts, ChunkDraft{
			Text:       renderMessages(msgs[start:end]),
			MessageIDs: ids,
			Start:      base + start,
			End:        base + end,
		})
	}
	return drafts
}

// renderMessages writes msgs as "ROLE: content" lines.
func renderMessages(msgs []store.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// contiguousRuns splits msgs, sorted by Seq, wherever the sequence skips.
func contiguousRuns(msgs []store.Message) [][]store.Message {
	var (
		runs [][]store.Message
		from int
	)
	for i := 1; i <= len(msgs); i++ {
		if i == len(msgs) || msgs[i].Seq != msgs[i-1].Seq+1 {
			runs = append(runs, msgs[from:i])
			from = i
		}
	}
	return runs
}
