package memory

import "github.com/opengrove/opengrove/internal/opengrove/store"

// ragAcknowledgement is the synthetic assistant reply to the RAG preamble.
const ragAcknowledgement = "Understood. I will use that earlier context where it is relevant."

// ragPreamble introduces retrieved text to the model.
const ragPreamble = "Relevant excerpts from earlier in this conversation:\n\n"

// Turn is one {role, content} entry sent to a chat model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderTurns renders res as the ordered turns sent to the model: the RAG
// text as a synthetic user/assistant exchange when present, then the recency
// window.
func ProviderTurns(res ContextResult) []Turn {
	turns := make([]Turn, 0, len(res.Recent)+2)
	if res.RAGText != "" {
		turns = append(turns,
			Turn{Role: store.RoleUser, Content: ragPreamble + res.RAGText},
			Turn{Role: store.RoleAssistant, Content: ragAcknowledgement},
		)
	}
	for _, m := range res.Recent {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
