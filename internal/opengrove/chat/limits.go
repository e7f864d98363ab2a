package chat

// DefaultContextTokens is assumed for models without a configured limit.
const DefaultContextTokens = 8192

// DefaultResponseBufferTokens is reserved out of every context window for
// the reply and for estimation slack.
const DefaultResponseBufferTokens = 1024

// ContextLimits maps model keys to context window sizes in tokens.
type ContextLimits struct {
	Default int
	Models  map[string]int
}

// For returns the context window of model.
func (l ContextLimits) For(model string) int {
	if n, ok := l.Models[model]; ok && n > 0 {
		return n
	}
	if l.Default > 0 {
		return l.Default
	}
	return DefaultContextTokens
}
