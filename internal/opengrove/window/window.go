// Package window fits the most recent part of a conversation into a token
// budget.
package window

import (
	"github.com/opengrove/opengrove/internal/opengrove/store"
)

// MessageOverhead is the estimated framing cost of one message on top of its
// content.
const MessageOverhead = 4

// charsPerToken is the ratio behind the token estimate.
const charsPerToken = 4

// EstimateText approximates the token length of text as one token per four
// bytes, rounded up.
func EstimateText(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage approximates the cost of m inside a prompt.
func EstimateMessage(m store.Message) int {
	return EstimateText(m.Content) + MessageOverhead
}

// Estimate sums EstimateMessage over msgs.
func Estimate(msgs []store.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// Build splits chronological messages into the newest run that fits into
// budget and the older remainder. It walks backwards over (user, assistant)
// pairs, taking any message that breaks the alternation on its own, and stops
// at the first unit that does not fit. A pair is never split. Both results are
// chronological and together hold every input message exactly once.
func Build(messages []store.Message, budget int) (window, overflow []store.Message) {
	remaining := budget
	start := len(messages)

	for i := len(messages) - 1; i >= 0; {
		lo := i
		if messages[i].Role == store.RoleAssistant && i > 0 && messages[i-1].Role == store.RoleUser {
			lo = i - 1
		}

		cost := 0
		for j := lo; j <= i; j++ {
			cost += EstimateMessage(messages[j])
		}
		if cost > remaining {
			break
		}
		remaining -= cost
		start = lo
		i = lo - 1
	}

	if start > 0 {
		overflow = messages[:start:start]
	}
	if start < len(messages) {
		window = messages[start:]
	}
	return window, overflow
}
