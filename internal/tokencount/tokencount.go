// Package tokencount provides token estimation for the analysis truncation
// budget. Uses a character-based heuristic (~4 chars per token for English)
// which is sufficient for budgeting; exact counts come back from the model's
// usage block after the call.
package tokencount

import (
	scribe "github.com/eugener/scribe/internal"
)

// Counter estimates token counts for conversation messages and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateMessages estimates the total token count for a flattened
// conversation. Accounts for per-message overhead (role, formatting).
func (c *Counter) EstimateMessages(model string, messages []scribe.ConversationMessage) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
	}
	total += 3 // reply priming
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with Claude-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}
