package analysis

import (
	"bytes"
	"encoding/json"
	"strings"

	scribe "github.com/eugener/scribe/internal"
)

// promptInstructions is the fixed analysis prompt. The model is asked for
// bare JSON; fenced or prose-wrapped replies are tolerated by ParseResponse.
const promptInstructions = `Analyze the conversation below between a user and an AI assistant.

Respond with a single JSON object and nothing else -- no prose, no code fences. The object must match this schema exactly:

{
  "summary": "2-4 sentence overview of the conversation",
  "keyTopics": ["topic", ...],
  "sentiment": "positive|neutral|negative|mixed",
  "userIntent": "what the user was trying to accomplish",
  "outcomes": ["result or resolution reached", ...],
  "actionItems": ["follow-up item", ...],
  "technicalDetails": {
    "frameworks": ["framework, language or tool discussed", ...],
    "issues": ["problem encountered", ...],
    "solutions": ["fix or workaround applied", ...]
  },
  "conversationQuality": {
    "clarity": 1-10,
    "completeness": 1-10,
    "effectiveness": 1-10
  }
}`

// RenderPrompt assembles the full analysis prompt: fixed instructions, any
// per-row custom instructions, then the transcript.
func RenderPrompt(msgs []scribe.ConversationMessage, custom string) string {
	var b strings.Builder
	b.WriteString(promptInstructions)
	if custom != "" {
		b.WriteString("\n\nAdditional instructions: ")
		b.WriteString(custom)
	}
	b.WriteString("\n\nConversation:\n")
	for _, m := range msgs {
		b.WriteByte('\n')
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseResponse splits a model reply into the stored content and structured
// columns. A valid JSON object is indented for the readable content column
// and kept raw as the structured data; anything else is stored verbatim with
// no structured data -- a malformed reply is a completed analysis, not a
// failure.
func ParseResponse(text string) (content string, data json.RawMessage) {
	cleaned := stripFences(strings.TrimSpace(text))
	if len(cleaned) > 0 && cleaned[0] == '{' && json.Valid([]byte(cleaned)) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(cleaned), "", "  "); err == nil {
			return buf.String(), json.RawMessage(cleaned)
		}
		return cleaned, json.RawMessage(cleaned)
	}
	return text, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
