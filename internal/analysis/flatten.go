package analysis

import (
	"strings"

	"github.com/tidwall/gjson"

	scribe "github.com/eugener/scribe/internal"
)

// FlattenRequest converts the stored request and response bodies of the
// newest request in a branch into the flat role/content transcript used for
// prompt rendering. Request bodies carry the full message history, so one
// row reconstructs the whole branch.
func FlattenRequest(req *scribe.Request) []scribe.ConversationMessage {
	if req == nil {
		return nil
	}
	var msgs []scribe.ConversationMessage

	if sys := gjson.GetBytes(req.RequestBody, "system"); sys.Exists() {
		if text := flattenContent(sys); text != "" {
			msgs = append(msgs, scribe.ConversationMessage{Role: "system", Content: text})
		}
	}
	gjson.GetBytes(req.RequestBody, "messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		text := flattenContent(m.Get("content"))
		if role != "" && text != "" {
			msgs = append(msgs, scribe.ConversationMessage{Role: role, Content: text})
		}
		return true
	})
	if len(req.ResponseBody) > 0 {
		if text := flattenContent(gjson.GetBytes(req.ResponseBody, "content")); text != "" {
			msgs = append(msgs, scribe.ConversationMessage{Role: "assistant", Content: text})
		}
	}
	return msgs
}

// flattenContent renders a message content value as plain text: strings pass
// through, block arrays keep their text blocks plus compact markers for tool
// use, and tool results flatten recursively.
func flattenContent(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var b strings.Builder
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				appendPart(&b, block.Get("text").String())
			case "tool_use":
				appendPart(&b, "[tool: "+block.Get("name").String()+"]")
			case "tool_result":
				appendPart(&b, flattenContent(block.Get("content")))
			}
			return true
		})
		return b.String()
	}
	return ""
}

func appendPart(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(s)
}
