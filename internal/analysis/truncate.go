package analysis

import (
	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/tokencount"
)

// truncationNotice replaces the dropped middle of an over-budget transcript.
const truncationNotice = "[... middle messages truncated ...]"

// TruncateOptions bound the rendered prompt. Budget is in estimated tokens
// for Model's tokenizer family.
type TruncateOptions struct {
	Budget int
	Head   int
	Tail   int
	Model  string
}

// Truncate fits a transcript into the budget. Under-budget transcripts pass
// through untouched. Over-budget ones keep the first Head and last Tail
// messages around a truncation notice, then drop messages from the middle of
// the tail until the estimate fits. The newest message always survives.
func Truncate(counter *tokencount.Counter, msgs []scribe.ConversationMessage, opts TruncateOptions) ([]scribe.ConversationMessage, bool) {
	if counter.EstimateMessages(opts.Model, msgs) <= opts.Budget {
		return msgs, false
	}

	head := min(opts.Head, len(msgs))
	tailStart := max(len(msgs)-opts.Tail, head)

	kept := make([]scribe.ConversationMessage, 0, head+1+len(msgs)-tailStart)
	kept = append(kept, msgs[:head]...)
	kept = append(kept, scribe.ConversationMessage{Role: "system", Content: truncationNotice})
	notice := head
	kept = append(kept, msgs[tailStart:]...)

	for counter.EstimateMessages(opts.Model, kept) > opts.Budget {
		tailLen := len(kept) - notice - 1
		if tailLen <= 1 {
			break
		}
		mid := notice + 1 + (tailLen-1)/2
		kept = append(kept[:mid], kept[mid+1:]...)
	}
	return kept, true
}
