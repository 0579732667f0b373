package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	scribe "github.com/eugener/scribe/internal"
)

// maxLineSize bounds one SSE line; tool_use argument deltas can be large.
const maxLineSize = 1 << 20

// Event is one server-sent event block as read off the upstream stream.
type Event struct {
	// Name is the value of the event: field, or "" when absent.
	Name string
	// Data is the concatenated data: payload, multi-line values joined by \n.
	Data []byte
	// Raw is the wire form of the block including its blank-line terminator,
	// suitable for relaying to the client unchanged.
	Raw []byte
}

// EventScanner splits an SSE stream into event blocks.
type EventScanner struct {
	s *bufio.Scanner
}

// NewEventScanner returns an EventScanner over r with a 1MB line limit.
func NewEventScanner(r io.Reader) *EventScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)
	return &EventScanner{s: s}
}

// Next returns the next event block, or io.EOF after the stream ends. A final
// block missing its blank-line terminator is still returned; the terminator
// is appended so relayed bytes stay well-formed.
func (es *EventScanner) Next() (Event, error) {
	var (
		ev   Event
		raw  bytes.Buffer
		data bytes.Buffer
		seen bool
	)
	finish := func() Event {
		ev.Raw = append([]byte(nil), raw.Bytes()...)
		ev.Data = append([]byte(nil), data.Bytes()...)
		return ev
	}

	for es.s.Scan() {
		line := es.s.Text()
		if line == "" {
			if !seen {
				// Leading keep-alive blank lines carry nothing.
				continue
			}
			raw.WriteByte('\n')
			return finish(), nil
		}
		seen = true
		raw.WriteString(line)
		raw.WriteByte('\n')

		field, value, ok := parseSSELine(line)
		if !ok {
			continue
		}
		switch field {
		case "event":
			ev.Name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := es.s.Err(); err != nil {
		return Event{}, err
	}
	if seen {
		raw.WriteByte('\n')
		return finish(), nil
	}
	return Event{}, io.EOF
}

// parseSSELine splits one SSE line into field name and value. Comments and
// malformed lines report ok=false.
func parseSSELine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	return field, strings.TrimPrefix(value, " "), true
}

// StreamState folds teed events into usage totals and stream completion
// state. Token attribution per event: message_start carries the input side,
// each message_delta carries the output tokens grown since the last one.
type StreamState struct {
	usage      scribe.Usage
	model      string
	stopReason string
	errType    string
	lastOutput int64
	toolCalls  int
	complete   bool
}

// Consume folds one event and returns the token count attributed to it.
func (st *StreamState) Consume(ev Event) int64 {
	switch ev.Name {
	case "message_start":
		u := gjson.GetBytes(ev.Data, "message.usage")
		st.model = gjson.GetBytes(ev.Data, "message.model").String()
		st.usage.InputTokens = u.Get("input_tokens").Int()
		st.usage.CacheCreationTokens = u.Get("cache_creation_input_tokens").Int()
		st.usage.CacheReadTokens = u.Get("cache_read_input_tokens").Int()
		st.lastOutput = u.Get("output_tokens").Int()
		st.usage.OutputTokens = st.lastOutput
		st.usage.TotalTokens = st.usage.InputTokens + st.usage.OutputTokens
		return st.usage.InputTokens + st.usage.CacheCreationTokens + st.usage.CacheReadTokens

	case "content_block_start":
		if gjson.GetBytes(ev.Data, "content_block.type").String() == "tool_use" {
			st.toolCalls++
		}
		return 0

	case "message_delta":
		// output_tokens is cumulative across deltas.
		out := gjson.GetBytes(ev.Data, "usage.output_tokens").Int()
		delta := out - st.lastOutput
		if delta < 0 {
			delta = 0
		}
		if out > 0 {
			st.lastOutput = out
			st.usage.OutputTokens = out
			st.usage.TotalTokens = st.usage.InputTokens + st.usage.OutputTokens
		}
		if sr := gjson.GetBytes(ev.Data, "delta.stop_reason").String(); sr != "" {
			st.stopReason = sr
		}
		return delta

	case "message_stop":
		st.complete = true
		return 0

	case "error":
		st.errType = gjson.GetBytes(ev.Data, "error.type").String()
		if st.errType == "" {
			st.errType = "upstream_error"
		}
		return 0
	}
	return 0
}

// Usage returns the accumulated token counters.
func (st *StreamState) Usage() scribe.Usage { return st.usage }

// Model returns the model name announced in message_start, or "".
func (st *StreamState) Model() string { return st.model }

// StopReason returns the final stop reason, or "".
func (st *StreamState) StopReason() string { return st.stopReason }

// ToolCalls returns how many tool_use blocks the stream opened.
func (st *StreamState) ToolCalls() int { return st.toolCalls }

// Completed reports whether a message_stop event arrived; a stream without
// one was cut short and its request is recorded as failed.
func (st *StreamState) Completed() bool { return st.complete }

// ErrorType returns the type of an in-stream error event, or "".
func (st *StreamState) ErrorType() string { return st.errType }
