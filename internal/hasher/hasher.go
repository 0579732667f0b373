// Package hasher computes content-addressed hashes over normalized message
// sequences. The encoding is canonical: identical logical conversations
// produce identical hashes byte-for-byte across restarts, which is what
// conversation linking keys on.
package hasher

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// Hashes is the linkage fingerprint of one request body.
type Hashes struct {
	// Current covers the normalized message sequence, excluding any trailing
	// assistant response.
	Current string
	// Parent covers the sequence minus the last user/tool turn. Empty when
	// the body holds a single turn (conversation root).
	Parent string
	// System covers the normalized system prompt alone, so a system-prompt
	// change does not sever lineage. Empty when no system prompt.
	System string
}

// systemReminderPrefix marks synthetic messages injected by tooling; they are
// unstable across requests and are filtered from the hashed sequence.
const systemReminderPrefix = "<system-reminder>"

// message is the minimally-parsed shape the hasher walks.
type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// part is one normalized content part ready for encoding.
type part struct {
	kind string
	data []byte
}

// Compute parses a request body and returns its linkage hashes. A body with
// no hashable messages yields an error; callers treat that as "no linkage"
// rather than failing the request.
func Compute(body []byte) (Hashes, error) {
	var envelope struct {
		Messages []message       `json:"messages"`
		System   json.RawMessage `json:"system"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Hashes{}, fmt.Errorf("parse body: %w", err)
	}

	seq, err := normalize(envelope.Messages)
	if err != nil {
		return Hashes{}, err
	}

	// Current: strip any trailing assistant run (e.g. prefill) first.
	current := stripTrailingRole(seq, "assistant")
	if len(current) == 0 {
		return Hashes{}, fmt.Errorf("no hashable messages")
	}

	h := Hashes{Current: hashSequence(current)}

	// Parent: remove the final user/tool turn, then the assistant response
	// before it, leaving exactly what the previous request hashed.
	parent := stripTrailingRole(current, "user")
	parent = stripTrailingRole(parent, "assistant")
	if len(parent) > 0 {
		h.Parent = hashSequence(parent)
	}

	if sys := normalizeSystem(envelope.System); sys != "" {
		h.System = hashText(sys)
	}
	return h, nil
}

// normalized is a message reduced to its encodable parts.
type normalized struct {
	role  string
	parts []part
}

// normalize filters system reminders, de-duplicates adjacent identical
// tool_use/tool_result parts, and canonicalizes every part. Messages left
// with no parts are dropped.
func normalize(msgs []message) ([]normalized, error) {
	out := make([]normalized, 0, len(msgs))
	for _, m := range msgs {
		parts, err := normalizeContent(m.Content)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, normalized{role: m.Role, parts: parts})
	}
	return out, nil
}

// normalizeContent handles both content forms: a bare string or an array of
// typed part objects.
func normalizeContent(raw json.RawMessage) ([]part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse text content: %w", err)
		}
		if isSystemReminder(s) {
			return nil, nil
		}
		return []part{textPart(s)}, nil
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("parse content blocks: %w", err)
	}

	parts := make([]part, 0, len(blocks))
	for _, b := range blocks {
		p, keep, err := normalizeBlock(b)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		// Adjacent identical tool blocks are artifacts of client retries;
		// only the first participates in the hash.
		if n := len(parts); n > 0 && isToolKind(p.kind) &&
			parts[n-1].kind == p.kind && string(parts[n-1].data) == string(p.data) {
			continue
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func normalizeBlock(b json.RawMessage) (part, bool, error) {
	kind := gjson.GetBytes(b, "type").String()
	switch kind {
	case "text":
		text := gjson.GetBytes(b, "text").String()
		if isSystemReminder(text) {
			return part{}, false, nil
		}
		return textPart(text), true, nil

	case "tool_use", "tool_result":
		canon, err := canonicalJSON(b)
		if err != nil {
			return part{}, false, fmt.Errorf("canonicalize %s: %w", kind, err)
		}
		return part{kind: kind, data: canon}, true, nil

	case "image":
		// Hash the decoded image bytes, not the data-URL wrapper, so
		// re-encodings of the same pixels link up.
		data := gjson.GetBytes(b, "source.data").String()
		if data != "" {
			decoded, err := base64.StdEncoding.DecodeString(data)
			if err == nil {
				sum := sha256.Sum256(decoded)
				return part{kind: "image", data: sum[:]}, true, nil
			}
		}
		if url := gjson.GetBytes(b, "source.url").String(); url != "" {
			sum := sha256.Sum256([]byte(url))
			return part{kind: "image", data: sum[:]}, true, nil
		}
		canon, err := canonicalJSON(b)
		if err != nil {
			return part{}, false, fmt.Errorf("canonicalize image: %w", err)
		}
		return part{kind: "image", data: canon}, true, nil

	default:
		// Unknown kinds (thinking, document, ...) still hash
		// deterministically via their canonical JSON.
		canon, err := canonicalJSON(b)
		if err != nil {
			return part{}, false, fmt.Errorf("canonicalize %s: %w", kind, err)
		}
		return part{kind: kind, data: canon}, true, nil
	}
}

func textPart(s string) part {
	return part{kind: "text", data: []byte(norm.NFC.String(s))}
}

func isToolKind(kind string) bool {
	return kind == "tool_use" || kind == "tool_result"
}

func isSystemReminder(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), systemReminderPrefix)
}

// stripTrailingRole removes the trailing run of messages with the given role.
func stripTrailingRole(seq []normalized, role string) []normalized {
	n := len(seq)
	for n > 0 && seq[n-1].role == role {
		n--
	}
	return seq[:n]
}

// hashSequence encodes the sequence with length-prefixed frames and returns
// the hex SHA-256. Length prefixes make the encoding unambiguous regardless
// of content bytes.
func hashSequence(seq []normalized) string {
	h := sha256.New()
	for _, m := range seq {
		writeFrame(h, "role", []byte(m.role))
		for _, p := range m.parts {
			writeFrame(h, p.kind, p.data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashText(s string) string {
	h := sha256.New()
	writeFrame(h, "system", []byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

func writeFrame(h hash.Hash, tag string, data []byte) {
	var buf [binary.MaxVarintLen64]byte
	h.Write(buf[:binary.PutUvarint(buf[:], uint64(len(tag)))])
	h.Write([]byte(tag))
	h.Write(buf[:binary.PutUvarint(buf[:], uint64(len(data)))])
	h.Write(data)
}

// normalizeSystem flattens the system prompt (bare string or block array) to
// NFC-normalized text, filtering reminder blocks.
func normalizeSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		if isSystemReminder(s) {
			return ""
		}
		return norm.NFC.String(s)
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if gjson.GetBytes(b, "type").String() != "text" {
			continue
		}
		t := gjson.GetBytes(b, "text").String()
		if t == "" || isSystemReminder(t) {
			continue
		}
		texts = append(texts, norm.NFC.String(t))
	}
	return strings.Join(texts, "\n")
}

// canonicalJSON re-encodes raw JSON with object keys sorted and number
// literals preserved, producing a stable byte form for hashing.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal; json.Number round-trips the
	// original literal.
	return json.Marshal(v)
}

// FirstUserText returns the text of the first user message in the body, used
// by the sub-task check. Content arrays contribute their first non-reminder
// text part.
func FirstUserText(body []byte) string {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return ""
	}
	var text string
	msgs.ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() != "user" {
			return true
		}
		content := m.Get("content")
		if content.Type == gjson.String {
			if !isSystemReminder(content.String()) {
				text = content.String()
				return false
			}
			return true
		}
		found := false
		content.ForEach(func(_, b gjson.Result) bool {
			if b.Get("type").String() != "text" {
				return true
			}
			t := b.Get("text").String()
			if isSystemReminder(t) {
				return true
			}
			text = t
			found = true
			return false
		})
		return !found
	})
	return text
}
