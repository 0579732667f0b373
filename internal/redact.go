package scribe

import "strings"

// redactedPlaceholder replaces any configured secret that would otherwise
// cross the logger or error-serializer boundary.
const redactedPlaceholder = "[redacted]"

// Redactor scrubs configured secrets (tenant client keys, upstream api keys,
// OAuth access and refresh tokens, dashboard key) from strings before they
// reach a log line, an error response, or a stored row. Redactors are
// immutable; holders swap the whole value when the secret set changes.
type Redactor struct {
	replacer *strings.Replacer
	empty    bool
}

// NewRedactor builds a Redactor over the given secrets. Empty and very short
// values are ignored so the replacer cannot mangle ordinary prose.
func NewRedactor(secrets ...string) *Redactor {
	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		if len(s) < 8 {
			continue
		}
		pairs = append(pairs, s, redactedPlaceholder)
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...), empty: len(pairs) == 0}
}

// Scrub returns s with every configured secret replaced.
func (r *Redactor) Scrub(s string) string {
	if r == nil || r.empty {
		return s
	}
	return r.replacer.Replace(s)
}

// ScrubErr returns the scrubbed message of err, or "" for nil.
func (r *Redactor) ScrubErr(err error) string {
	if err == nil {
		return ""
	}
	return r.Scrub(err.Error())
}
