package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/hasher"
	"github.com/eugener/scribe/internal/linker"
	"github.com/eugener/scribe/internal/upstream"
)

// handleMessages proxies one messages call: classify the body, resolve the
// tenant credential, record the pre-response row, forward upstream, then tee
// the response into the write pipeline. Recording is best-effort throughout;
// only auth, resolution, and upstream failures reach the client.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	tenant := scribe.TenantFromContext(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", scribe.ErrInvalidRequest, err))
		return
	}
	if !gjson.ValidBytes(body) {
		s.writeError(w, r, fmt.Errorf("%w: body is not valid JSON", scribe.ErrInvalidRequest))
		return
	}

	cred, err := s.deps.Credentials.Resolve(ctx, tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req := s.buildRequest(ctx, tenant, cred.AccountID, body)
	s.deps.Recorder.InsertRequest(req)

	resp, err := s.deps.Upstream.Messages(ctx, upstream.Request{
		Body:   body,
		Header: r.Header,
		Query:  r.URL.RawQuery,
	}, cred)
	if err != nil {
		s.finalizeError(req, start, err)
		if !errors.Is(err, scribe.ErrClientCancelled) {
			s.writeError(w, r, err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		s.relayUpstreamError(w, r, req, resp, start)
		return
	}
	if req.ResponseStreaming {
		s.relayStream(w, r, req, resp, start)
		return
	}
	s.relayJSON(w, r, req, resp, start)
}

// buildRequest assembles the pre-response row: id, classification, message
// hashes, and conversation placement. Hashing or linking failures degrade to
// a fresh unlinked conversation; they never fail the proxied request.
func (s *server) buildRequest(ctx context.Context, tenant, accountID string, body []byte) *scribe.Request {
	now := time.Now().UTC()
	req := &scribe.Request{
		RequestID:         uuid.NewString(),
		Domain:            tenant,
		AccountID:         accountID,
		Timestamp:         now,
		Model:             gjson.GetBytes(body, "model").String(),
		RequestType:       classify(body),
		RequestBody:       json.RawMessage(body),
		ResponseStreaming: gjson.GetBytes(body, "stream").Bool(),
		CreatedAt:         now,
	}

	hashes, err := hasher.Compute(body)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "message hashing failed, starting fresh conversation",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}
	lk := scribe.Linkage{ConversationID: uuid.NewString(), BranchID: scribe.BranchMain, MessageCount: 1}
	if err == nil && s.deps.Linker != nil {
		lk = s.deps.Linker.Link(ctx, linker.Input{Domain: tenant, Body: body, Hashes: hashes, Now: now})
	}

	req.CurrentMessageHash = hashes.Current
	req.SystemHash = hashes.System
	req.ConversationID = lk.ConversationID
	req.BranchID = lk.BranchID
	req.MessageCount = lk.MessageCount
	req.ParentRequestID = lk.ParentRequestID
	// The stored parent hash comes from the linkage, not the hasher: it is set
	// only when a parent row was actually found, so stored rows always satisfy
	// the conversation-closure property.
	req.ParentMessageHash = lk.ParentMessageHash
	req.ParentTaskRequestID = lk.ParentTaskRequestID
	req.IsSubtask = lk.IsSubtask
	req.TaskToolInvocation = lk.TaskToolInvocation
	return req
}

// relayJSON buffers the full upstream response, forwards it, and patches the
// row with the parsed usage block.
func (s *server) relayJSON(w http.ResponseWriter, r *http.Request, req *scribe.Request, resp *http.Response, start time.Time) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = wrapReadError(r.Context(), err)
		s.finalizeError(req, start, err)
		if !errors.Is(err, scribe.ErrClientCancelled) {
			s.writeError(w, r, err)
		}
		return
	}

	upstream.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "client write failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}

	usage := upstream.UsageFromResponse(respBody)
	s.deps.Recorder.PatchRequest(scribe.RequestPatch{
		RequestID:    req.RequestID,
		ResponseBody: respBody,
		StatusCode:   resp.StatusCode,
		Usage:        usage,
		DurationMs:   time.Since(start).Milliseconds(),
		ToolCalls:    upstream.CountToolUse(respBody),
	})
	s.observeUpstream(req.Model, start, usage)
}

// relayStream pipes the upstream SSE stream to the client unchanged while
// teeing every event into the write pipeline as a chunk. The client hanging
// up mid-stream still finalizes the row with everything received so far.
func (s *server) relayStream(w http.ResponseWriter, r *http.Request, req *scribe.Request, resp *http.Response, start time.Time) {
	ctx := r.Context()
	writeStreamHeaders(w, resp)
	flusher, _ := w.(http.Flusher)

	var (
		st           upstream.StreamState
		events       = upstream.NewEventScanner(resp.Body)
		index        int
		firstTokenMs *int64
		relayErr     error
	)
	for {
		ev, err := events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			relayErr = wrapReadError(ctx, err)
			break
		}
		if firstTokenMs == nil {
			ms := time.Since(start).Milliseconds()
			firstTokenMs = &ms
			if s.deps.Metrics != nil {
				s.deps.Metrics.FirstTokenTime.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
			}
		}
		// Tee before the client write: an event upstream produced is recorded
		// even when the client is gone.
		s.deps.Recorder.InsertChunk(scribe.Chunk{
			RequestID:  req.RequestID,
			ChunkIndex: index,
			Timestamp:  time.Now().UTC(),
			Data:       ev.Raw,
			TokenCount: st.Consume(ev),
		})
		index++

		if _, err := w.Write(ev.Raw); err != nil {
			relayErr = fmt.Errorf("%w: client write: %v", scribe.ErrClientCancelled, err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	patch := scribe.RequestPatch{
		RequestID:    req.RequestID,
		StatusCode:   resp.StatusCode,
		Usage:        st.Usage(),
		FirstTokenMs: firstTokenMs,
		DurationMs:   time.Since(start).Milliseconds(),
		ToolCalls:    st.ToolCalls(),
	}
	switch {
	case relayErr != nil:
		patch.ErrorMessage = s.scrubErr(relayErr)
	case st.ErrorType() != "":
		patch.ErrorMessage = "upstream stream error: " + st.ErrorType()
	case !st.Completed():
		patch.ErrorMessage = "upstream stream truncated before message_stop"
	}
	s.deps.Recorder.PatchRequest(patch)
	s.observeUpstream(req.Model, start, st.Usage())

	if patch.ErrorMessage != "" {
		slog.LogAttrs(ctx, slog.LevelWarn, "stream finalized with error",
			slog.String("request_id", req.RequestID),
			slog.Int("chunks", index),
			slog.String("error", patch.ErrorMessage))
	}
}

// relayUpstreamError finalizes a non-2xx upstream response. Structured error
// bodies pass through verbatim -- client auth already admitted this tenant.
// Upstream credential rejections collapse to a generic upstream_error so the
// tenant never learns anything about proxy-held credentials; other
// unstructured responses map to the taxonomy. Rate-limit headers ride along
// either way.
func (s *server) relayUpstreamError(w http.ResponseWriter, r *http.Request, req *scribe.Request, resp *http.Response, start time.Time) {
	apiErr := upstream.ParseAPIError(resp)

	patch := scribe.RequestPatch{
		RequestID:    req.RequestID,
		StatusCode:   resp.StatusCode,
		DurationMs:   time.Since(start).Milliseconds(),
		ErrorMessage: s.scrub(apiErr.Error()),
	}
	if apiErr.Structured() {
		patch.ResponseBody = json.RawMessage(apiErr.Body)
	}
	s.deps.Recorder.PatchRequest(patch)
	s.observeUpstreamError(resp.StatusCode)
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	}

	upstream.CopyHeader(w.Header(), resp.Header)
	// The body is re-serialized below; a copied length would lie.
	delete(w.Header(), "Content-Length")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.writeError(w, r, fmt.Errorf("%w: HTTP %d: %s", scribe.ErrUpstreamAuth, resp.StatusCode, apiErr.Body))
	case apiErr.Structured():
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(resp.StatusCode)
		w.Write([]byte(apiErr.Body))
	case resp.StatusCode == http.StatusTooManyRequests:
		s.writeError(w, r, fmt.Errorf("%w: upstream HTTP 429", scribe.ErrRateLimited))
	default:
		s.writeError(w, r, fmt.Errorf("%w: HTTP %d", scribe.ErrUpstream, resp.StatusCode))
	}
}

// statusClientClosed is the non-standard status recorded when the client went
// away before the exchange finished (nginx's 499 convention).
const statusClientClosed = 499

// finalizeError patches the row for an exchange that produced no upstream
// response: transport failures and cancelled clients.
func (s *server) finalizeError(req *scribe.Request, start time.Time, err error) {
	status := statusClientClosed
	if !errors.Is(err, scribe.ErrClientCancelled) {
		status, _ = errorStatus(err)
		s.observeUpstreamError(status)
	}
	s.deps.Recorder.PatchRequest(scribe.RequestPatch{
		RequestID:    req.RequestID,
		StatusCode:   status,
		DurationMs:   time.Since(start).Milliseconds(),
		ErrorMessage: s.scrubErr(err),
	})
}

// wrapReadError classifies an upstream body read failure: the client hanging
// up cancels the exchange, anything else is an upstream fault.
func wrapReadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", scribe.ErrClientCancelled, ctx.Err())
	}
	return fmt.Errorf("%w: stream read: %v", scribe.ErrUpstream, err)
}

func (s *server) observeUpstream(model string, start time.Time, usage scribe.Usage) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	if usage.InputTokens > 0 {
		m.TokensProcessed.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.TokensProcessed.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	}
}

func (s *server) observeUpstreamError(status int) {
	if s.deps.Metrics == nil {
		return
	}
	if status < 0 || status >= len(statusText) {
		status = 0
	}
	s.deps.Metrics.UpstreamErrors.WithLabelValues(statusText[status]).Inc()
}

// classify types a request body: a quota probe carries exactly one user
// message reading "quota", an evaluation probe carries at most one system
// message, and everything else is billable inference.
func classify(body []byte) scribe.RequestType {
	var (
		userCount int
		firstUser gjson.Result
	)
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() == "user" {
			userCount++
			if userCount == 1 {
				firstUser = m
			}
		}
		return true
	})
	if userCount == 1 {
		if strings.ToLower(strings.TrimSpace(messageText(firstUser.Get("content")))) == "quota" {
			return scribe.TypeQuota
		}
	}
	if systemMessageCount(body) <= 1 {
		return scribe.TypeQueryEvaluation
	}
	return scribe.TypeInference
}

// messageText flattens a message content value (plain string or block array)
// to its text parts.
func messageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// systemMessageCount counts system prompt entries: a plain string counts as
// one, a block array counts its elements, absence counts zero.
func systemMessageCount(body []byte) int {
	sys := gjson.GetBytes(body, "system")
	switch {
	case !sys.Exists():
		return 0
	case sys.IsArray():
		return len(sys.Array())
	default:
		return 1
	}
}
