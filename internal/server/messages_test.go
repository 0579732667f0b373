package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/testutil"
)

const inferenceBody = `{"model":"claude-sonnet-4","system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"hello"}]}`

// postMessages sends a proxied messages request for the test tenant.
func postMessages(h http.Handler, body string, tweak func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Host = testTenant
	req.Header.Set("Content-Type", "application/json")
	if tweak != nil {
		tweak(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMessagesJSONRelay(t *testing.T) {
	t.Parallel()
	respBody := `{"id":"msg_01","type":"message","model":"claude-sonnet-4","content":[{"type":"text","text":"Hello"},{"type":"tool_use","id":"tu_1","name":"get_weather","input":{}}],"usage":{"input_tokens":12,"output_tokens":34,"cache_creation_input_tokens":2,"cache_read_input_tokens":3}}`
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respBody))
	}))
	defer up.Close()

	deps, rec := newTestDeps(up.URL)
	h := New(deps)

	resp := postMessages(h, inferenceBody, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != respBody {
		t.Errorf("body not relayed verbatim:\ngot  %s\nwant %s", resp.Body.String(), respBody)
	}

	reqs := rec.Requests()
	if len(reqs) != 1 {
		t.Fatalf("recorded requests = %d, want 1", len(reqs))
	}
	row := reqs[0]
	if row.Domain != testTenant {
		t.Errorf("domain = %q, want %q", row.Domain, testTenant)
	}
	if row.AccountID != "acct_1" {
		t.Errorf("accountId = %q, want acct_1", row.AccountID)
	}
	if row.RequestType != scribe.TypeInference {
		t.Errorf("requestType = %q, want inference", row.RequestType)
	}
	if row.ConversationID == "" || row.BranchID != scribe.BranchMain || row.MessageCount != 1 {
		t.Errorf("fresh linkage wrong: conv=%q branch=%q count=%d", row.ConversationID, row.BranchID, row.MessageCount)
	}
	if row.CurrentMessageHash == "" || row.ParentMessageHash != "" {
		t.Errorf("hashes wrong: current=%q parent=%q", row.CurrentMessageHash, row.ParentMessageHash)
	}

	patches := rec.Patches()
	if len(patches) != 1 {
		t.Fatalf("recorded patches = %d, want 1", len(patches))
	}
	p := patches[0]
	if p.RequestID != row.RequestID {
		t.Errorf("patch request id = %q, want %q", p.RequestID, row.RequestID)
	}
	if p.StatusCode != http.StatusOK {
		t.Errorf("patch status = %d, want 200", p.StatusCode)
	}
	want := scribe.Usage{InputTokens: 12, OutputTokens: 34, TotalTokens: 46, CacheCreationTokens: 2, CacheReadTokens: 3}
	if p.Usage != want {
		t.Errorf("patch usage = %+v, want %+v", p.Usage, want)
	}
	if p.ToolCalls != 1 {
		t.Errorf("patch toolCalls = %d, want 1", p.ToolCalls)
	}
}

func TestMessagesStreamingTee(t *testing.T) {
	t.Parallel()
	frames := testutil.CompleteStream("claude-sonnet-4", 25, 15)
	up := testutil.SSEServer(t, frames...)

	deps, rec := newTestDeps(up.URL)
	h := New(deps)

	body := `{"model":"claude-sonnet-4","system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := postMessages(h, body, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if resp.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("X-Accel-Buffering should disable proxy buffering")
	}
	if got, want := resp.Body.String(), strings.Join(frames, ""); got != want {
		t.Errorf("stream not relayed verbatim:\ngot  %q\nwant %q", got, want)
	}

	chunks := rec.Chunks()
	if len(chunks) != len(frames) {
		t.Fatalf("teed chunks = %d, want %d", len(chunks), len(frames))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d index = %d", i, c.ChunkIndex)
		}
		if string(c.Data) != frames[i] {
			t.Errorf("chunk %d data = %q, want %q", i, c.Data, frames[i])
		}
	}
	// message_start carries the input side, the message_delta the output grown
	// since the start event's output_tokens:1.
	if chunks[0].TokenCount != 25 {
		t.Errorf("message_start tokenCount = %d, want 25", chunks[0].TokenCount)
	}
	if chunks[4].TokenCount != 14 {
		t.Errorf("message_delta tokenCount = %d, want 14", chunks[4].TokenCount)
	}

	patches := rec.Patches()
	if len(patches) != 1 {
		t.Fatalf("recorded patches = %d, want 1", len(patches))
	}
	p := patches[0]
	if p.ErrorMessage != "" {
		t.Errorf("patch error = %q, want none", p.ErrorMessage)
	}
	if p.Usage.InputTokens != 25 || p.Usage.OutputTokens != 15 || p.Usage.TotalTokens != 40 {
		t.Errorf("patch usage = %+v", p.Usage)
	}
	if p.FirstTokenMs == nil {
		t.Error("firstTokenMs should be set for a streamed response")
	}
	if !rec.Requests()[0].ResponseStreaming {
		t.Error("request row should be marked streaming")
	}
}

func TestMessagesStreamTruncated(t *testing.T) {
	t.Parallel()
	frames := testutil.CompleteStream("claude-sonnet-4", 10, 5)
	frames = frames[:len(frames)-1] // no message_stop
	up := testutil.SSEServer(t, frames...)

	deps, rec := newTestDeps(up.URL)
	h := New(deps)

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := postMessages(h, body, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	if len(rec.Chunks()) != len(frames) {
		t.Errorf("teed chunks = %d, want %d", len(rec.Chunks()), len(frames))
	}
	p := rec.Patches()[0]
	if !strings.Contains(p.ErrorMessage, "truncated before message_stop") {
		t.Errorf("patch error = %q, want truncation marker", p.ErrorMessage)
	}
	// Tokens received before the cut still count.
	if p.Usage.InputTokens != 10 {
		t.Errorf("patch input tokens = %d, want 10", p.Usage.InputTokens)
	}
}

func TestMessagesStreamErrorEvent(t *testing.T) {
	t.Parallel()
	frames := []string{
		testutil.SSEFrame("message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":5,"output_tokens":1}}}`),
		testutil.SSEFrame("error", `{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`),
	}
	up := testutil.SSEServer(t, frames...)

	deps, rec := newTestDeps(up.URL)
	h := New(deps)

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}],"stream":true}`
	postMessages(h, body, nil)

	p := rec.Patches()[0]
	if p.ErrorMessage != "upstream stream error: overloaded_error" {
		t.Errorf("patch error = %q", p.ErrorMessage)
	}
}

func TestMessagesUnknownTenant(t *testing.T) {
	t.Parallel()
	deps, rec := newTestDeps("")
	h := New(deps)

	resp := postMessages(h, inferenceBody, func(r *http.Request) { r.Host = "other.example.com" })
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", resp.Code, resp.Body.String())
	}
	if e := decodeError(t, resp.Body.Bytes()); e.Type != "not_found_error" {
		t.Errorf("error type = %q, want not_found_error", e.Type)
	}
	if len(rec.Requests()) != 0 {
		t.Error("no request row should be recorded for an unknown tenant")
	}
}

func TestMessagesInvalidJSON(t *testing.T) {
	t.Parallel()
	deps, rec := newTestDeps("")
	h := New(deps)

	resp := postMessages(h, `{"model":`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	if e := decodeError(t, resp.Body.Bytes()); e.Type != "invalid_request_error" {
		t.Errorf("error type = %q, want invalid_request_error", e.Type)
	}
	if len(rec.Requests()) != 0 {
		t.Error("no request row should be recorded for an unparseable body")
	}
}

func TestMessagesClientAuth(t *testing.T) {
	t.Parallel()
	respBody := `{"id":"msg_01","usage":{"input_tokens":1,"output_tokens":1}}`
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respBody))
	}))
	defer up.Close()

	deps, _ := newTestDeps(up.URL)
	deps.EnableClientAuth = true
	h := New(deps)

	resp := postMessages(h, inferenceBody, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-key")
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", resp.Code)
	}
	if e := decodeError(t, resp.Body.Bytes()); e.Type != "authentication_error" {
		t.Errorf("error type = %q, want authentication_error", e.Type)
	}

	resp = postMessages(h, inferenceBody, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+testClientKey)
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("right key: status = %d, want 200; body = %s", resp.Code, resp.Body.String())
	}
}

func TestMessagesForwardedHeaders(t *testing.T) {
	t.Parallel()
	var got http.Header
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer up.Close()

	deps, _ := newTestDeps(up.URL)
	h := New(deps)

	resp := postMessages(h, inferenceBody, func(r *http.Request) {
		r.Header.Set("X-Api-Key", "client-supplied-key-123")
		r.Header.Set("Authorization", "Bearer client-token-456")
		r.Header.Set("X-Custom", "carried")
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", resp.Code, resp.Body.String())
	}

	if got.Get("x-api-key") != testAPIKey {
		t.Errorf("x-api-key = %q, want tenant credential", got.Get("x-api-key"))
	}
	if got.Get("Authorization") != "" {
		t.Errorf("Authorization = %q, want stripped", got.Get("Authorization"))
	}
	if got.Get("anthropic-version") != "2023-06-01" {
		t.Errorf("anthropic-version = %q, want default pinned", got.Get("anthropic-version"))
	}
	if got.Get("X-Custom") != "carried" {
		t.Errorf("X-Custom = %q, want carried through", got.Get("X-Custom"))
	}
}

func TestMessagesOAuthCredential(t *testing.T) {
	t.Parallel()
	var got http.Header
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer up.Close()

	deps, _ := newTestDeps(up.URL)
	creds := deps.Credentials.(*testutil.FakeCredentials)
	creds.Creds[testTenant] = &scribe.Credential{
		Domain:    testTenant,
		Type:      scribe.CredentialOAuth,
		AccountID: "acct_1",
		OAuth:     &scribe.OAuthToken{AccessToken: "oauth-access-token-789"},
	}
	h := New(deps)

	resp := postMessages(h, inferenceBody, func(r *http.Request) {
		r.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", resp.Code, resp.Body.String())
	}

	if got.Get("Authorization") != "Bearer oauth-access-token-789" {
		t.Errorf("Authorization = %q, want tenant bearer token", got.Get("Authorization"))
	}
	if got.Get("x-api-key") != "" {
		t.Errorf("x-api-key = %q, want empty for oauth tenant", got.Get("x-api-key"))
	}
	beta := got.Get("anthropic-beta")
	if !strings.Contains(beta, "oauth-2025-04-20") || !strings.Contains(beta, "interleaved-thinking-2025-05-14") {
		t.Errorf("anthropic-beta = %q, want oauth flag merged with client flags", beta)
	}
}

func TestMessagesUpstreamStructuredErrorPassthrough(t *testing.T) {
	t.Parallel()
	errBody := `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens is required"}}`
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(errBody))
	}))
	defer up.Close()

	deps, rec := newTestDeps(up.URL)
	h := New(deps)

	resp := postMessages(h, inferenceBody, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	if resp.Body.String() != errBody {
		t.Errorf("structured error not passed through verbatim:\ngot  %s\nwant %s", resp.Body.String(), errBody)
	}

	p := rec.Patches()[0]
	if p.StatusCode != http.StatusBadRequest {
		t.Errorf("patch status = %d, want 400", p.StatusCode)
	}
	if string(p.ResponseBody) != errBody {
		t.Errorf("patch should keep the structured body, got %s", p.ResponseBody)
	}
}

func TestMessagesUpstreamAuthCollapsed(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key ` + testAPIKey + `"}}`))
	}))
	defer up.Close()

	deps, rec := newTestDeps(up.URL)
	h := New(deps)

	resp := postMessages(h, inferenceBody, nil)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.Code)
	}
	e := decodeError(t, resp.Body.Bytes())
	if e.Type != "upstream_error" {
		t.Errorf("error type = %q, want upstream_error", e.Type)
	}
	if e.Message != upstreamAuthMessage {
		t.Errorf("error message = %q, want the generic %q", e.Message, upstreamAuthMessage)
	}
	if strings.Contains(resp.Body.String(), testAPIKey) {
		t.Error("response leaked the upstream api key")
	}

	p := rec.Patches()[0]
	if strings.Contains(p.ErrorMessage, testAPIKey) {
		t.Error("stored error leaked the upstream api key")
	}
	if !strings.Contains(p.ErrorMessage, "[redacted]") {
		t.Errorf("stored error should carry the scrubbed body, got %q", p.ErrorMessage)
	}
}

func TestMessagesUpstreamRateLimited(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer up.Close()

	deps, _ := newTestDeps(up.URL)
	h := New(deps)

	resp := postMessages(h, inferenceBody, nil)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.Code)
	}
	if e := decodeError(t, resp.Body.Bytes()); e.Type != "rate_limit_error" {
		t.Errorf("error type = %q, want rate_limit_error", e.Type)
	}
	if resp.Header().Get("Retry-After") != "7" {
		t.Error("Retry-After header should ride along")
	}
}

func TestMessagesUpstreamUnreachable(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := up.URL
	up.Close()

	deps, rec := newTestDeps(url)
	h := New(deps)

	resp := postMessages(h, inferenceBody, nil)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.Code)
	}
	if e := decodeError(t, resp.Body.Bytes()); e.Type != "upstream_error" {
		t.Errorf("error type = %q, want upstream_error", e.Type)
	}

	// The pre-response row exists and is finalized with the failure.
	if len(rec.Requests()) != 1 {
		t.Fatalf("recorded requests = %d, want 1", len(rec.Requests()))
	}
	p := rec.Patches()[0]
	if p.StatusCode != http.StatusBadGateway || p.ErrorMessage == "" {
		t.Errorf("patch = status %d, error %q", p.StatusCode, p.ErrorMessage)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want scribe.RequestType
	}{
		{
			"quota probe",
			`{"messages":[{"role":"user","content":"quota"}]}`,
			scribe.TypeQuota,
		},
		{
			"quota probe trimmed and cased",
			`{"messages":[{"role":"user","content":"  Quota \n"}]}`,
			scribe.TypeQuota,
		},
		{
			"quota probe in content blocks",
			`{"messages":[{"role":"user","content":[{"type":"text","text":"quota"}]}]}`,
			scribe.TypeQuota,
		},
		{
			"two user messages are not a quota probe",
			`{"messages":[{"role":"user","content":"quota"},{"role":"assistant","content":"ok"},{"role":"user","content":"quota"}]}`,
			scribe.TypeQueryEvaluation,
		},
		{
			"no system prompt",
			`{"messages":[{"role":"user","content":"hi"}]}`,
			scribe.TypeQueryEvaluation,
		},
		{
			"single string system prompt",
			`{"system":"be nice","messages":[{"role":"user","content":"hi"}]}`,
			scribe.TypeQueryEvaluation,
		},
		{
			"single system block",
			`{"system":[{"type":"text","text":"be nice"}],"messages":[{"role":"user","content":"hi"}]}`,
			scribe.TypeQueryEvaluation,
		},
		{
			"two system blocks",
			`{"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"hi"}]}`,
			scribe.TypeInference,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify([]byte(tt.body)); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
