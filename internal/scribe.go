// Package scribe defines domain types and interfaces for the Scribe LLM proxy.
// This package has no project imports -- it is the dependency root.
package scribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Request lifecycle ---

// RequestType classifies an inbound request by body shape.
type RequestType string

const (
	// TypeInference is a regular completion request; the only type counted
	// toward rolling token windows.
	TypeInference RequestType = "inference"
	// TypeQueryEvaluation is a probe request carrying zero or one system message.
	TypeQueryEvaluation RequestType = "query_evaluation"
	// TypeQuota is a request whose single user message is exactly "quota".
	TypeQuota RequestType = "quota"
)

// Request is one recorded inbound LLM call. Created once at request entry,
// then patched exactly once when the upstream exchange finishes; append-only
// otherwise.
type Request struct {
	RequestID string    `json:"requestId"`
	Domain    string    `json:"domain"`
	AccountID string    `json:"accountId"`
	Timestamp time.Time `json:"timestamp"`

	Model       string          `json:"model"`
	RequestType RequestType     `json:"requestType"`
	RequestBody json.RawMessage `json:"requestBody,omitempty"`

	ResponseBody      json.RawMessage `json:"responseBody,omitempty"`
	StatusCode        int             `json:"statusCode"`
	ResponseStreaming bool            `json:"responseStreaming"`

	Usage
	FirstTokenMs *int64 `json:"firstTokenMs,omitempty"`
	DurationMs   int64  `json:"durationMs"`

	ErrorMessage  string `json:"errorMessage,omitempty"`
	ToolCallCount int    `json:"toolCallCount"`

	ConversationID     string `json:"conversationId,omitempty"`
	BranchID           string `json:"branchId,omitempty"`
	MessageCount       int    `json:"messageCount"`
	ParentRequestID    string `json:"parentRequestId,omitempty"`
	CurrentMessageHash string `json:"currentMessageHash,omitempty"`
	ParentMessageHash  string `json:"parentMessageHash,omitempty"`
	SystemHash         string `json:"systemHash,omitempty"`

	ParentTaskRequestID string          `json:"parentTaskRequestId,omitempty"`
	IsSubtask           bool            `json:"isSubtask"`
	TaskToolInvocation  json.RawMessage `json:"taskToolInvocation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Usage holds the token counters parsed from an upstream response.
// TotalTokens = InputTokens + OutputTokens when both are present.
type Usage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	TotalTokens         int64 `json:"totalTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
}

// Add accumulates counters from another usage block and keeps the total consistent.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationTokens += o.CacheCreationTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// RequestPatch carries the response-completion fields applied to a Request
// row exactly once.
type RequestPatch struct {
	RequestID    string
	ResponseBody json.RawMessage
	StatusCode   int
	Usage        Usage
	FirstTokenMs *int64
	DurationMs   int64
	ErrorMessage string
	ToolCalls    int
}

// Chunk is one teed server-sent event of a streaming Request. Indices for a
// request form a gap-free prefix 0..n.
type Chunk struct {
	RequestID  string    `json:"requestId"`
	ChunkIndex int       `json:"chunkIndex"`
	Timestamp  time.Time `json:"timestamp"`
	Data       []byte    `json:"data"`
	TokenCount int64     `json:"tokenCount"`
}

// --- Conversation linkage ---

// Linkage is the conversation placement the linker computes for a new Request.
type Linkage struct {
	ConversationID      string
	BranchID            string
	ParentRequestID     string
	ParentTaskRequestID string
	IsSubtask           bool
	MessageCount        int
	// ParentMessageHash is cleared for sub-tasks, which root a fresh branch.
	ParentMessageHash string
	// TaskToolInvocation holds the matched Task tool_use block for sub-tasks.
	TaskToolInvocation json.RawMessage
}

// BranchMain is the branch id assigned to the first line of a conversation.
const BranchMain = "main"

// LinkCandidate is a prior Request considered as a linkage parent during the
// hash look-back.
type LinkCandidate struct {
	RequestID      string
	ConversationID string
	BranchID       string
	MessageCount   int
	Timestamp      time.Time
}

// TaskCarrier is a prior Request whose response contains at least one Task
// tool_use block, fetched for the sub-task look-back.
type TaskCarrier struct {
	RequestID      string
	ConversationID string
	ResponseBody   json.RawMessage
	Timestamp      time.Time
}

// --- Analysis ---

// AnalysisStatus is the queue state of an Analysis row. Transitions are
// monotone along pending -> processing -> {completed, failed} between
// regeneration boundaries.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Analysis is one conversation/branch analysis job and its result. The table
// holding these rows doubles as the work queue.
type Analysis struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	BranchID       string          `json:"branchId"`
	Status         AnalysisStatus  `json:"status"`
	Model          string          `json:"model,omitempty"`
	Content        string          `json:"analysisContent,omitempty"`
	Data           json.RawMessage `json:"analysisData,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	RetryCount     int             `json:"retryCount"`

	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CustomPrompt string `json:"customPrompt,omitempty"`
}

// ConversationMessage is the flattened role/content form of one message,
// used by the analysis pipeline for truncation and prompt rendering.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AuditEntry is one append-only analysis audit record.
type AuditEntry struct {
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversationId"`
	BranchID       string          `json:"branchId"`
	Action         string          `json:"action"` // create, regenerate, claim, complete, fail
	Actor          string          `json:"actor"`  // "dashboard" or "worker"
	Details        json.RawMessage `json:"details,omitempty"`
	AnalysisID     string          `json:"analysisId,omitempty"`
}

// --- Credentials ---

// CredentialType distinguishes how a tenant authenticates upstream.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
)

// OAuthToken is the OAuth secret bundle held for an oauth-typed tenant.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Credential is the per-tenant credential set loaded from one file in the
// credentials directory. Exactly one credential exists per tenant.
type Credential struct {
	Domain    string         `json:"-"`
	Type      CredentialType `json:"type"`
	AccountID string         `json:"account_id"`
	// ClientKey is the shared secret presented by clients of this tenant.
	ClientKey string `json:"client_api_key"`
	// APIKey is the upstream secret for api_key-typed tenants.
	APIKey string      `json:"api_key,omitempty"`
	OAuth  *OAuthToken `json:"oauth,omitempty"`
}

// OAuthValid reports whether the OAuth access token is usable at now given
// the refresh lead: valid only while now < expires_at - lead.
func (c *Credential) OAuthValid(now time.Time, lead time.Duration) bool {
	if c.Type != CredentialOAuth || c.OAuth == nil {
		return false
	}
	return now.Before(c.OAuth.ExpiresAt.Add(-lead))
}

// --- Token accounting ---

// TokenWindowQuery selects a trailing usage window for one account.
type TokenWindowQuery struct {
	AccountID string
	Window    time.Duration
	Domain    string // optional
	Model     string // optional
}

// TokenWindow is the aggregate over [WindowEnd-Window, WindowEnd]. Only
// inference-typed Requests are counted.
type TokenWindow struct {
	WindowStart         time.Time `json:"windowStart"`
	WindowEnd           time.Time `json:"windowEnd"`
	InputTokens         int64     `json:"inputTokens"`
	OutputTokens        int64     `json:"outputTokens"`
	TotalTokens         int64     `json:"totalTokens"`
	RequestCount        int64     `json:"requestCount"`
	CacheCreationTokens int64     `json:"cacheCreationTokens"`
	CacheReadTokens     int64     `json:"cacheReadTokens"`
}

// DailyUsageQuery selects per-day aggregates for the trailing Days days.
type DailyUsageQuery struct {
	AccountID string
	Days      int
	Domain    string // optional
	Aggregate bool   // true collapses domains into one row per day
}

// DailyUsage is one per-day aggregate row.
type DailyUsage struct {
	Date         string `json:"date"` // YYYY-MM-DD (UTC)
	Domain       string `json:"domain,omitempty"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	TotalTokens  int64  `json:"totalTokens"`
	RequestCount int64  `json:"requestCount"`
}

// DomainTokenStats is the per-domain rollup behind GET /token-stats.
type DomainTokenStats struct {
	Domain       string `json:"domain"`
	RequestCount int64  `json:"requestCount"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	TotalTokens  int64  `json:"totalTokens"`
}

// --- Read API shapes ---

// RequestFilter narrows dashboard request listings.
type RequestFilter struct {
	Domain string
	Model  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// RequestSummary is the list-item projection of a Request (no bodies).
type RequestSummary struct {
	RequestID         string      `json:"requestId"`
	Domain            string      `json:"domain"`
	AccountID         string      `json:"accountId"`
	Timestamp         time.Time   `json:"timestamp"`
	Model             string      `json:"model"`
	RequestType       RequestType `json:"requestType"`
	ResponseStreaming bool        `json:"responseStreaming"`
	StatusCode        int         `json:"statusCode"`
	InputTokens       int64       `json:"inputTokens"`
	OutputTokens      int64       `json:"outputTokens"`
	TotalTokens       int64       `json:"totalTokens"`
	DurationMs        int64       `json:"durationMs"`
	ConversationID    string      `json:"conversationId,omitempty"`
	BranchID          string      `json:"branchId,omitempty"`
	MessageCount      int         `json:"messageCount"`
	IsSubtask         bool        `json:"isSubtask"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`
}

// ConversationFilter narrows dashboard conversation listings.
type ConversationFilter struct {
	Domain          string
	AccountID       string
	ExcludeSubtasks bool
	Limit           int
	Offset          int
}

// ConversationSummary is the list-item projection of a conversation.
type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	Domain         string    `json:"domain"`
	AccountID      string    `json:"accountId"`
	FirstRequestAt time.Time `json:"firstRequestAt"`
	LastRequestAt  time.Time `json:"lastRequestAt"`
	RequestCount   int64     `json:"requestCount"`
	BranchCount    int64     `json:"branchCount"`
	LatestModel    string    `json:"latestModel,omitempty"`
	TotalTokens    int64     `json:"totalTokens"`
	SubtaskCount   int64     `json:"subtaskCount"`
}

// ConversationDetail groups a conversation's Requests by branch.
type ConversationDetail struct {
	ConversationID string                      `json:"conversationId"`
	Domain         string                      `json:"domain"`
	AccountID      string                      `json:"accountId"`
	RequestCount   int64                       `json:"requestCount"`
	Branches       map[string][]RequestSummary `json:"branches"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Tenant field is set later by the proxy handler via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Tenant    string
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// TenantFromContext extracts the resolved tenant domain from context.
func TenantFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.Tenant
	}
	return ""
}

// ContextWithTenant stores the tenant in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithTenant(ctx context.Context, tenant string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Tenant = tenant
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Tenant: tenant})
}

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 hash of a shared secret. Both sides
// of a client-auth comparison are hashed first so the constant-time compare
// sees equal-length inputs.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
