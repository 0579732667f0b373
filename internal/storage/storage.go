// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// RequestStore persists proxied requests and their streaming chunks.
type RequestStore interface {
	InsertRequest(ctx context.Context, r *scribe.Request) error
	// PatchRequest fills the response-completion fields of an existing row.
	PatchRequest(ctx context.Context, p scribe.RequestPatch) error
	// InsertChunks batch-inserts chunks; callers order same-request chunks by
	// ascending index.
	InsertChunks(ctx context.Context, chunks []scribe.Chunk) error
	GetRequest(ctx context.Context, id string) (*scribe.Request, error)
	ListRequests(ctx context.Context, f scribe.RequestFilter) ([]scribe.RequestSummary, int, error)
	ListChunks(ctx context.Context, requestID string) ([]scribe.Chunk, error)
}

// LinkStore serves the conversation linker's bounded look-backs. Lookup
// methods return nil (not an error) when nothing matches.
type LinkStore interface {
	// LookbackFloor returns the timestamp of the tenant's maxRequests-th most
	// recent request, or the zero time when fewer exist.
	LookbackFloor(ctx context.Context, domain string, maxRequests int) (time.Time, error)
	// LatestByCurrentHash finds the most recent request at or after since
	// whose current_message_hash equals hash. Ties break by timestamp, then
	// request id.
	LatestByCurrentHash(ctx context.Context, domain, hash string, since time.Time) (*scribe.LinkCandidate, error)
	// ParentClaimed reports whether any request already links to the given
	// parent hash.
	ParentClaimed(ctx context.Context, domain, parentHash string) (bool, error)
	// RecentTaskCarriers returns requests at or after since whose response
	// contains a Task tool_use block, most recent first.
	RecentTaskCarriers(ctx context.Context, domain string, since time.Time, limit int) ([]scribe.TaskCarrier, error)
	CountSubtasks(ctx context.Context, parentTaskRequestID string) (int, error)
}

// ConversationStore serves conversation-grained reads.
type ConversationStore interface {
	ListConversations(ctx context.Context, f scribe.ConversationFilter) ([]scribe.ConversationSummary, int, error)
	GetConversation(ctx context.Context, id string) (*scribe.ConversationDetail, error)
	// LatestRequestInBranch returns the newest request of a branch with its
	// full bodies, which carry the whole message history.
	LatestRequestInBranch(ctx context.Context, conversationID, branchID string) (*scribe.Request, error)
}

// TokenStore serves token accounting aggregations.
type TokenStore interface {
	TokenWindow(ctx context.Context, q scribe.TokenWindowQuery) (*scribe.TokenWindow, error)
	DailyUsage(ctx context.Context, q scribe.DailyUsageQuery) ([]scribe.DailyUsage, error)
	DomainTokenStats(ctx context.Context, domain string) ([]scribe.DomainTokenStats, error)
}

// AnalysisStore manages the analysis table, which doubles as the work queue.
type AnalysisStore interface {
	// CreateAnalysis inserts a pending row; scribe.ErrConflict when one
	// already exists for the conversation/branch.
	CreateAnalysis(ctx context.Context, a *scribe.Analysis) error
	GetAnalysis(ctx context.Context, conversationID, branchID string) (*scribe.Analysis, error)
	// ClaimAnalyses atomically moves up to limit due pending rows to
	// processing, skipping rows locked by other sessions, and returns them
	// oldest-first.
	ClaimAnalyses(ctx context.Context, limit int) ([]*scribe.Analysis, error)
	CompleteAnalysis(ctx context.Context, a *scribe.Analysis) error
	// RetryAnalysis returns a processing row to pending with an incremented
	// retry count; the row is not claimable again before nextRetryAt.
	RetryAnalysis(ctx context.Context, id, errText string, nextRetryAt time.Time) error
	FailAnalysis(ctx context.Context, id, errText string) error
	// RegenerateAnalysis atomically replaces any existing row for the
	// conversation/branch with the given fresh pending row.
	RegenerateAnalysis(ctx context.Context, a *scribe.Analysis) error
	// ReleaseStuckAnalyses requeues processing rows older than cutoff that
	// still have retry budget and fails the rest.
	ReleaseStuckAnalyses(ctx context.Context, cutoff time.Time, maxRetries int) (requeued, failed int64, err error)
}

// AuditStore appends analysis audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *scribe.AuditEntry) error
}

// Store combines all storage interfaces.
type Store interface {
	RequestStore
	LinkStore
	ConversationStore
	TokenStore
	AnalysisStore
	AuditStore
	Ping(ctx context.Context) error
	Close() error
}
