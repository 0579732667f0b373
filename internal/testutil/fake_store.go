package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// FakeStore is an in-memory implementation of storage.Store. Request rows,
// chunks, analyses, and audit entries behave like the real store; aggregate
// reads return the scriptable fields below.
type FakeStore struct {
	mu       sync.RWMutex
	requests map[string]*scribe.Request
	chunks   map[string][]scribe.Chunk
	analyses map[string]*scribe.Analysis
	audits   []scribe.AuditEntry

	// Scripted results for aggregate reads.
	Conversations []scribe.ConversationSummary
	ConvDetails   map[string]*scribe.ConversationDetail
	Window        *scribe.TokenWindow
	Daily         []scribe.DailyUsage
	Stats         []scribe.DomainTokenStats

	// Err, when set, fails every data call.
	Err error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		requests: make(map[string]*scribe.Request),
		chunks:   make(map[string][]scribe.Chunk),
		analyses: make(map[string]*scribe.Analysis),
	}
}

func analysisKey(conversationID, branchID string) string {
	return conversationID + "/" + branchID
}

// --- RequestStore ---

// InsertRequest stores a request row.
func (s *FakeStore) InsertRequest(_ context.Context, r *scribe.Request) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.requests[r.RequestID] = r
	s.mu.Unlock()
	return nil
}

// PatchRequest applies completion fields to a stored row.
func (s *FakeStore) PatchRequest(_ context.Context, p scribe.RequestPatch) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[p.RequestID]
	if !ok {
		return scribe.ErrNotFound
	}
	r.ResponseBody = p.ResponseBody
	r.StatusCode = p.StatusCode
	r.Usage = p.Usage
	r.FirstTokenMs = p.FirstTokenMs
	r.DurationMs = p.DurationMs
	r.ErrorMessage = p.ErrorMessage
	r.ToolCallCount = p.ToolCalls
	return nil
}

// InsertChunks appends chunks to their request's list.
func (s *FakeStore) InsertChunks(_ context.Context, chunks []scribe.Chunk) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	for _, c := range chunks {
		s.chunks[c.RequestID] = append(s.chunks[c.RequestID], c)
	}
	s.mu.Unlock()
	return nil
}

// GetRequest looks up a request by id.
func (s *FakeStore) GetRequest(_ context.Context, id string) (*scribe.Request, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	r, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, scribe.ErrNotFound
	}
	return r, nil
}

// ListRequests returns stored rows newest-first with the filter applied.
func (s *FakeStore) ListRequests(_ context.Context, f scribe.RequestFilter) ([]scribe.RequestSummary, int, error) {
	if s.Err != nil {
		return nil, 0, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []scribe.RequestSummary
	for _, r := range s.requests {
		if f.Domain != "" && r.Domain != f.Domain {
			continue
		}
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		if !f.From.IsZero() && r.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.Timestamp.After(f.To) {
			continue
		}
		all = append(all, summarize(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, total, nil
}

// ListChunks returns a request's chunks in insert order.
func (s *FakeStore) ListChunks(_ context.Context, requestID string) ([]scribe.Chunk, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scribe.Chunk(nil), s.chunks[requestID]...), nil
}

func summarize(r *scribe.Request) scribe.RequestSummary {
	return scribe.RequestSummary{
		RequestID:         r.RequestID,
		Domain:            r.Domain,
		AccountID:         r.AccountID,
		Timestamp:         r.Timestamp,
		Model:             r.Model,
		RequestType:       r.RequestType,
		ResponseStreaming: r.ResponseStreaming,
		StatusCode:        r.StatusCode,
		InputTokens:       r.InputTokens,
		OutputTokens:      r.OutputTokens,
		TotalTokens:       r.TotalTokens,
		DurationMs:        r.DurationMs,
		ConversationID:    r.ConversationID,
		BranchID:          r.BranchID,
		MessageCount:      r.MessageCount,
		IsSubtask:         r.IsSubtask,
		ErrorMessage:      r.ErrorMessage,
	}
}

// --- ConversationStore ---

// ListConversations returns the scripted summaries.
func (s *FakeStore) ListConversations(_ context.Context, _ scribe.ConversationFilter) ([]scribe.ConversationSummary, int, error) {
	if s.Err != nil {
		return nil, 0, s.Err
	}
	return s.Conversations, len(s.Conversations), nil
}

// GetConversation returns the scripted detail for id.
func (s *FakeStore) GetConversation(_ context.Context, id string) (*scribe.ConversationDetail, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.ConvDetails[id]
	if !ok {
		return nil, scribe.ErrNotFound
	}
	return d, nil
}

// LatestRequestInBranch scans stored rows for the newest one in the branch.
func (s *FakeStore) LatestRequestInBranch(_ context.Context, conversationID, branchID string) (*scribe.Request, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *scribe.Request
	for _, r := range s.requests {
		if r.ConversationID != conversationID || r.BranchID != branchID {
			continue
		}
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	if latest == nil {
		return nil, scribe.ErrNotFound
	}
	return latest, nil
}

// --- TokenStore ---

// TokenWindow returns the scripted window, or an empty one spanning the query.
func (s *FakeStore) TokenWindow(_ context.Context, q scribe.TokenWindowQuery) (*scribe.TokenWindow, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Window != nil {
		return s.Window, nil
	}
	now := time.Now().UTC()
	return &scribe.TokenWindow{WindowStart: now.Add(-q.Window), WindowEnd: now}, nil
}

// DailyUsage returns the scripted rows.
func (s *FakeStore) DailyUsage(_ context.Context, _ scribe.DailyUsageQuery) ([]scribe.DailyUsage, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Daily, nil
}

// DomainTokenStats returns the scripted rows.
func (s *FakeStore) DomainTokenStats(_ context.Context, _ string) ([]scribe.DomainTokenStats, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Stats, nil
}

// --- AnalysisStore ---

// CreateAnalysis inserts a pending row, or ErrConflict if one exists.
func (s *FakeStore) CreateAnalysis(_ context.Context, a *scribe.Analysis) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := analysisKey(a.ConversationID, a.BranchID)
	if _, ok := s.analyses[key]; ok {
		return scribe.ErrConflict
	}
	a.Status = scribe.AnalysisPending
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.analyses[key] = a
	return nil
}

// GetAnalysis looks up the row for a conversation/branch.
func (s *FakeStore) GetAnalysis(_ context.Context, conversationID, branchID string) (*scribe.Analysis, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	a, ok := s.analyses[analysisKey(conversationID, branchID)]
	s.mu.RUnlock()
	if !ok {
		return nil, scribe.ErrNotFound
	}
	return a, nil
}

// RegenerateAnalysis replaces any existing row for the conversation/branch.
func (s *FakeStore) RegenerateAnalysis(_ context.Context, a *scribe.Analysis) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	a.Status = scribe.AnalysisPending
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.analyses[analysisKey(a.ConversationID, a.BranchID)] = a
	s.mu.Unlock()
	return nil
}

// --- AuditStore ---

// AppendAudit records an audit entry.
func (s *FakeStore) AppendAudit(_ context.Context, e *scribe.AuditEntry) error {
	s.mu.Lock()
	s.audits = append(s.audits, *e)
	s.mu.Unlock()
	return nil
}

// Audits returns the recorded audit entries in append order.
func (s *FakeStore) Audits() []scribe.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scribe.AuditEntry(nil), s.audits...)
}

// --- Stubs for the remaining Store interfaces ---

func (s *FakeStore) LookbackFloor(context.Context, string, int) (time.Time, error) {
	return time.Time{}, nil
}
func (s *FakeStore) LatestByCurrentHash(context.Context, string, string, time.Time) (*scribe.LinkCandidate, error) {
	return nil, nil
}
func (s *FakeStore) ParentClaimed(context.Context, string, string) (bool, error) { return false, nil }
func (s *FakeStore) RecentTaskCarriers(context.Context, string, time.Time, int) ([]scribe.TaskCarrier, error) {
	return nil, nil
}
func (s *FakeStore) CountSubtasks(context.Context, string) (int, error)             { return 0, nil }
func (s *FakeStore) ClaimAnalyses(context.Context, int) ([]*scribe.Analysis, error) { return nil, nil }
func (s *FakeStore) CompleteAnalysis(context.Context, *scribe.Analysis) error       { return nil }
func (s *FakeStore) RetryAnalysis(context.Context, string, string, time.Time) error { return nil }
func (s *FakeStore) FailAnalysis(context.Context, string, string) error             { return nil }
func (s *FakeStore) ReleaseStuckAnalyses(context.Context, time.Time, int) (int64, int64, error) {
	return 0, 0, nil
}
func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
