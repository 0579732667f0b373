package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	scribe "github.com/eugener/scribe/internal"
)

// maxDashboardBody is the maximum allowed dashboard request body size (1 MB).
const maxDashboardBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxDashboardBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid_request_error", "invalid request body"))
		return false
	}
	return true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseFromTo validates optional from/to RFC3339 query params. Malformed
// values are rejected upfront rather than silently matching nothing.
func parseFromTo(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid_request_error", "invalid from format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid_request_error", "invalid to format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	return from, to, true
}

// --- Token stats ---

func (s *server) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		s.writeError(w, r, scribe.ErrStorageDisabled)
		return
	}
	stats, err := s.deps.Tokens.DomainStats(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []scribe.DomainTokenStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// --- Requests ---

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, to, ok := parseFromTo(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, limit := parsePagination(r)

	items, total, err := store.ListRequests(r.Context(), scribe.RequestFilter{
		Domain: q.Get("domain"),
		Model:  q.Get("model"),
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []scribe.RequestSummary{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       items,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

// requestDetail is the full-row projection with its streamed chunks.
type requestDetail struct {
	*scribe.Request
	Chunks []scribe.Chunk `json:"chunks"`
}

func (s *server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")

	req, err := store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chunks, err := store.ListChunks(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []scribe.Chunk{}
	}
	writeJSON(w, http.StatusOK, requestDetail{Request: req, Chunks: chunks})
}

// --- Conversations ---

func (s *server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	offset, limit := parsePagination(r)

	items, total, err := store.ListConversations(r.Context(), scribe.ConversationFilter{
		Domain:          q.Get("domain"),
		AccountID:       q.Get("accountId"),
		ExcludeSubtasks: q.Get("excludeSubtasks") == "true",
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []scribe.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       items,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// --- Token usage ---

func (s *server) handleTokenUsageCurrent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		s.writeError(w, r, scribe.ErrStorageDisabled)
		return
	}
	q := r.URL.Query()
	windowMinutes, _ := strconv.Atoi(q.Get("window"))

	win, err := s.deps.Tokens.Window(r.Context(), scribe.TokenWindowQuery{
		AccountID: q.Get("accountId"),
		Window:    time.Duration(windowMinutes) * time.Minute,
		Domain:    q.Get("domain"),
		Model:     q.Get("model"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func (s *server) handleTokenUsageDaily(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		s.writeError(w, r, scribe.ErrStorageDisabled)
		return
	}
	q := r.URL.Query()
	days, _ := strconv.Atoi(q.Get("days"))

	rows, err := s.deps.Tokens.Daily(r.Context(), scribe.DailyUsageQuery{
		AccountID: q.Get("accountId"),
		Days:      days,
		Domain:    q.Get("domain"),
		Aggregate: q.Get("aggregate") == "true",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []scribe.DailyUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// --- Analyses ---

// analysisRequest is the payload for creating or regenerating an analysis.
type analysisRequest struct {
	ConversationID string `json:"conversationId"`
	BranchID       string `json:"branchId,omitempty"`
	CustomPrompt   string `json:"customPrompt,omitempty"`
}

// handleCreateAnalysis enqueues a pending analysis row. No existence check on
// the conversation: its rows may still be in the write pipeline, so a check
// here would spuriously reject fresh conversations. The worker retries a
// branch that has not landed yet.
func (s *server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req analysisRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid_request_error", "conversationId is required"))
		return
	}
	if req.BranchID == "" {
		req.BranchID = scribe.BranchMain
	}

	a := &scribe.Analysis{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: req.ConversationID,
		BranchID:       req.BranchID,
		CustomPrompt:   req.CustomPrompt,
	}
	if err := store.CreateAnalysis(r.Context(), a); err != nil {
		if errors.Is(err, scribe.ErrConflict) {
			// The queue holds at most one row per branch; hand back the one
			// already there.
			existing, getErr := store.GetAnalysis(r.Context(), req.ConversationID, req.BranchID)
			if getErr == nil {
				writeJSON(w, http.StatusConflict, existing)
				return
			}
		}
		s.writeError(w, r, err)
		return
	}
	s.audit(r, store, "create", a)
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := store.GetAnalysis(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "branchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleRegenerateAnalysis replaces any existing row for the branch with a
// fresh pending one. The optional body carries a new custom prompt.
func (s *server) handleRegenerateAnalysis(w http.ResponseWriter, r *http.Request) {
	store, err := s.dataStore()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req analysisRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	a := &scribe.Analysis{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: chi.URLParam(r, "conversationID"),
		BranchID:       chi.URLParam(r, "branchID"),
		CustomPrompt:   req.CustomPrompt,
	}
	if err := store.RegenerateAnalysis(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, store, "regenerate", a)
	writeJSON(w, http.StatusCreated, a)
}

// auditStore is the append surface the dashboard writes its trail to.
type auditStore interface {
	AppendAudit(ctx context.Context, e *scribe.AuditEntry) error
}

// audit best-effort appends a dashboard action to the analysis audit log.
func (s *server) audit(r *http.Request, store auditStore, action string, a *scribe.Analysis) {
	e := &scribe.AuditEntry{
		Timestamp:      time.Now().UTC(),
		ConversationID: a.ConversationID,
		BranchID:       a.BranchID,
		Action:         action,
		Actor:          "dashboard",
		AnalysisID:     a.ID,
	}
	if a.CustomPrompt != "" {
		if raw, err := json.Marshal(map[string]bool{"customPrompt": true}); err == nil {
			e.Details = raw
		}
	}
	if err := store.AppendAudit(r.Context(), e); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "audit append failed",
			slog.String("action", action),
			slog.String("analysis_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}
