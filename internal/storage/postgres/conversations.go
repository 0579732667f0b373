package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// ListConversations aggregates requests into conversation summaries, newest
// activity first.
func (s *Store) ListConversations(ctx context.Context, f scribe.ConversationFilter) ([]scribe.ConversationSummary, int, error) {
	defer s.slow(ctx, "list_conversations", time.Now())

	where, args := conversationsWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT conversation_id,
		MIN(domain) AS domain,
		MIN(account_id) AS account_id,
		MIN(timestamp) AS first_request_at,
		MAX(timestamp) AS last_request_at,
		COUNT(*) AS request_count,
		COUNT(DISTINCT branch_id) AS branch_count,
		(array_agg(model ORDER BY timestamp DESC))[1] AS latest_model,
		COALESCE(SUM(total_tokens), 0) AS total_tokens,
		COUNT(*) FILTER (WHERE is_subtask) AS subtask_count
		FROM api_requests%s
		GROUP BY conversation_id
		ORDER BY last_request_at DESC
		LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []scribe.ConversationSummary
	for rows.Next() {
		var c scribe.ConversationSummary
		var model sql.NullString
		err := rows.Scan(&c.ConversationID, &c.Domain, &c.AccountID,
			&c.FirstRequestAt, &c.LastRequestAt, &c.RequestCount, &c.BranchCount,
			&model, &c.TotalTokens, &c.SubtaskCount)
		if err != nil {
			return nil, 0, err
		}
		c.LatestModel = model.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT conversation_id) FROM api_requests`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func conversationsWhere(f scribe.ConversationFilter) (string, []any) {
	clauses := []string{"conversation_id IS NOT NULL"}
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Domain != "" {
		add("domain = $%d", f.Domain)
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.ExcludeSubtasks {
		clauses = append(clauses, "NOT is_subtask")
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetConversation returns a conversation's requests grouped by branch.
func (s *Store) GetConversation(ctx context.Context, id string) (*scribe.ConversationDetail, error) {
	defer s.slow(ctx, "get_conversation", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, domain, account_id, timestamp, model, request_type,
		 response_streaming, status_code, input_tokens, output_tokens, total_tokens,
		 duration_ms, conversation_id, branch_id, message_count, is_subtask, error_message
		 FROM api_requests
		 WHERE conversation_id = $1
		 ORDER BY timestamp ASC, request_id ASC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	detail := &scribe.ConversationDetail{
		ConversationID: id,
		Branches:       make(map[string][]scribe.RequestSummary),
	}
	for rows.Next() {
		var r scribe.RequestSummary
		var convID, branchID, errMsg sql.NullString
		err := rows.Scan(
			&r.RequestID, &r.Domain, &r.AccountID, &r.Timestamp, &r.Model, &r.RequestType,
			&r.ResponseStreaming, &r.StatusCode, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.DurationMs, &convID, &branchID, &r.MessageCount, &r.IsSubtask, &errMsg,
		)
		if err != nil {
			return nil, err
		}
		r.ConversationID = convID.String
		r.BranchID = branchID.String
		r.ErrorMessage = errMsg.String

		branch := r.BranchID
		if branch == "" {
			branch = scribe.BranchMain
		}
		detail.Branches[branch] = append(detail.Branches[branch], r)
		detail.RequestCount++
		detail.Domain = r.Domain
		detail.AccountID = r.AccountID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if detail.RequestCount == 0 {
		return nil, scribe.ErrNotFound
	}
	return detail, nil
}

// LatestRequestInBranch returns the newest request of a branch. Its request
// body carries the whole message history, so the analysis worker needs only
// this one row.
func (s *Store) LatestRequestInBranch(ctx context.Context, conversationID, branchID string) (*scribe.Request, error) {
	defer s.slow(ctx, "latest_request_in_branch", time.Now())
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM api_requests
		 WHERE conversation_id = $1 AND branch_id = $2
		 ORDER BY timestamp DESC, request_id DESC
		 LIMIT 1`,
		conversationID, branchID)
	r, err := scanRequest(row)
	if errors.Is(err, scribe.ErrNotFound) {
		return nil, fmt.Errorf("branch %s/%s: %w", conversationID, branchID, scribe.ErrNotFound)
	}
	return r, err
}
