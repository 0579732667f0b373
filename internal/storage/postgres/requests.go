package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

const requestColumns = `request_id, domain, account_id, timestamp, model, request_type,
	request_body, response_body, status_code, response_streaming,
	input_tokens, output_tokens, total_tokens, cache_creation_tokens, cache_read_tokens,
	first_token_ms, duration_ms, error_message, tool_call_count,
	conversation_id, branch_id, message_count, parent_request_id,
	current_message_hash, parent_message_hash, system_hash,
	parent_task_request_id, is_subtask, task_tool_invocation, created_at`

// InsertRequest stores the pre-response Request row.
func (s *Store) InsertRequest(ctx context.Context, r *scribe.Request) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		         $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
		r.RequestID, r.Domain, r.AccountID, r.Timestamp.UTC(), r.Model, r.RequestType,
		nullJSON(r.RequestBody), nullJSON(r.ResponseBody), r.StatusCode, r.ResponseStreaming,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.CacheCreationTokens, r.CacheReadTokens,
		nullInt64(r.FirstTokenMs), r.DurationMs, nullStr(r.ErrorMessage), r.ToolCallCount,
		nullStr(r.ConversationID), nullStr(r.BranchID), r.MessageCount, nullStr(r.ParentRequestID),
		nullStr(r.CurrentMessageHash), nullStr(r.ParentMessageHash), nullStr(r.SystemHash),
		nullStr(r.ParentTaskRequestID), r.IsSubtask, nullJSON(r.TaskToolInvocation), createdAt,
	)
	return err
}

// PatchRequest fills the response-completion fields exactly once.
func (s *Store) PatchRequest(ctx context.Context, p scribe.RequestPatch) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_requests SET
		   response_body = $2, status_code = $3,
		   input_tokens = $4, output_tokens = $5, total_tokens = $6,
		   cache_creation_tokens = $7, cache_read_tokens = $8,
		   first_token_ms = $9, duration_ms = $10,
		   error_message = $11, tool_call_count = $12
		 WHERE request_id = $1`,
		p.RequestID, nullJSON(p.ResponseBody), p.StatusCode,
		p.Usage.InputTokens, p.Usage.OutputTokens, p.Usage.TotalTokens,
		p.Usage.CacheCreationTokens, p.Usage.CacheReadTokens,
		nullInt64(p.FirstTokenMs), p.DurationMs,
		nullStr(p.ErrorMessage), p.ToolCalls,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request")
}

// GetRequest returns the full row including bodies.
func (s *Store) GetRequest(ctx context.Context, id string) (*scribe.Request, error) {
	defer s.slow(ctx, "get_request", time.Now())
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM api_requests WHERE request_id = $1`, id)
	return scanRequest(row)
}

// ListRequests returns a page of request summaries plus the unpaged total.
func (s *Store) ListRequests(ctx context.Context, f scribe.RequestFilter) ([]scribe.RequestSummary, int, error) {
	defer s.slow(ctx, "list_requests", time.Now())

	where, args := requestsWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT request_id, domain, account_id, timestamp, model, request_type,
		response_streaming, status_code, input_tokens, output_tokens, total_tokens,
		duration_ms, conversation_id, branch_id, message_count, is_subtask, error_message
		FROM api_requests%s ORDER BY timestamp DESC, request_id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []scribe.RequestSummary
	for rows.Next() {
		var r scribe.RequestSummary
		var convID, branchID, errMsg sql.NullString
		err := rows.Scan(
			&r.RequestID, &r.Domain, &r.AccountID, &r.Timestamp, &r.Model, &r.RequestType,
			&r.ResponseStreaming, &r.StatusCode, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.DurationMs, &convID, &branchID, &r.MessageCount, &r.IsSubtask, &errMsg,
		)
		if err != nil {
			return nil, 0, err
		}
		r.ConversationID = convID.String
		r.BranchID = branchID.String
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_requests`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func requestsWhere(f scribe.RequestFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Domain != "" {
		add("domain = $%d", f.Domain)
	}
	if f.Model != "" {
		add("model = $%d", f.Model)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("timestamp < $%d", f.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRequest(sc scanner) (*scribe.Request, error) {
	var r scribe.Request
	var requestBody, responseBody, taskInvocation []byte
	var firstTokenMs sql.NullInt64
	var errMsg, convID, branchID, parentID, currentHash, parentHash, systemHash, parentTaskID sql.NullString

	err := sc.Scan(
		&r.RequestID, &r.Domain, &r.AccountID, &r.Timestamp, &r.Model, &r.RequestType,
		&requestBody, &responseBody, &r.StatusCode, &r.ResponseStreaming,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CacheCreationTokens, &r.CacheReadTokens,
		&firstTokenMs, &r.DurationMs, &errMsg, &r.ToolCallCount,
		&convID, &branchID, &r.MessageCount, &parentID,
		&currentHash, &parentHash, &systemHash,
		&parentTaskID, &r.IsSubtask, &taskInvocation, &r.CreatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.RequestBody = requestBody
	r.ResponseBody = responseBody
	r.TaskToolInvocation = taskInvocation
	if firstTokenMs.Valid {
		r.FirstTokenMs = &firstTokenMs.Int64
	}
	r.ErrorMessage = errMsg.String
	r.ConversationID = convID.String
	r.BranchID = branchID.String
	r.ParentRequestID = parentID.String
	r.CurrentMessageHash = currentHash.String
	r.ParentMessageHash = parentHash.String
	r.SystemHash = systemHash.String
	r.ParentTaskRequestID = parentTaskID.String
	return &r, nil
}
