package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// LookbackFloor returns the timestamp of the tenant's maxRequests-th most
// recent request. The linker combines it with the age bound so look-backs
// never scan more than the configured request count.
func (s *Store) LookbackFloor(ctx context.Context, domain string, maxRequests int) (time.Time, error) {
	defer s.slow(ctx, "lookback_floor", time.Now())
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp FROM api_requests
		 WHERE domain = $1
		 ORDER BY timestamp DESC, request_id DESC
		 OFFSET $2 LIMIT 1`,
		domain, maxRequests-1,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// LatestByCurrentHash finds the most recent request whose current hash equals
// hash. Returns nil when none matches within the window.
func (s *Store) LatestByCurrentHash(ctx context.Context, domain, hash string, since time.Time) (*scribe.LinkCandidate, error) {
	defer s.slow(ctx, "latest_by_current_hash", time.Now())
	var c scribe.LinkCandidate
	var convID, branchID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, conversation_id, branch_id, message_count, timestamp
		 FROM api_requests
		 WHERE domain = $1 AND current_message_hash = $2 AND timestamp >= $3
		 ORDER BY timestamp DESC, request_id DESC
		 LIMIT 1`,
		domain, hash, since.UTC(),
	).Scan(&c.RequestID, &convID, &branchID, &c.MessageCount, &c.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ConversationID = convID.String
	c.BranchID = branchID.String
	return &c, nil
}

// ParentClaimed reports whether some request already links to parentHash.
func (s *Store) ParentClaimed(ctx context.Context, domain, parentHash string) (bool, error) {
	defer s.slow(ctx, "parent_claimed", time.Now())
	var claimed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM api_requests
		   WHERE domain = $1 AND parent_message_hash = $2
		 )`,
		domain, parentHash,
	).Scan(&claimed)
	return claimed, err
}

// taskContainment is the JSONB containment pattern matching any response
// whose content array holds a Task tool_use block. The GIN index on
// response_body serves it.
const taskContainment = `{"content":[{"type":"tool_use","name":"Task"}]}`

// RecentTaskCarriers returns requests since the given time whose response
// carries at least one Task tool_use block, most recent first. Prompt
// comparison happens in the linker, which needs whitespace normalization the
// containment operator cannot express.
func (s *Store) RecentTaskCarriers(ctx context.Context, domain string, since time.Time, limit int) ([]scribe.TaskCarrier, error) {
	defer s.slow(ctx, "recent_task_carriers", time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, conversation_id, response_body, timestamp
		 FROM api_requests
		 WHERE domain = $1 AND timestamp >= $2 AND response_body @> $3::jsonb
		 ORDER BY timestamp DESC, request_id DESC
		 LIMIT $4`,
		domain, since.UTC(), taskContainment, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scribe.TaskCarrier
	for rows.Next() {
		var c scribe.TaskCarrier
		var convID sql.NullString
		var body []byte
		if err := rows.Scan(&c.RequestID, &convID, &body, &c.Timestamp); err != nil {
			return nil, err
		}
		c.ConversationID = convID.String
		c.ResponseBody = body
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountSubtasks counts requests spawned by the given Task-carrying request.
func (s *Store) CountSubtasks(ctx context.Context, parentTaskRequestID string) (int, error) {
	defer s.slow(ctx, "count_subtasks", time.Now())
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_requests WHERE parent_task_request_id = $1`,
		parentTaskRequestID,
	).Scan(&n)
	return n, err
}
