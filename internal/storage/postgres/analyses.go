package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	scribe "github.com/eugener/scribe/internal"
)

const analysisColumns = `id, conversation_id, branch_id, status, model,
	analysis_content, analysis_data, error_message, retry_count,
	prompt_tokens, completion_tokens, created_at, updated_at,
	generated_at, completed_at, custom_prompt`

// CreateAnalysis inserts a pending row. Returns scribe.ErrConflict when the
// conversation/branch already has one.
func (s *Store) CreateAnalysis(ctx context.Context, a *scribe.Analysis) error {
	a.Status = scribe.AnalysisPending
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversation_analyses (id, conversation_id, branch_id, status, custom_prompt)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		a.ID, a.ConversationID, a.BranchID, a.Status, nullStr(a.CustomPrompt),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return conflictErr(err)
}

// conflictErr translates a unique violation to scribe.ErrConflict.
func conflictErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return scribe.ErrConflict
	}
	return err
}

// GetAnalysis returns the analysis row for a conversation/branch.
func (s *Store) GetAnalysis(ctx context.Context, conversationID, branchID string) (*scribe.Analysis, error) {
	defer s.slow(ctx, "get_analysis", time.Now())
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM conversation_analyses
		 WHERE conversation_id = $1 AND branch_id = $2`,
		conversationID, branchID)
	return scanAnalysis(row)
}

// ClaimAnalyses atomically claims up to limit due pending rows, oldest-first,
// skipping rows locked by concurrent workers.
func (s *Store) ClaimAnalyses(ctx context.Context, limit int) ([]*scribe.Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE conversation_analyses
		 SET status = 'processing', updated_at = now()
		 WHERE id IN (
		   SELECT id FROM conversation_analyses
		   WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
		   ORDER BY created_at
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+analysisColumns,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scribe.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompleteAnalysis finalizes a processing row with the analysis result.
func (s *Store) CompleteAnalysis(ctx context.Context, a *scribe.Analysis) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversation_analyses SET
		   status = 'completed', model = $2, analysis_content = $3, analysis_data = $4,
		   prompt_tokens = $5, completion_tokens = $6, error_message = NULL,
		   generated_at = now(), completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		a.ID, nullStr(a.Model), nullStr(a.Content), nullJSON(a.Data),
		a.PromptTokens, a.CompletionTokens,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "analysis")
}

// RetryAnalysis returns a processing row to pending after a transient failure.
// The row stays invisible to claims until nextRetryAt.
func (s *Store) RetryAnalysis(ctx context.Context, id, errText string, nextRetryAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversation_analyses SET
		   status = 'pending', retry_count = retry_count + 1,
		   error_message = $2, next_retry_at = $3, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, nullStr(errText), nextRetryAt.UTC(),
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "analysis")
}

// FailAnalysis marks a processing row failed after its last attempt.
func (s *Store) FailAnalysis(ctx context.Context, id, errText string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversation_analyses SET
		   status = 'failed', retry_count = retry_count + 1,
		   error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, nullStr(errText),
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "analysis")
}

// RegenerateAnalysis replaces any existing row for the conversation/branch
// with a fresh pending one in a single transaction.
func (s *Store) RegenerateAnalysis(ctx context.Context, a *scribe.Analysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_analyses WHERE conversation_id = $1 AND branch_id = $2`,
		a.ConversationID, a.BranchID,
	); err != nil {
		return err
	}

	a.Status = scribe.AnalysisPending
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO conversation_analyses (id, conversation_id, branch_id, status, custom_prompt)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		a.ID, a.ConversationID, a.BranchID, a.Status, nullStr(a.CustomPrompt),
	).Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseStuckAnalyses requeues processing rows whose last update precedes
// cutoff and that still have retry budget; the rest are failed.
func (s *Store) ReleaseStuckAnalyses(ctx context.Context, cutoff time.Time, maxRetries int) (requeued, failed int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE conversation_analyses SET
		   status = 'pending', retry_count = retry_count + 1,
		   next_retry_at = NULL, updated_at = now()
		 WHERE status = 'processing' AND updated_at < $1 AND retry_count < $2`,
		cutoff.UTC(), maxRetries,
	)
	if err != nil {
		return 0, 0, err
	}
	requeued, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE conversation_analyses SET
		   status = 'failed', retry_count = retry_count + 1,
		   error_message = COALESCE(error_message, 'stuck in processing'),
		   completed_at = now(), updated_at = now()
		 WHERE status = 'processing' AND updated_at < $1 AND retry_count >= $2`,
		cutoff.UTC(), maxRetries,
	)
	if err != nil {
		return 0, 0, err
	}
	failed, _ = res.RowsAffected()

	return requeued, failed, tx.Commit()
}

func scanAnalysis(sc scanner) (*scribe.Analysis, error) {
	var a scribe.Analysis
	var model, content, errMsg, customPrompt sql.NullString
	var data []byte
	var generatedAt, completedAt sql.NullTime

	err := sc.Scan(
		&a.ID, &a.ConversationID, &a.BranchID, &a.Status, &model,
		&content, &data, &errMsg, &a.RetryCount,
		&a.PromptTokens, &a.CompletionTokens, &a.CreatedAt, &a.UpdatedAt,
		&generatedAt, &completedAt, &customPrompt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.Model = model.String
	a.Content = content.String
	a.Data = data
	a.ErrorMessage = errMsg.String
	a.CustomPrompt = customPrompt.String
	a.GeneratedAt = nullTimePtr(generatedAt)
	a.CompletedAt = nullTimePtr(completedAt)
	return &a, nil
}
