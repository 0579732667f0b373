package postgres

import (
	"context"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// AppendAudit writes one append-only analysis audit record.
func (s *Store) AppendAudit(ctx context.Context, e *scribe.AuditEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_audit_log (timestamp, conversation_id, branch_id, action, actor, details_json, analysis_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ts.UTC(), e.ConversationID, e.BranchID, e.Action, e.Actor,
		nullJSON(e.Details), nullStr(e.AnalysisID),
	)
	return err
}
