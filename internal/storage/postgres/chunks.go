package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// InsertChunks batch-inserts streaming chunks in a single multi-row INSERT.
// Callers keep same-request chunks in ascending index order. Conflicting rows
// are skipped so a replayed batch cannot poison the others.
func (s *Store) InsertChunks(ctx context.Context, chunks []scribe.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 5
	placeholders := make([]string, len(chunks))
	args := make([]any, 0, len(chunks)*cols)

	for i, c := range chunks {
		base := i * cols
		placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5)
		args = append(args, c.RequestID, c.ChunkIndex, c.Timestamp.UTC(), c.Data, c.TokenCount)
	}

	query := `INSERT INTO streaming_chunks (request_id, chunk_index, timestamp, data, token_count)
		VALUES ` + strings.Join(placeholders, ", ") +
		` ON CONFLICT (request_id, chunk_index) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ListChunks returns all chunks of a request in index order.
func (s *Store) ListChunks(ctx context.Context, requestID string) ([]scribe.Chunk, error) {
	defer s.slow(ctx, "list_chunks", time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, chunk_index, timestamp, data, token_count
		 FROM streaming_chunks WHERE request_id = $1 ORDER BY chunk_index`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scribe.Chunk
	for rows.Next() {
		var c scribe.Chunk
		if err := rows.Scan(&c.RequestID, &c.ChunkIndex, &c.Timestamp, &c.Data, &c.TokenCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
