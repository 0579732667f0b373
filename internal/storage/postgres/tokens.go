package postgres

import (
	"context"
	"fmt"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

// TokenWindow aggregates inference usage over the trailing window ending now.
// A single index range-scan; no materialization.
func (s *Store) TokenWindow(ctx context.Context, q scribe.TokenWindowQuery) (*scribe.TokenWindow, error) {
	defer s.slow(ctx, "token_window", time.Now())

	end := time.Now().UTC()
	start := end.Add(-q.Window)

	query := `SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(total_tokens), 0), COUNT(*),
		COALESCE(SUM(cache_creation_tokens), 0), COALESCE(SUM(cache_read_tokens), 0)
		FROM api_requests
		WHERE account_id = $1 AND request_type = 'inference' AND timestamp >= $2 AND timestamp <= $3`
	args := []any{q.AccountID, start, end}
	if q.Domain != "" {
		args = append(args, q.Domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		query += fmt.Sprintf(" AND model = $%d", len(args))
	}

	w := &scribe.TokenWindow{WindowStart: start, WindowEnd: end}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&w.InputTokens, &w.OutputTokens, &w.TotalTokens, &w.RequestCount,
		&w.CacheCreationTokens, &w.CacheReadTokens,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// DailyUsage aggregates inference usage per UTC day for the trailing q.Days
// days, optionally split per domain.
func (s *Store) DailyUsage(ctx context.Context, q scribe.DailyUsageQuery) ([]scribe.DailyUsage, error) {
	defer s.slow(ctx, "daily_usage", time.Now())

	days := q.Days
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	var query string
	args := []any{q.AccountID, since}
	domainFilter := ""
	if q.Domain != "" {
		args = append(args, q.Domain)
		domainFilter = fmt.Sprintf(" AND domain = $%d", len(args))
	}

	if q.Aggregate {
		query = `SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0), COUNT(*)
			FROM api_requests
			WHERE account_id = $1 AND request_type = 'inference' AND timestamp >= $2` + domainFilter + `
			GROUP BY day ORDER BY day DESC`
	} else {
		query = `SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, domain,
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0), COUNT(*)
			FROM api_requests
			WHERE account_id = $1 AND request_type = 'inference' AND timestamp >= $2` + domainFilter + `
			GROUP BY day, domain ORDER BY day DESC, domain`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scribe.DailyUsage
	for rows.Next() {
		var d scribe.DailyUsage
		if q.Aggregate {
			err = rows.Scan(&d.Date, &d.InputTokens, &d.OutputTokens, &d.TotalTokens, &d.RequestCount)
		} else {
			err = rows.Scan(&d.Date, &d.Domain, &d.InputTokens, &d.OutputTokens, &d.TotalTokens, &d.RequestCount)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DomainTokenStats aggregates all recorded usage per domain. Pass an empty
// domain for every tenant.
func (s *Store) DomainTokenStats(ctx context.Context, domain string) ([]scribe.DomainTokenStats, error) {
	defer s.slow(ctx, "domain_token_stats", time.Now())

	query := `SELECT domain, COUNT(*), COALESCE(SUM(input_tokens), 0),
		COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM api_requests`
	var args []any
	if domain != "" {
		query += " WHERE domain = $1"
		args = append(args, domain)
	}
	query += " GROUP BY domain ORDER BY domain"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scribe.DomainTokenStats
	for rows.Next() {
		var d scribe.DomainTokenStats
		if err := rows.Scan(&d.Domain, &d.RequestCount, &d.InputTokens, &d.OutputTokens, &d.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
