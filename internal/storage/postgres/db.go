// Package postgres implements the storage interfaces on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	scribe "github.com/eugener/scribe/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db        *sql.DB
	slowAfter time.Duration
}

// Options tune the connection pool and read-path logging.
type Options struct {
	MaxOpenConns       int
	SlowQueryThreshold time.Duration
}

// New opens a PostgreSQL pool, verifies connectivity, runs embedded
// migrations, and returns a Store.
func New(ctx context.Context, url string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return NewWithDB(db, opts), nil
}

// NewWithDB wraps an existing pool without running migrations.
func NewWithDB(db *sql.DB, opts Options) *Store {
	return &Store{db: db, slowAfter: opts.SlowQueryThreshold}
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(ctx)
	return err
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// slow logs read queries that exceed the configured threshold. Use as
// defer s.slow(ctx, "list_requests", time.Now()).
func (s *Store) slow(ctx context.Context, query string, started time.Time) {
	if s.slowAfter <= 0 {
		return
	}
	if elapsed := time.Since(started); elapsed >= s.slowAfter {
		slog.LogAttrs(ctx, slog.LevelWarn, "slow query",
			slog.String("query", query),
			slog.Duration("elapsed", elapsed),
		)
	}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to scribe.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return scribe.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, scribe.ErrNotFound)
	}
	return nil
}

// helpers

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullJSON maps empty JSON payloads to NULL so JSONB columns never hold ''.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
