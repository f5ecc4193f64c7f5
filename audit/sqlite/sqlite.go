// Package sqlite provides a SQLite-backed audit.Sink for diagnosing a
// long-lived connection after the fact. It records method names and
// timing/error metadata only, never request or response payloads, and
// is purely a diagnostic log: a restarted process always performs a
// fresh initialize handshake regardless of what this sink recorded.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fenwick-labs/mcprt/audit"
)

// Sink appends audit.Records to a local SQLite database.
type Sink struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path and ensures the audit
// table exists. WAL mode plus a busy timeout suits the workload: a
// single writer appending rows under concurrent readers.
func Open(ctx context.Context, path string) (*Sink, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping sqlite: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			method TEXT NOT NULL,
			request_id TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NOT NULL
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	return &Sink{db: db}, nil
}

// Record implements audit.Sink. Insert failures are swallowed (logged by
// the caller's own error handling is not appropriate here: the audit
// sink must never be able to fail the connection it's observing).
func (s *Sink) Record(r audit.Record) {
	_, _ = s.db.Exec(
		`INSERT INTO audit_records
			(time, direction, kind, method, request_id, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		string(r.Direction), string(r.Kind), r.Method, r.Id, r.DurationMS, r.Err,
	)
}

// Recent returns the most recently inserted records, newest first, for
// tooling that wants to tail the audit log.
func (s *Sink) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, direction, kind, method, request_id, duration_ms, error
		FROM audit_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r                    audit.Record
			timeStr, dir, kind   string
		)
		if err := rows.Scan(&timeStr, &dir, &kind, &r.Method, &r.Id, &r.DurationMS, &r.Err); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		r.Direction = audit.Direction(dir)
		r.Kind = audit.Kind(kind)
		if parsed, err := time.Parse("2006-01-02T15:04:05.000Z07:00", timeStr); err == nil {
			r.Time = parsed
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Sink) Close() error { return s.db.Close() }
