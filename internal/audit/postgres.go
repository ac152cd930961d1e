package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the audit_entries table. Execute it via
// [PostgresSink.Migrate] or apply it manually during deployment. The
// table is append-only: the application never updates or deletes rows.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq       BIGINT PRIMARY KEY,
    at        TIMESTAMPTZ NOT NULL,
    actor     TEXT NOT NULL,
    action    TEXT NOT NULL,
    resource  TEXT NOT NULL,
    severity  TEXT NOT NULL,
    detail    JSONB NOT NULL DEFAULT '{}',
    hash      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_resource ON audit_entries(resource);
CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
`

// DB is the database interface used by [PostgresSink]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink persists audit entries to a PostgreSQL table.
type PostgresSink struct {
	db DB
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink creates a sink using the given database connection or
// pool. The caller is responsible for calling [PostgresSink.Migrate] to
// ensure the schema exists before entries are written.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate executes the [Schema] DDL, creating the audit_entries table and
// indexes if they do not already exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}

	const query = `
		INSERT INTO audit_entries (seq, at, actor, action, resource, severity, detail, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	if _, err := s.db.Exec(ctx, query,
		e.Seq, e.Time, e.Actor, e.Action, e.Resource, e.Severity, detailJSON, e.Hash,
	); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Tail returns the most recent entries for a resource, newest first,
// limited to n rows.
func (s *PostgresSink) Tail(ctx context.Context, resource string, n int) ([]Entry, error) {
	const query = `
		SELECT seq, at, actor, action, resource, severity, detail, hash
		FROM audit_entries
		WHERE resource = $1
		ORDER BY seq DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, resource, n)
	if err != nil {
		return nil, fmt.Errorf("audit: tail: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			detailJSON []byte
		)
		if err := rows.Scan(&e.Seq, &e.Time, &e.Actor, &e.Action, &e.Resource, &e.Severity, &detailJSON, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("audit: unmarshal detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: tail rows: %w", err)
	}
	return entries, nil
}
