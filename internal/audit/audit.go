// Package audit persists a per-request trail of proxied traffic to SQLite.
// Recording happens after the reply is written, so the store is never on the
// request path.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one proxied request as recorded in the trail.
type Entry struct {
	ID            string
	CorrelationID string
	TenantID      string
	UserID        string
	Service       string
	Method        string
	Path          string
	Status        int
	Outcome       string
	Duration      time.Duration
	CreatedAt     time.Time
}

// Recorder accepts audit entries. The gateway takes this interface so
// auditing can be disabled without branching at every call site.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// NopRecorder discards everything. Used when no storage path is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error { return nil }
func (NopRecorder) Close() error                        { return nil }

// Store is the SQLite-backed recorder.
type Store struct {
	db *sql.DB
}

var _ Recorder = (*Store)(nil)

// NewStore opens (or creates) the audit database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS proxied_requests (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			tenant_id TEXT,
			user_id TEXT,
			service TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proxied_requests_correlation
			ON proxied_requests(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proxied_requests_service_created
			ON proxied_requests(service, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts one entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var tenantID, userID sql.NullString
	if e.TenantID != "" {
		tenantID = sql.NullString{String: e.TenantID, Valid: true}
	}
	if e.UserID != "" {
		userID = sql.NullString{String: e.UserID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxied_requests (
			id, correlation_id, tenant_id, user_id, service, method, path,
			status, outcome, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CorrelationID, tenantID, userID, e.Service, e.Method, e.Path,
		e.Status, e.Outcome, e.Duration.Milliseconds(), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, tenant_id, user_id, service, method, path,
			status, outcome, duration_ms, created_at
		FROM proxied_requests
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var tenantID, userID sql.NullString
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.CorrelationID, &tenantID, &userID,
			&e.Service, &e.Method, &e.Path, &e.Status, &e.Outcome,
			&durationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.TenantID = tenantID.String
		e.UserID = userID.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
