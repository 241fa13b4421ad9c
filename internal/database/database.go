// Package database keeps the session journal: status transitions and
// diagnostics of the current run, in an SQLite database that lives in memory.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// DefaultDSN is a named in-memory database shared by the pool's connections
const DefaultDSN = "file:wakeomatic?mode=memory&cache=shared"

// Journal records pipeline events for the debug API
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// TransitionRecord represents a status transition stored in the journal
type TransitionRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Cycle     int       `json:"cycle"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Action    string    `json:"action"`
}

// DiagnosticRecord represents a diagnostic stored in the journal
type DiagnosticRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}

// New opens the journal database
func New(dsn string, logger *zap.Logger) (*Journal, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The in-memory database disappears with its last connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// Migrate creates the journal tables
func (j *Journal) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS status_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			cycle INTEGER NOT NULL DEFAULT 0,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			action TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_session ON status_transitions(session_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostics_session ON diagnostics(session_id, id DESC)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	j.logger.Debug("Journal migrations completed")
	return nil
}

var _ pipeline.EventHandler = (*Journal)(nil)

// OnStatus records the transition; failures are logged
func (j *Journal) OnStatus(event *pipeline.StatusEvent) {
	if err := j.RecordTransition(context.Background(), event); err != nil {
		j.logger.Warn("Failed to journal status transition", zap.Error(err))
	}
}

// OnDiagnostic records the diagnostic; failures are logged
func (j *Journal) OnDiagnostic(event *pipeline.DiagnosticEvent) {
	if err := j.RecordDiagnostic(context.Background(), event); err != nil {
		j.logger.Warn("Failed to journal diagnostic", zap.Error(err))
	}
}

// RecordTransition saves a status transition
func (j *Journal) RecordTransition(ctx context.Context, event *pipeline.StatusEvent) error {
	query := `INSERT INTO status_transitions (session_id, at, cycle, from_status, to_status, action)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query, event.SessionID, toMillis(event.Timestamp), event.Cycle,
		event.Previous.String(), event.Status.String(), event.Action)
	if err != nil {
		return fmt.Errorf("failed to save status transition: %w", err)
	}
	return nil
}

// RecordDiagnostic saves a diagnostic
func (j *Journal) RecordDiagnostic(ctx context.Context, event *pipeline.DiagnosticEvent) error {
	query := `INSERT INTO diagnostics (session_id, at, kind, detail) VALUES (?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query, event.SessionID, toMillis(event.Timestamp), string(event.Kind), event.Detail)
	if err != nil {
		return fmt.Errorf("failed to save diagnostic: %w", err)
	}
	return nil
}

// ListTransitions returns the newest transitions first. An empty sessionID
// lists all sessions; limit <= 0 means 100.
func (j *Journal) ListTransitions(ctx context.Context, sessionID string, limit int) ([]*TransitionRecord, error) {
	query := `SELECT id, session_id, at, cycle, from_status, to_status, action
		FROM status_transitions WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, sessionID, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list status transitions: %w", err)
	}
	defer rows.Close()

	records := make([]*TransitionRecord, 0)
	for rows.Next() {
		var rec TransitionRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &at, &rec.Cycle, &rec.From, &rec.To, &rec.Action); err != nil {
			return nil, fmt.Errorf("failed to scan status transition: %w", err)
		}
		rec.At = fromMillis(at)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// ListDiagnostics returns the newest diagnostics first, optionally filtered by kind
func (j *Journal) ListDiagnostics(ctx context.Context, sessionID, kind string, limit int) ([]*DiagnosticRecord, error) {
	query := `SELECT id, session_id, at, kind, COALESCE(detail, '')
		FROM diagnostics WHERE (? = '' OR session_id = ?) AND (? = '' OR kind = ?)
		ORDER BY id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, sessionID, sessionID, kind, kind, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnostics: %w", err)
	}
	defer rows.Close()

	records := make([]*DiagnosticRecord, 0)
	for rows.Next() {
		var rec DiagnosticRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &at, &rec.Kind, &rec.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		rec.At = fromMillis(at)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// DiagnosticCounts returns the number of diagnostics per kind
func (j *Journal) DiagnosticCounts(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM diagnostics WHERE (? = '' OR session_id = ?) GROUP BY kind`,
		sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count diagnostics: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
