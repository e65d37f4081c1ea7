// Package audit records confirmation decisions on classified mutating
// statements: what was proposed, who decided, and how execution went. It is
// a compliance trail, not conversation persistence.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

// Decision is the lifecycle stage of a gated statement.
type Decision string

const (
	DecisionProposed  Decision = "proposed"
	DecisionConfirmed Decision = "confirmed"
	DecisionCancelled Decision = "cancelled"
)

// Entry is one audit record.
type Entry struct {
	ID           string
	UserID       int
	Username     string
	Application  domain.Application
	Operation    domain.Intent
	Statement    string
	Decision     Decision
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// Store is a SQLite-backed audit trail.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS confirmation_audit (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			application TEXT NOT NULL,
			operation TEXT NOT NULL,
			statement TEXT NOT NULL,
			decision TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 1,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmation_audit_user ON confirmation_audit(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmation_audit_decision ON confirmation_audit(decision)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record writes one entry. Missing id and timestamp are filled in.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmation_audit
			(id, user_id, username, application, operation, statement, decision, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Username, string(e.Application), string(e.Operation),
		e.Statement, string(e.Decision), boolToInt(e.Success), e.ErrorMessage, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// History returns the most recent entries for a user, newest first.
func (s *Store) History(ctx context.Context, userID int, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, username, application, operation, statement, decision, success, error_message, created_at
		FROM confirmation_audit
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var app, op, decision string
		var success int
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &app, &op, &e.Statement, &decision, &success, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Application = domain.Application(app)
		e.Operation = domain.Intent(op)
		e.Decision = Decision(decision)
		e.Success = success != 0
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
