package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fillsim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ PositionStore = (*SQLiteStore)(nil)
var _ ExitStore = (*SQLiteStore)(nil)
var _ AuditStore = (*SQLiteStore)(nil)

// SQLiteStore implements PositionStore, ExitStore, and AuditStore backed by
// a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// migrations create the schema. Audit rows are protected by triggers so that
// nothing can rewrite or remove them once stored.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		symbol              TEXT PRIMARY KEY,
		opened_by_intent_id TEXT NOT NULL DEFAULT '',
		opened_at           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS position_exits (
		symbol    TEXT NOT NULL,
		closed_at TEXT NOT NULL,
		PRIMARY KEY (symbol, closed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		run_id       TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		intent_id    TEXT NOT NULL,
		outcome_kind TEXT NOT NULL,
		ts           TEXT NOT NULL,
		price        TEXT NOT NULL,
		reason       TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TRIGGER IF NOT EXISTS audit_records_no_update
		BEFORE UPDATE ON audit_records
		BEGIN SELECT RAISE(ABORT, 'audit records are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
		BEFORE DELETE ON audit_records
		BEGIN SELECT RAISE(ABORT, 'audit records are immutable'); END`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// ListPositions returns all open positions ordered by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, opened_by_intent_id, opened_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var openedAt string
		if err := rows.Scan(&p.Symbol, &p.OpenedByIntentID, &openedAt); err != nil {
			return nil, err
		}
		if p.OpenedAt, err = parseTime(openedAt); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		p.Open = true
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePositions replaces the snapshot with the given open positions in a
// single transaction.
func (s *SQLiteStore) SavePositions(ctx context.Context, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return err
	}
	for _, p := range positions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, opened_by_intent_id, opened_at) VALUES (?, ?, ?)`,
			p.Symbol, p.OpenedByIntentID, formatTime(p.OpenedAt))
		if err != nil {
			return fmt.Errorf("saving position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// ExitStore implementation
// ---------------------------------------------------------------------------

// ListExits returns every recorded exit ordered by symbol and time.
func (s *SQLiteStore) ListExits(ctx context.Context) ([]domain.Exit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, closed_at FROM position_exits ORDER BY symbol, closed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Exit
	for rows.Next() {
		var x domain.Exit
		var closedAt string
		if err := rows.Scan(&x.Symbol, &closedAt); err != nil {
			return nil, err
		}
		if x.ClosedAt, err = parseTime(closedAt); err != nil {
			return nil, fmt.Errorf("exit %s: %w", x.Symbol, err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// SaveExit records one exit.
func (s *SQLiteStore) SaveExit(ctx context.Context, exit domain.Exit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO position_exits (symbol, closed_at) VALUES (?, ?)`,
		exit.Symbol, formatTime(exit.ClosedAt))
	return err
}

// ---------------------------------------------------------------------------
// AuditStore implementation
// ---------------------------------------------------------------------------

// AppendAudit stores the records of a run in one transaction.
func (s *SQLiteStore) AppendAudit(ctx context.Context, runID string, records []domain.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrAuditExists, runID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_records (run_id, seq, intent_id, outcome_kind, ts, price, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		_, err := stmt.ExecContext(ctx, runID, i, r.IntentID, string(r.Kind),
			formatTime(r.TS), domain.FormatPrice(r.Price), r.Reason)
		if err != nil {
			return fmt.Errorf("audit row %d (%s): %w", i, r.IntentID, err)
		}
	}
	return tx.Commit()
}

// ListAudit returns the records of a run in write order.
func (s *SQLiteStore) ListAudit(ctx context.Context, runID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT intent_id, outcome_kind, ts, price, reason
		 FROM audit_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var kind, ts, price string
		if err := rows.Scan(&r.IntentID, &kind, &ts, &price, &r.Reason); err != nil {
			return nil, err
		}
		r.Kind = domain.OutcomeKind(kind)
		if r.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if r.Price, err = domain.ParsePrice(price); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Time helpers
// ---------------------------------------------------------------------------

// formatTime stores instants as RFC3339Nano UTC text; the zero time is empty.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
