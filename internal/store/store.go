// Package store defines storage interfaces for the inputs and outputs of a
// fill simulation run: SignalFrame bars, position state and the audit
// mirror.
package store

import (
	"context"
	"errors"
	"time"

	"fillsim/internal/domain"
)

var (
	// ErrMalformedFrame marks a SignalFrame that cannot be simulated against.
	ErrMalformedFrame = errors.New("malformed signal frame")

	// ErrAuditExists is returned when audit rows for a run id already exist.
	// Audit rows are never rewritten.
	ErrAuditExists = errors.New("audit records already exist for run")
)

// BarStore retrieves OHLCV bars from SignalFrame files.
type BarStore interface {
	// ReadBars returns bars for the given symbol and timeframe within
	// [start, end], in file order.
	ReadBars(ctx context.Context, symbol string, timeframe string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available for the timeframe.
	ListSymbols(ctx context.Context, timeframe string) ([]string, error)
}

// PositionStore persists the open-position snapshot between runs.
type PositionStore interface {
	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// SavePositions replaces the snapshot with the given open positions.
	SavePositions(ctx context.Context, positions []domain.Position) error
}

// ExitStore holds the exit schedule recorded by the surrounding system.
type ExitStore interface {
	// ListExits returns every recorded exit ordered by symbol and time.
	ListExits(ctx context.Context) ([]domain.Exit, error)

	// SaveExit records one exit. Saving the same exit twice is a no-op.
	SaveExit(ctx context.Context, exit domain.Exit) error
}

// AuditStore mirrors the audit trail of each run.
type AuditStore interface {
	// AppendAudit stores the records of a run in order. It fails with
	// ErrAuditExists if the run already has records.
	AppendAudit(ctx context.Context, runID string, records []domain.AuditRecord) error

	// ListAudit returns the records of a run in the order they were written.
	ListAudit(ctx context.Context, runID string) ([]domain.AuditRecord, error)
}
