package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fillsim/internal/domain"
)

// PositionBook is the netting state the guard reads and writes. It is
// symbol-scoped; implementations must be safe for concurrent use across
// symbols.
type PositionBook interface {
	// OpenPosition returns the position open for symbol at instant at.
	OpenPosition(ctx context.Context, symbol string, at time.Time) (domain.Position, bool, error)

	// Open records a position opened by an admitted fill.
	Open(ctx context.Context, pos domain.Position) error
}

// NettingGuard admits fills at the fill layer, refusing any fill that would
// open a second position in a symbol. Signal generation never consults it.
type NettingGuard struct {
	book PositionBook
	log  *slog.Logger
}

// NewNettingGuard creates a NettingGuard backed by book.
func NewNettingGuard(book PositionBook, log *slog.Logger) *NettingGuard {
	if log == nil {
		log = slog.Default()
	}
	return &NettingGuard{book: book, log: log}
}

// Admit turns a winning candidate into its final outcome. With no position
// open at the trigger bar the result is an EntryFill at the intent's entry
// price and a position is opened; otherwise it is a NettingRejected with no
// price. A rejection is a normal branch, not an error.
func (g *NettingGuard) Admit(ctx context.Context, c Candidate) (domain.Outcome, error) {
	intent := c.Intent
	ts := c.Trigger.BarTS

	pos, open, err := g.book.OpenPosition(ctx, intent.Symbol, ts)
	if err != nil {
		return nil, fmt.Errorf("reading position for %s: %w", intent.Symbol, err)
	}
	if open {
		g.log.Info("fill rejected by netting",
			"intent", intent.IntentID,
			"symbol", intent.Symbol,
			"side", string(intent.Side),
			"ts", ts,
			"open_by", pos.OpenedByIntentID,
		)
		return domain.NettingRejected{IntentID: intent.IntentID, FillTS: ts}, nil
	}

	err = g.book.Open(ctx, domain.Position{
		Symbol:           intent.Symbol,
		Open:             true,
		OpenedByIntentID: intent.IntentID,
		OpenedAt:         ts,
	})
	if err != nil {
		return nil, fmt.Errorf("opening position for %s: %w", intent.Symbol, err)
	}
	g.log.Info("fill admitted",
		"intent", intent.IntentID,
		"symbol", intent.Symbol,
		"side", string(intent.Side),
		"ts", ts,
		"price", c.Trigger.Price,
	)
	return domain.EntryFill{IntentID: intent.IntentID, FillTS: ts, FillPrice: c.Trigger.Price}, nil
}
