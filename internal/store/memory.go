package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fillsim/internal/domain"
)

// MemoryPositionBook tracks simulated positions in memory. It starts from the
// positions open before the run and applies an exit schedule recorded by the
// surrounding system: a position closes at the first exit for its symbol
// strictly after it opened.
//
// It satisfies the netting guard's position book and is safe for concurrent
// use across symbols.
type MemoryPositionBook struct {
	mu        sync.Mutex
	positions map[string][]domain.Position
	exits     map[string][]time.Time
}

// NewMemoryPositionBook creates a book holding initial and closing positions
// according to exits.
func NewMemoryPositionBook(initial []domain.Position, exits []domain.Exit) *MemoryPositionBook {
	b := &MemoryPositionBook{
		positions: make(map[string][]domain.Position),
		exits:     make(map[string][]time.Time),
	}
	for _, x := range exits {
		b.exits[x.Symbol] = append(b.exits[x.Symbol], x.ClosedAt.UTC())
	}
	for _, ts := range b.exits {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	for _, p := range initial {
		b.add(p)
	}
	return b
}

// OpenPosition returns the position open for symbol at instant at.
func (b *MemoryPositionBook) OpenPosition(_ context.Context, symbol string, at time.Time) (domain.Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.positions[symbol] {
		if p.OpenAt(at) {
			return p, true, nil
		}
	}
	return domain.Position{}, false, nil
}

// Open records a position opened by an admitted fill.
func (b *MemoryPositionBook) Open(_ context.Context, pos domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.add(pos)
	return nil
}

func (b *MemoryPositionBook) add(p domain.Position) {
	p.Open = true
	p.OpenedAt = p.OpenedAt.UTC()
	if p.ClosedAt.IsZero() {
		for _, ts := range b.exits[p.Symbol] {
			if p.OpenedAt.IsZero() || ts.After(p.OpenedAt) {
				p.ClosedAt = ts
				break
			}
		}
	}
	b.positions[p.Symbol] = append(b.positions[p.Symbol], p)
}

// Positions returns every position the book has seen, ordered by symbol and
// opening time.
func (b *MemoryPositionBook) Positions() []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Position
	for _, ps := range b.positions {
		out = append(out, ps...)
	}
	sortPositions(out)
	return out
}

// OpenPositions returns the positions still open after the last recorded
// exit, ordered by symbol.
func (b *MemoryPositionBook) OpenPositions() []domain.Position {
	var out []domain.Position
	for _, p := range b.Positions() {
		if p.ClosedAt.IsZero() {
			out = append(out, p)
		}
	}
	return out
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Symbol != ps[j].Symbol {
			return ps[i].Symbol < ps[j].Symbol
		}
		return ps[i].OpenedAt.Before(ps[j].OpenedAt)
	})
}
