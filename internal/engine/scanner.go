package engine

import (
	"fmt"
	"iter"
	"time"

	"fillsim/internal/domain"
)

// Trigger is the scanner's candidate for one intent: the first bar inside
// the intent's window that satisfies its side condition.
type Trigger struct {
	Found bool
	BarTS time.Time
	Price float64
}

// Before reports whether t fired strictly earlier than other. A trigger that
// was not found is never before anything.
func (t Trigger) Before(other Trigger) bool {
	if !t.Found {
		return false
	}
	if !other.Found {
		return true
	}
	return t.BarTS.Before(other.BarTS)
}

// Triggered reports whether a resting stop-style entry at price fires
// inside bar: BUY on high >= price, SELL on low <= price.
func Triggered(side domain.Side, price float64, bar domain.Bar) bool {
	switch side {
	case domain.SideBuy:
		return bar.High >= price
	case domain.SideSell:
		return bar.Low <= price
	}
	return false
}

// Scan walks bars in order and returns the earliest trigger inside
// [SignalTS, OrderValidToTS]. Bars before SignalTS are skipped and the walk
// stops at the first bar after OrderValidToTS, so nothing outside the window
// can influence the result. A result with Found == false means the intent
// expires.
func Scan(intent domain.OrderIntent, bars iter.Seq[domain.Bar]) (Trigger, error) {
	if !intent.Side.Valid() {
		return Trigger{}, fmt.Errorf("%w: %q", ErrInvalidSide, intent.Side)
	}
	if intent.OrderValidToTS.Before(intent.SignalTS) {
		return Trigger{}, ErrInvalidWindow
	}

	var prev time.Time
	seen := false
	for bar := range bars {
		ts := bar.Timestamp
		if seen && !ts.Before(intent.SignalTS) {
			switch {
			case ts.Equal(prev):
				return Trigger{}, fmt.Errorf("%w: %s at %s", ErrDuplicateBar, intent.Symbol, ts.UTC().Format(time.RFC3339Nano))
			case ts.Before(prev):
				return Trigger{}, fmt.Errorf("%w: %s at %s", ErrBarOrder, intent.Symbol, ts.UTC().Format(time.RFC3339Nano))
			}
		}
		prev, seen = ts, true

		if !intent.InWindow(ts) {
			if ts.Before(intent.SignalTS) {
				continue
			}
			break
		}
		if Triggered(intent.Side, intent.EntryPrice, bar) {
			return Trigger{
				Found: true,
				BarTS: ts.UTC(),
				Price: intent.EntryPrice,
			}, nil
		}
	}
	return Trigger{}, nil
}
