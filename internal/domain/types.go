// Package domain defines the value types shared across the fill engine: bars,
// order intents, OCO groups, positions, outcomes and audit records.
package domain

import (
	"maps"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of an order intent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side. Unknown sides are returned unchanged.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return s
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar represents a single OHLCV bar. Timestamps are UTC instants.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ---------------------------------------------------------------------------
// Order intents
// ---------------------------------------------------------------------------

// OrderIntent is the immutable order snapshot taken at signal time. It holds
// nothing whose value could only be known after SignalTS.
//
// SignalTS is the inclusive start of the trigger window (the bar after the
// pattern bar); OrderValidToTS is its inclusive end.
type OrderIntent struct {
	IntentID        string    `mapstructure:"intent_id" json:"intent_id"`
	Symbol          string    `mapstructure:"symbol" json:"symbol"`
	Side            Side      `mapstructure:"side" json:"side"`
	EntryPrice      float64   `mapstructure:"entry_price" json:"entry_price"`
	StopPrice       float64   `mapstructure:"stop_price" json:"stop_price,omitempty"`
	TakeProfitPrice float64   `mapstructure:"take_profit_price" json:"take_profit_price,omitempty"`
	SignalTS        time.Time `mapstructure:"signal_ts" json:"signal_ts"`
	OrderValidToTS  time.Time `mapstructure:"order_valid_to_ts" json:"order_valid_to_ts"`
	OCOGroupID      string    `mapstructure:"oco_group_id" json:"oco_group_id,omitempty"`
	StrategyID      string    `mapstructure:"strategy_id" json:"strategy_id,omitempty"`
	StrategyVersion string    `mapstructure:"strategy_version" json:"strategy_version,omitempty"`
	Timeframe       string    `mapstructure:"timeframe" json:"timeframe,omitempty"`

	debug map[string]any
}

// WithDebug returns a copy of the intent carrying the given signal-time debug
// values. The map is copied; later changes to it are not observed.
func (i OrderIntent) WithDebug(values map[string]any) OrderIntent {
	if len(values) == 0 {
		i.debug = nil
		return i
	}
	i.debug = maps.Clone(values)
	return i
}

// Debug returns a copy of the intent's dbg_* values.
func (i OrderIntent) Debug() map[string]any {
	if i.debug == nil {
		return nil
	}
	return maps.Clone(i.debug)
}

// HasOCO reports whether the intent is one leg of a bracket group.
func (i OrderIntent) HasOCO() bool {
	return i.OCOGroupID != ""
}

// InWindow reports whether ts lies inside [SignalTS, OrderValidToTS].
func (i OrderIntent) InWindow(ts time.Time) bool {
	return !ts.Before(i.SignalTS) && !ts.After(i.OrderValidToTS)
}

// OCOGroup is a bracket pair: one BUY leg and one SELL leg sharing an
// oco_group_id. At most one leg ever fills.
type OCOGroup struct {
	ID   string
	Buy  OrderIntent
	Sell OrderIntent
}

// Legs returns the legs in canonical order (BUY first).
func (g OCOGroup) Legs() []OrderIntent {
	return []OrderIntent{g.Buy, g.Sell}
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// Position is the per-symbol netting state. A zero OpenedAt means the
// position was already open before the simulated range; a zero ClosedAt
// means no exit has been recorded for it.
type Position struct {
	Symbol           string    `json:"symbol"`
	Open             bool      `json:"open"`
	OpenedByIntentID string    `json:"opened_by_intent_id"`
	OpenedAt         time.Time `json:"opened_at"`
	ClosedAt         time.Time `json:"closed_at,omitempty"`
}

// OpenAt reports whether the position counts as open at instant ts.
func (p Position) OpenAt(ts time.Time) bool {
	if !p.OpenedAt.IsZero() && ts.Before(p.OpenedAt) {
		return false
	}
	if !p.ClosedAt.IsZero() && !ts.Before(p.ClosedAt) {
		return false
	}
	return p.Open || !p.ClosedAt.IsZero()
}

// Exit is an externally recorded position close. The exit/stop/target
// simulation that produces it lives outside the fill engine.
type Exit struct {
	Symbol   string    `json:"symbol"`
	ClosedAt time.Time `json:"closed_at"`
}
