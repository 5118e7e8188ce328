package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 || bar.Volume != 0 {
		t.Error("expected zero OHLCV values for zero-value Bar")
	}

	intent := OrderIntent{}
	if intent.HasOCO() {
		t.Error("zero-value OrderIntent should not belong to an OCO group")
	}
	if intent.Debug() != nil {
		t.Error("zero-value OrderIntent should have no debug values")
	}

	// Verify enum constants are defined correctly.
	if SideBuy != "BUY" || SideSell != "SELL" {
		t.Errorf("sides = %q/%q, want BUY/SELL", SideBuy, SideSell)
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite should swap BUY and SELL")
	}
	if Side("buy").Valid() {
		t.Error("lower-case side should not be valid")
	}
}

func TestOrderIntentWindow(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	intent := OrderIntent{SignalTS: t0, OrderValidToTS: t0.Add(48 * time.Hour)}

	tests := []struct {
		ts   time.Time
		want bool
	}{
		{t0.Add(-time.Nanosecond), false},
		{t0, true},
		{t0.Add(24 * time.Hour), true},
		{t0.Add(48 * time.Hour), true},
		{t0.Add(48*time.Hour + time.Nanosecond), false},
	}
	for _, tt := range tests {
		if got := intent.InWindow(tt.ts); got != tt.want {
			t.Errorf("InWindow(%s) = %v, want %v", tt.ts, got, tt.want)
		}
	}
}

func TestOrderIntentDebugIsCopied(t *testing.T) {
	src := map[string]any{"dbg_atr": 1.5}
	intent := OrderIntent{IntentID: "i1"}.WithDebug(src)

	src["dbg_atr"] = 99.0
	if got := intent.Debug()["dbg_atr"]; got != 1.5 {
		t.Errorf("debug value after source mutation = %v, want 1.5", got)
	}

	view := intent.Debug()
	view["dbg_atr"] = 42.0
	if got := intent.Debug()["dbg_atr"]; got != 1.5 {
		t.Errorf("debug value after view mutation = %v, want 1.5", got)
	}
}

func TestPositionOpenAt(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	carried := Position{Symbol: "AAPL", Open: true}
	if !carried.OpenAt(t0) {
		t.Error("position carried into the run should be open")
	}

	opened := Position{Symbol: "AAPL", Open: true, OpenedAt: t0}
	if opened.OpenAt(t0.Add(-time.Hour)) {
		t.Error("position should not be open before OpenedAt")
	}
	if !opened.OpenAt(t0) {
		t.Error("position should be open at OpenedAt")
	}

	closed := Position{Symbol: "AAPL", OpenedAt: t0, ClosedAt: t0.Add(24 * time.Hour)}
	if !closed.OpenAt(t0.Add(time.Hour)) {
		t.Error("position should be open before ClosedAt")
	}
	if closed.OpenAt(t0.Add(24 * time.Hour)) {
		t.Error("position should not be open at ClosedAt")
	}

	if (Position{Symbol: "AAPL"}).OpenAt(t0) {
		t.Error("zero position should not be open")
	}
}

func TestNewSeriesValidation(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	good := Bar{Timestamp: t0, Open: 10, High: 11, Low: 9, Close: 10}

	tests := []struct {
		name string
		bars []Bar
	}{
		{"empty", nil},
		{"low above high", []Bar{{Timestamp: t0, Open: 10, High: 9, Low: 11, Close: 10}}},
		{"nan", []Bar{{Timestamp: t0, Open: math.NaN(), High: 11, Low: 9, Close: 10}}},
		{"inf volume", []Bar{{Timestamp: t0, Open: 10, High: 11, Low: 9, Close: 10, Volume: math.Inf(1)}}},
		{"negative low", []Bar{{Timestamp: t0, Open: 10, High: 11, Low: -1, Close: 10}}},
		{"no timestamp", []Bar{{Open: 10, High: 11, Low: 9, Close: 10}}},
		{"out of order", []Bar{{Timestamp: t0.Add(time.Hour), Open: 10, High: 11, Low: 9, Close: 10}, good}},
		{"foreign symbol", []Bar{{Symbol: "MSFT", Timestamp: t0, Open: 10, High: 11, Low: 9, Close: 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSeries("AAPL", tt.bars)
			if !errors.Is(err, ErrMalformedBars) {
				t.Fatalf("NewSeries error = %v, want ErrMalformedBars", err)
			}
		})
	}

	// Duplicate timestamps load; the scanner reports them.
	if _, err := NewSeries("AAPL", []Bar{good, good}); err != nil {
		t.Fatalf("NewSeries with duplicate timestamps: %v", err)
	}
}

func TestSeriesWindow(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var bars []Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, Bar{Timestamp: t0.AddDate(0, 0, i), Open: 10, High: 11, Low: 9, Close: 10})
	}
	s, err := NewSeries("AAPL", bars)
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}

	// Mutating the caller's slice must not leak into the series.
	bars[1].High = 1000

	window := s.Window(t0.AddDate(0, 0, 1), t0.AddDate(0, 0, 3))
	for pass := 0; pass < 2; pass++ {
		var got []time.Time
		for b := range window {
			if b.High != 11 {
				t.Errorf("pass %d: bar %s high = %v, want 11", pass, b.Timestamp, b.High)
			}
			got = append(got, b.Timestamp)
		}
		if len(got) != 3 {
			t.Fatalf("pass %d: window yielded %d bars, want 3", pass, len(got))
		}
		if !got[0].Equal(t0.AddDate(0, 0, 1)) || !got[2].Equal(t0.AddDate(0, 0, 3)) {
			t.Errorf("pass %d: window = %v", pass, got)
		}
	}

	first, last := s.Span()
	if !first.Equal(t0) || !last.Equal(t0.AddDate(0, 0, 4)) {
		t.Errorf("Span = %s..%s", first, last)
	}
	n := 0
	for range s.All() {
		n++
	}
	if n != 5 {
		t.Errorf("All yielded %d bars, want 5", n)
	}
}
