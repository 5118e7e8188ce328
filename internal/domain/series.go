package domain

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"
)

// ErrMalformedBars is wrapped by every bar-series validation failure.
var ErrMalformedBars = errors.New("malformed bars")

// Series is the read-only, timestamp-ordered bar history of one symbol.
// Duplicate timestamps are kept as loaded; the scanner reports them for the
// intents whose window covers them.
type Series struct {
	symbol string
	bars   []Bar
}

// NewSeries validates bars and returns a Series holding a private copy.
// Timestamps must be non-decreasing and every bar must have finite,
// non-negative values with Low <= High.
func NewSeries(symbol string, bars []Bar) (*Series, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s", ErrMalformedBars, symbol)
	}
	own := make([]Bar, len(bars))
	for i, b := range bars {
		if b.Symbol != "" && b.Symbol != symbol {
			return nil, fmt.Errorf("%w: %s bar %d belongs to %s", ErrMalformedBars, symbol, i, b.Symbol)
		}
		if b.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: %s bar %d has no timestamp", ErrMalformedBars, symbol, i)
		}
		for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s bar at %s has a non-finite value", ErrMalformedBars, symbol, b.Timestamp.UTC().Format(time.RFC3339))
			}
			if v < 0 {
				return nil, fmt.Errorf("%w: %s bar at %s has a negative value", ErrMalformedBars, symbol, b.Timestamp.UTC().Format(time.RFC3339))
			}
		}
		if b.Low > b.High {
			return nil, fmt.Errorf("%w: %s bar at %s has low %v above high %v", ErrMalformedBars, symbol, b.Timestamp.UTC().Format(time.RFC3339), b.Low, b.High)
		}
		if i > 0 && b.Timestamp.Before(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: %s bars out of order at index %d", ErrMalformedBars, symbol, i)
		}
		b.Symbol = symbol
		b.Timestamp = b.Timestamp.UTC()
		own[i] = b
	}
	return &Series{symbol: symbol, bars: own}, nil
}

// Symbol returns the series symbol.
func (s *Series) Symbol() string { return s.symbol }

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// Span returns the first and last bar timestamps.
func (s *Series) Span() (time.Time, time.Time) {
	return s.bars[0].Timestamp, s.bars[len(s.bars)-1].Timestamp
}

// All returns a sequence over every bar.
func (s *Series) All() iter.Seq[Bar] {
	return s.Window(s.bars[0].Timestamp, s.bars[len(s.bars)-1].Timestamp)
}

// Window returns a lazy sequence over the bars with from <= ts <= to. Each
// call yields a fresh sequence; ranging over it twice gives the same bars.
func (s *Series) Window(from, to time.Time) iter.Seq[Bar] {
	start := sort.Search(len(s.bars), func(i int) bool {
		return !s.bars[i].Timestamp.Before(from)
	})
	return func(yield func(Bar) bool) {
		for i := start; i < len(s.bars); i++ {
			if s.bars[i].Timestamp.After(to) {
				return
			}
			if !yield(s.bars[i]) {
				return
			}
		}
	}
}
