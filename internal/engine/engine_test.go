package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fillsim/internal/domain"
	"fillsim/internal/store"
)

func symBar(sym string, n int, high, low float64) domain.Bar {
	b := hl(n, high, low)
	b.Symbol = sym
	return b
}

func seriesOf(t *testing.T, sym string, bars ...domain.Bar) *domain.Series {
	t.Helper()
	for i := range bars {
		bars[i].Symbol = sym
	}
	s, err := domain.NewSeries(sym, bars)
	require.NoError(t, err)
	return s
}

func ocoPair(id string, buyEntry, sellEntry float64, from, to int) []domain.OrderIntent {
	buy := intent(id+"-buy", domain.SideBuy, buyEntry, from, to)
	sell := intent(id+"-sell", domain.SideSell, sellEntry, from, to)
	buy.OCOGroupID, sell.OCOGroupID = id, id
	return []domain.OrderIntent{buy, sell}
}

type runOpts struct {
	positions []domain.Position
	exits     []domain.Exit
	workers   int
	sink      Sink
}

func runEngine(t *testing.T, series map[string]*domain.Series, intents []domain.OrderIntent, opts runOpts) (*Result, *store.MemoryPositionBook) {
	t.Helper()
	book := store.NewMemoryPositionBook(opts.positions, opts.exits)
	e := NewEngine(book, Config{MaxWorkers: opts.workers}, quietLogger())
	res, err := e.Run(context.Background(), series, intents, opts.sink)
	require.NoError(t, err)
	return res, book
}

// byID indexes outcomes by intent id.
func byID(outcomes []domain.Outcome) map[string]domain.Outcome {
	m := make(map[string]domain.Outcome, len(outcomes))
	for _, o := range outcomes {
		m[o.Intent()] = o
	}
	return m
}

func TestScenarioSameBarAmbiguity(t *testing.T) {
	s := mustSeries(t,
		hl(0, 99, 91), // pattern bar
		hl(1, 95, 92),
		hl(2, 101, 89), // both entries crossed
	)
	res, book := runEngine(t, map[string]*domain.Series{"AAPL": s}, ocoPair("g", 100, 90, 1, 2), runOpts{})

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, domain.AmbiguousNoFill{IntentID: "g-buy", BarTS: day(2)}, res.Outcomes[0])
	assert.Equal(t, domain.AmbiguousNoFill{IntentID: "g-sell", BarTS: day(2)}, res.Outcomes[1])
	assert.Empty(t, book.Positions(), "ambiguity must not open a position")
}

func TestScenarioStrictlyEarlierLegWins(t *testing.T) {
	s := mustSeries(t,
		hl(1, 101, 95),
		hl(2, 95, 89),
	)
	res, book := runEngine(t, map[string]*domain.Series{"AAPL": s}, ocoPair("g", 100, 90, 1, 2), runOpts{})

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, domain.EntryFill{IntentID: "g-buy", FillTS: day(1), FillPrice: 100}, res.Outcomes[0])
	assert.Equal(t, domain.OcoCancelled{IntentID: "g-sell", CancelTS: day(1)}, res.Outcomes[1])

	positions := book.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "g-buy", positions[0].OpenedByIntentID)
}

func TestScenarioNettingRejection(t *testing.T) {
	s := mustSeries(t,
		hl(1, 95, 92),
		hl(2, 99, 93),
		hl(3, 102, 97),
	)
	res, _ := runEngine(t, map[string]*domain.Series{"AAPL": s},
		[]domain.OrderIntent{intent("a", domain.SideBuy, 100, 1, 3)},
		runOpts{positions: []domain.Position{{Symbol: "AAPL", Open: true}}},
	)

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.NettingRejected{IntentID: "a", FillTS: day(3)}, res.Outcomes[0])
}

func TestScenarioWindowExpiry(t *testing.T) {
	s := mustSeries(t,
		hl(1, 95, 92),
		hl(2, 99, 93),
		hl(3, 150, 50), // after the window
	)
	res, _ := runEngine(t, map[string]*domain.Series{"AAPL": s},
		[]domain.OrderIntent{intent("a", domain.SideBuy, 100, 1, 2)},
		runOpts{},
	)

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.Expired{IntentID: "a", WindowEnd: day(2)}, res.Outcomes[0])
}

// multiSymbolInput builds a few symbols with a mix of outcome kinds.
func multiSymbolInput(t *testing.T) (map[string]*domain.Series, []domain.OrderIntent) {
	t.Helper()
	series := make(map[string]*domain.Series)
	var intents []domain.OrderIntent
	for i, sym := range []string{"TSLA", "AAPL", "NVDA", "MSFT", "AMZN", "META"} {
		shift := float64(i)
		series[sym] = seriesOf(t, sym,
			symBar(sym, 1, 95+shift, 92),
			symBar(sym, 2, 101+shift, 89),
			symBar(sym, 3, 104, 85+shift),
			symBar(sym, 4, 110, 80),
		)
		for _, in := range ocoPair(sym+"-g", 100, 90, 1, 4) {
			in.Symbol = sym
			intents = append(intents, in)
		}
		single := intent(sym+"-s", domain.SideBuy, 103, 2, 3)
		single.Symbol = sym
		intents = append(intents, single)
	}
	return series, intents
}

func TestDeterminismAcrossWorkerCounts(t *testing.T) {
	series, intents := multiSymbolInput(t)

	base, _ := runEngine(t, series, intents, runOpts{workers: 1})
	for _, workers := range []int{2, 4, 16} {
		// Shuffle input order deterministically; it must not matter either.
		reversed := make([]domain.OrderIntent, len(intents))
		for i, in := range intents {
			reversed[len(intents)-1-i] = in
		}
		got, _ := runEngine(t, series, reversed, runOpts{workers: workers})
		assert.Equal(t, base.Outcomes, got.Outcomes, "workers=%d", workers)
	}
}

func TestSinkReceivesSymbolsInOrder(t *testing.T) {
	series, intents := multiSymbolInput(t)

	var mu sync.Mutex
	var seen []string
	_, _ = runEngine(t, series, intents, runOpts{
		workers: 8,
		sink: func(r SymbolResult) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, r.Symbol)
			return nil
		},
	})
	assert.True(t, sort.StringsAreSorted(seen), "sink order %v", seen)
	assert.Len(t, seen, len(series))
}

func TestSinkErrorStopsRun(t *testing.T) {
	series, intents := multiSymbolInput(t)
	boom := errors.New("audit full")
	e := NewEngine(store.NewMemoryPositionBook(nil, nil), Config{MaxWorkers: 3}, quietLogger())
	_, err := e.Run(context.Background(), series, intents, func(SymbolResult) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestMidRunFailuresAreIsolated(t *testing.T) {
	dup := seriesOf(t, "AAPL",
		symBar("AAPL", 1, 95, 92),
		symBar("AAPL", 2, 95, 92),
		symBar("AAPL", 2, 95, 92),
		symBar("AAPL", 3, 101, 92),
	)
	clean := seriesOf(t, "MSFT", symBar("MSFT", 1, 101, 95))

	bad := intent("dup", domain.SideBuy, 100, 1, 3)
	early := intent("before-dup", domain.SideBuy, 94, 1, 1)
	backwards := intent("backwards", domain.SideSell, 90, 3, 1)
	msft := intent("msft", domain.SideBuy, 100, 1, 1)
	msft.Symbol = "MSFT"
	ghost := intent("ghost", domain.SideBuy, 100, 1, 1)
	ghost.Symbol = "NFLX"
	triple := ocoPair("tri", 100, 90, 1, 3)
	third := intent("tri-extra", domain.SideBuy, 105, 1, 3)
	third.OCOGroupID = "tri"

	intents := append([]domain.OrderIntent{bad, early, backwards, msft, ghost, third}, triple...)
	res, _ := runEngine(t, map[string]*domain.Series{"AAPL": dup, "MSFT": clean}, intents, runOpts{})

	failed := make(map[string]error)
	for _, f := range res.Failures {
		failed[f.IntentID] = f.Err
	}
	assert.ErrorIs(t, failed["dup"], ErrDuplicateBar)
	assert.ErrorIs(t, failed["backwards"], ErrInvalidWindow)
	assert.ErrorIs(t, failed["ghost"], ErrUnknownSymbol)
	for _, id := range []string{"tri-buy", "tri-sell", "tri-extra"} {
		assert.ErrorIs(t, failed[id], ErrOCOGroupSize, id)
	}

	out := byID(res.Outcomes)
	assert.Len(t, out, 2)
	assert.Equal(t, domain.KindEntryFill, out["before-dup"].Kind())
	assert.Equal(t, domain.KindEntryFill, out["msft"].Kind())

	ids := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		ids = append(ids, f.IntentID)
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestInvalidWindowWithoutBarsFailsOnlyItsIntent(t *testing.T) {
	aapl := seriesOf(t, "AAPL", symBar("AAPL", 1, 101, 95))
	ok := intent("ok", domain.SideBuy, 100, 1, 1)
	inverted := intent("inverted", domain.SideBuy, 100, 5, 1)
	inverted.Symbol = "MSFT"
	leg := ocoPair("inv", 100, 90, 5, 1)
	for i := range leg {
		leg[i].Symbol = "NVDA"
	}

	intents := append([]domain.OrderIntent{ok, inverted}, leg...)
	res, _ := runEngine(t, map[string]*domain.Series{"AAPL": aapl}, intents, runOpts{workers: 2})

	require.Len(t, res.Failures, 3)
	for _, f := range res.Failures {
		assert.ErrorIs(t, f, ErrInvalidWindow, f.IntentID)
		assert.NotErrorIs(t, f, ErrUnknownSymbol, f.IntentID)
	}
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.KindEntryFill, res.Outcomes[0].Kind())
}

func TestWorkerPanicBecomesError(t *testing.T) {
	series, intents := multiSymbolInput(t)
	e := NewEngine(store.NewMemoryPositionBook(nil, nil), Config{MaxWorkers: 2}, quietLogger())
	_, err := e.Run(context.Background(), series, intents, func(r SymbolResult) error {
		if r.Symbol == "MSFT" {
			panic("sink exploded")
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerPanic)
	assert.Contains(t, err.Error(), "sink exploded")
}

// barGrid enumerates every three-bar path over a small set of extremes.
func barGrid() [][3][2]float64 {
	highs := []float64{95, 100, 105}
	lows := []float64{85, 90, 95}
	var bars [][2]float64
	for _, h := range highs {
		for _, l := range lows {
			if l <= h {
				bars = append(bars, [2]float64{h, l})
			}
		}
	}
	var grid [][3][2]float64
	for _, a := range bars {
		for _, b := range bars {
			for _, c := range bars {
				grid = append(grid, [3][2]float64{a, b, c})
			}
		}
	}
	return grid
}

func gridSeries(t *testing.T, path [3][2]float64, after domain.Bar) *domain.Series {
	bars := []domain.Bar{hl(0, 200, 1)} // pattern bar that would trigger anything
	for i, hlPair := range path {
		bars = append(bars, hl(i+1, hlPair[0], hlPair[1]))
	}
	bars = append(bars, after)
	return mustSeries(t, bars...)
}

func TestOCOPropertiesOverBarGrid(t *testing.T) {
	intents := ocoPair("g", 100, 90, 1, 3)

	for _, path := range barGrid() {
		name := fmt.Sprint(path)
		s := gridSeries(t, path, hl(4, 200, 1))
		res, _ := runEngine(t, map[string]*domain.Series{"AAPL": s}, intents, runOpts{})
		require.Len(t, res.Outcomes, 2, name)
		require.Empty(t, res.Failures, name)
		out := byID(res.Outcomes)

		fills := 0
		var resolvedAt time.Time
		for _, o := range res.Outcomes {
			rec, err := domain.Record(o)
			require.NoError(t, err)
			if rec.IsTrade() {
				fills++
			}
			// Causality: nothing resolves outside the window.
			assert.False(t, rec.TS.Before(day(1)), name)
			assert.False(t, rec.TS.After(day(3)), name)
			if rec.TS.After(resolvedAt) {
				resolvedAt = rec.TS
			}
		}
		assert.LessOrEqual(t, fills, 1, "at most one fill: %s", name)

		// Ambiguity symmetry.
		buy, sell := out["g-buy"], out["g-sell"]
		if buy.Kind() == domain.KindAmbiguousNoFill || sell.Kind() == domain.KindAmbiguousNoFill {
			assert.Equal(t, buy.Kind(), sell.Kind(), name)
			rb, _ := domain.Record(buy)
			rs, _ := domain.Record(sell)
			assert.Equal(t, rb.TS, rs.TS, name)
		}

		// Causality: rewriting every bar after the resolution instant changes nothing.
		var perturbed [3][2]float64
		for i := range path {
			if day(i + 1).After(resolvedAt) {
				perturbed[i] = [2]float64{200, 1}
			} else {
				perturbed[i] = path[i]
			}
		}
		again, _ := runEngine(t, map[string]*domain.Series{"AAPL": gridSeries(t, perturbed, hl(4, 50, 40))}, intents, runOpts{})
		assert.Equal(t, res.Outcomes, again.Outcomes, "causality: %s", name)
	}
}

func TestNettingExclusivityOverWindows(t *testing.T) {
	s := mustSeries(t,
		hl(1, 101, 89),
		hl(2, 102, 88),
		hl(3, 103, 87),
		hl(4, 104, 86),
		hl(5, 105, 85),
		hl(6, 106, 84),
	)
	exitSets := [][]domain.Exit{
		nil,
		{{Symbol: "AAPL", ClosedAt: day(3)}},
		{{Symbol: "AAPL", ClosedAt: day(2)}, {Symbol: "AAPL", ClosedAt: day(5)}},
	}
	for ei, exits := range exitSets {
		for shape := 0; shape < 6; shape++ {
			var intents []domain.OrderIntent
			for i := 0; i < 6; i++ {
				from := 1 + (i+shape)%6
				to := from + (i*shape)%3
				side := domain.SideBuy
				entry := 100 + float64((i+shape)%4)
				if (i+shape)%2 == 1 {
					side, entry = domain.SideSell, 90-float64(i%3)
				}
				intents = append(intents, intent(fmt.Sprintf("i%d", i), side, entry, from, to))
			}

			res, book := runEngine(t, map[string]*domain.Series{"AAPL": s}, intents, runOpts{exits: exits})
			name := fmt.Sprintf("exits=%d shape=%d", ei, shape)
			require.Len(t, res.Outcomes, len(intents), name)

			var fills []time.Time
			for _, o := range res.Outcomes {
				if f, ok := o.(domain.EntryFill); ok {
					fills = append(fills, f.FillTS)
				}
			}
			sort.Slice(fills, func(i, j int) bool { return fills[i].Before(fills[j]) })

			// Between any two fills an exit must have closed the first position.
			for i := 1; i < len(fills); i++ {
				closed := false
				for _, x := range exits {
					if x.ClosedAt.After(fills[i-1]) && !x.ClosedAt.After(fills[i]) {
						closed = true
					}
				}
				assert.True(t, closed, "%s: overlapping fills at %s and %s", name, fills[i-1], fills[i])
			}

			// Every rejection coincides with an open position.
			for _, o := range res.Outcomes {
				if r, ok := o.(domain.NettingRejected); ok {
					_, open, err := book.OpenPosition(context.Background(), "AAPL", r.FillTS)
					require.NoError(t, err)
					assert.True(t, open, "%s: rejection of %s with nothing open", name, r.IntentID)
				}
			}
		}
	}
}
