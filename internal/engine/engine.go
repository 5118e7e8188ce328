// Package engine simulates broker fill semantics for order intents against
// historical bars: trigger scanning, OCO resolution and netting-aware fill
// admission. The simulation is a pure function of its inputs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"golang.org/x/sync/errgroup"

	"fillsim/internal/domain"
)

// Config controls engine scheduling.
type Config struct {
	// MaxWorkers bounds how many symbols are simulated in parallel.
	MaxWorkers int
}

// Engine runs every intent of a backtest to a terminal outcome. Symbols are
// independent and run in parallel; within a symbol everything is sequential.
type Engine struct {
	cfg   Config
	guard *NettingGuard
	log   *slog.Logger
}

// NewEngine creates a new Engine whose netting guard reads and writes book.
func NewEngine(book PositionBook, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Engine{
		cfg:   cfg,
		guard: NewNettingGuard(book, log),
		log:   log,
	}
}

// SymbolResult holds the outcomes of one symbol in output order: units by
// signal time, legs BUY before SELL.
type SymbolResult struct {
	Symbol   string
	Outcomes []domain.Outcome
	Failures []*IntentError
}

// Sink receives symbol results in ascending symbol order, one at a time.
type Sink func(SymbolResult) error

// Result is the whole-run view of what was emitted.
type Result struct {
	Symbols  []SymbolResult
	Outcomes []domain.Outcome
	Failures []*IntentError
}

// Run simulates intents against series and streams each symbol's result to
// sink in symbol order. Invariant violations become Failures and do not stop
// the run; a returned error means the sink or position book failed, or a
// symbol worker panicked.
func (e *Engine) Run(ctx context.Context, series map[string]*domain.Series, intents []domain.OrderIntent, sink Sink) (*Result, error) {
	bySymbol, planFailures := plan(intents)

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	seq := newSequencer(sink)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, sym := range symbols {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					e.log.Error("symbol worker panicked", "symbol", sym, "panic", p, "stack", string(debug.Stack()))
					err = fmt.Errorf("%w: %s: %v", ErrWorkerPanic, sym, p)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.runSymbol(gctx, sym, series[sym], bySymbol[sym])
			if err != nil {
				return err
			}
			return seq.done(i, res)
		})
	}
	err := g.Wait()

	out := &Result{Failures: planFailures}
	for _, res := range seq.results() {
		out.Symbols = append(out.Symbols, res)
		out.Outcomes = append(out.Outcomes, res.Outcomes...)
		out.Failures = append(out.Failures, res.Failures...)
	}
	sortFailures(out.Failures)
	return out, err
}

// slot tracks one unit through resolution and admission.
type slot struct {
	u      unit
	res    Resolution
	lc     *lifecycle
	failed bool
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, s *domain.Series, units []unit) (SymbolResult, error) {
	out := SymbolResult{Symbol: symbol}
	fail := func(u unit, err error) {
		for _, f := range unitError(u, err) {
			e.log.Error("intent failed", "intent", f.IntentID, "symbol", symbol, "error", f.Err)
			out.Failures = append(out.Failures, f)
		}
	}
	if s == nil {
		e.log.Warn("no bars for symbol", "symbol", symbol, "units", len(units))
	}

	slots := make([]slot, 0, len(units))
	for _, u := range units {
		if err := checkWindows(u); err != nil {
			fail(u, err)
			continue
		}
		if s == nil {
			fail(u, ErrUnknownSymbol)
			continue
		}
		res, err := resolve(s, u)
		if err != nil {
			fail(u, err)
			continue
		}
		lc := newLifecycle(u)
		if err := lc.settleAll(res.Settled); err != nil {
			fail(u, err)
			continue
		}
		slots = append(slots, slot{u: u, res: res, lc: lc})
	}

	// Admit candidates in fill-time order so at most one position is open at
	// any simulated instant.
	var cands []int
	for i := range slots {
		if slots[i].res.Candidate != nil {
			cands = append(cands, i)
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		ta := slots[cands[a]].res.Candidate.Trigger.BarTS
		tb := slots[cands[b]].res.Candidate.Trigger.BarTS
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return cands[a] < cands[b]
	})
	for _, idx := range cands {
		sl := &slots[idx]
		c := *sl.res.Candidate
		id := c.Intent.IntentID
		if !sl.lc.pending(id) {
			sl.failed = true
			fail(sl.u, fmt.Errorf("candidate %s: %w", id, domain.ErrTerminalState))
			continue
		}
		o, err := e.guard.Admit(ctx, c)
		if err != nil {
			return out, err
		}
		if err := sl.lc.settle(id, o); err != nil {
			sl.failed = true
			fail(sl.u, err)
		}
	}

	for _, sl := range slots {
		if sl.failed {
			continue
		}
		outcomes, err := sl.lc.final()
		if err != nil {
			fail(sl.u, err)
			continue
		}
		for _, o := range outcomes {
			e.log.Debug("outcome",
				"intent", o.Intent(),
				"symbol", symbol,
				"kind", string(o.Kind()),
				"reason", o.Reason(),
			)
		}
		out.Outcomes = append(out.Outcomes, outcomes...)
	}
	return out, nil
}

// resolve scans a unit's legs independently and settles the race between
// them.
func resolve(s *domain.Series, u unit) (Resolution, error) {
	if u.single != nil {
		in := *u.single
		trig, err := Scan(in, s.Window(in.SignalTS, in.OrderValidToTS))
		if err != nil {
			return Resolution{}, err
		}
		return ResolveSingle(in, trig), nil
	}

	g := *u.group
	buy, err := Scan(g.Buy, s.Window(g.Buy.SignalTS, g.Buy.OrderValidToTS))
	if err != nil {
		return Resolution{}, legError(g.Buy, err)
	}
	sell, err := Scan(g.Sell, s.Window(g.Sell.SignalTS, g.Sell.OrderValidToTS))
	if err != nil {
		return Resolution{}, legError(g.Sell, err)
	}
	return ResolveOCO(g, buy, sell), nil
}
