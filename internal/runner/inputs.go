package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"fillsim/internal/contract"
	"fillsim/internal/domain"
	"fillsim/internal/store"
)

// loadIntents enforces the intent contract over the JSON Lines file at path.
func (r *Runner) loadIntents(path string, pre *PreconditionError) (*contract.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			pre.add("intents file %s does not exist", path)
			return &contract.Result{}, nil
		}
		return nil, err
	}
	defer f.Close()

	enf, err := contract.NewEnforcer(r.opts.Contract, r.log)
	if err != nil {
		return nil, err
	}
	res, err := enf.EnforceLines(f)
	if err != nil {
		return nil, err
	}
	for _, v := range res.Fatal() {
		pre.add("contract: %s", v.Error())
	}
	if len(res.Intents) == 0 && len(res.Fatal()) == 0 {
		pre.add("intents file %s holds no intents", path)
	}
	return res, nil
}

// loadSeries reads and validates the bars of every symbol the intents
// reference, over the span their windows cover.
func (r *Runner) loadSeries(ctx context.Context, bars store.BarStore, timeframe string, intents []domain.OrderIntent, pre *PreconditionError) (map[string]*domain.Series, error) {
	type span struct{ from, to time.Time }
	spans := make(map[string]span)
	for _, in := range intents {
		if in.Timeframe != "" && in.Timeframe != timeframe {
			pre.add("intent %s has timeframe %s, run uses %s", in.IntentID, in.Timeframe, timeframe)
		}
		// An inverted window needs no bars; the engine fails that intent alone.
		if in.OrderValidToTS.Before(in.SignalTS) {
			continue
		}
		sp, ok := spans[in.Symbol]
		if !ok {
			sp = span{from: in.SignalTS, to: in.OrderValidToTS}
		}
		if in.SignalTS.Before(sp.from) {
			sp.from = in.SignalTS
		}
		if in.OrderValidToTS.After(sp.to) {
			sp.to = in.OrderValidToTS
		}
		spans[in.Symbol] = sp
	}

	symbols := make([]string, 0, len(spans))
	for sym := range spans {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	series := make(map[string]*domain.Series, len(symbols))
	for _, sym := range symbols {
		sp := spans[sym]
		loaded, err := bars.ReadBars(ctx, sym, timeframe, sp.from, sp.to)
		if err != nil {
			if errors.Is(err, store.ErrMalformedFrame) {
				pre.add("bars: %v", err)
				continue
			}
			return nil, fmt.Errorf("reading bars for %s: %w", sym, err)
		}
		if len(loaded) == 0 {
			pre.add("no %s bars for symbol %s between %s and %s", timeframe, sym,
				sp.from.Format(time.RFC3339), sp.to.Format(time.RFC3339))
			continue
		}
		s, err := domain.NewSeries(sym, loaded)
		if err != nil {
			pre.add("bars: %v", err)
			continue
		}
		series[sym] = s
	}
	return series, nil
}

// loadPositions returns the open positions before the run: from a JSON file
// when given, else from SQLite when configured.
func (r *Runner) loadPositions(ctx context.Context, path string, db store.PositionStore, pre *PreconditionError) ([]domain.Position, error) {
	if path == "" {
		if db == nil {
			return nil, nil
		}
		return db.ListPositions(ctx)
	}
	var all []domain.Position
	if err := readJSON(path, &all, pre); err != nil {
		return nil, err
	}
	var open []domain.Position
	for _, p := range all {
		if p.Symbol == "" {
			pre.add("positions file %s has an entry without symbol", path)
			continue
		}
		if p.Open {
			open = append(open, p)
		}
	}
	return open, nil
}

// loadExits returns the exit schedule from a JSON file when given, else from
// SQLite when configured.
func (r *Runner) loadExits(ctx context.Context, path string, db store.ExitStore, pre *PreconditionError) ([]domain.Exit, error) {
	if path == "" {
		if db == nil {
			return nil, nil
		}
		return db.ListExits(ctx)
	}
	var exits []domain.Exit
	if err := readJSON(path, &exits, pre); err != nil {
		return nil, err
	}
	for _, x := range exits {
		if x.Symbol == "" || x.ClosedAt.IsZero() {
			pre.add("exits file %s has an entry without symbol or closed_at", path)
		}
	}
	return exits, nil
}

// readJSON decodes path into v. A missing or unparsable file is a
// precondition failure, not an error.
func readJSON(path string, v any, pre *PreconditionError) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			pre.add("%s does not exist", path)
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		pre.add("parsing %s: %v", path, err)
	}
	return nil
}
