package engine

import (
	"fmt"
	"sort"
	"time"

	"fillsim/internal/domain"
)

// unit is one scheduling item: a stand-alone intent or an OCO group.
type unit struct {
	key      string
	symbol   string
	signalTS time.Time
	single   *domain.OrderIntent
	group    *domain.OCOGroup
}

// legs returns the unit's intents in output order (BUY leg first for groups).
func (u unit) legs() []domain.OrderIntent {
	if u.group != nil {
		return u.group.Legs()
	}
	return []domain.OrderIntent{*u.single}
}

// plan groups intents into units per symbol. Units are ordered by signal
// time, then by key, so every run walks a symbol in the same order. Intents
// that cannot form a valid unit are returned as failures.
func plan(intents []domain.OrderIntent) (map[string][]unit, []*IntentError) {
	var failures []*IntentError
	bySymbol := make(map[string][]unit)

	groups := make(map[string][]domain.OrderIntent)
	var groupOrder []string
	for _, in := range intents {
		if !in.HasOCO() {
			in := in
			bySymbol[in.Symbol] = append(bySymbol[in.Symbol], unit{
				key:      "intent:" + in.IntentID,
				symbol:   in.Symbol,
				signalTS: in.SignalTS,
				single:   &in,
			})
			continue
		}
		if _, ok := groups[in.OCOGroupID]; !ok {
			groupOrder = append(groupOrder, in.OCOGroupID)
		}
		groups[in.OCOGroupID] = append(groups[in.OCOGroupID], in)
	}

	for _, id := range groupOrder {
		legs := groups[id]
		g, err := NewOCOGroup(id, legs)
		if err != nil {
			for _, leg := range legs {
				failures = append(failures, &IntentError{IntentID: leg.IntentID, GroupID: id, Symbol: leg.Symbol, Err: err})
			}
			continue
		}
		signalTS := g.Buy.SignalTS
		if g.Sell.SignalTS.Before(signalTS) {
			signalTS = g.Sell.SignalTS
		}
		bySymbol[g.Buy.Symbol] = append(bySymbol[g.Buy.Symbol], unit{
			key:      "oco:" + id,
			symbol:   g.Buy.Symbol,
			signalTS: signalTS,
			group:    &g,
		})
	}

	for _, units := range bySymbol {
		sort.Slice(units, func(i, j int) bool {
			if !units[i].signalTS.Equal(units[j].signalTS) {
				return units[i].signalTS.Before(units[j].signalTS)
			}
			return units[i].key < units[j].key
		})
	}
	sortFailures(failures)
	return bySymbol, failures
}

func sortFailures(failures []*IntentError) {
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].IntentID < failures[j].IntentID
	})
}

// unitError fails every leg of u with err.
func unitError(u unit, err error) []*IntentError {
	groupID := ""
	if u.group != nil {
		groupID = u.group.ID
	}
	var out []*IntentError
	for _, leg := range u.legs() {
		out = append(out, &IntentError{IntentID: leg.IntentID, GroupID: groupID, Symbol: u.symbol, Err: err})
	}
	return out
}

// legError prefixes a leg scan error with the leg it came from.
func legError(leg domain.OrderIntent, err error) error {
	return fmt.Errorf("leg %s: %w", leg.IntentID, err)
}

// checkWindows fails a unit whose legs include a window that ends before it
// starts. It needs no bars, so it runs before the series is consulted.
func checkWindows(u unit) error {
	for _, leg := range u.legs() {
		if leg.OrderValidToTS.Before(leg.SignalTS) {
			if u.group != nil {
				return legError(leg, ErrInvalidWindow)
			}
			return ErrInvalidWindow
		}
	}
	return nil
}
