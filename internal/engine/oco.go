package engine

import (
	"fmt"

	"fillsim/internal/domain"
)

// Candidate is a leg that won its race and now waits for fill admission.
type Candidate struct {
	Intent  domain.OrderIntent
	Trigger Trigger
}

// Resolution is what OCO resolution decides for one unit before netting.
// Settled holds the outcomes that are already final, keyed by intent id.
// Candidate, when set, still has to pass the netting guard.
type Resolution struct {
	Candidate *Candidate
	Settled   map[string]domain.Outcome
}

// NewOCOGroup pairs two legs into a bracket. The legs must share the group
// id and symbol and have opposite sides.
func NewOCOGroup(id string, legs []domain.OrderIntent) (domain.OCOGroup, error) {
	if len(legs) != 2 {
		return domain.OCOGroup{}, fmt.Errorf("%w: group %s has %d", ErrOCOGroupSize, id, len(legs))
	}
	g := domain.OCOGroup{ID: id}
	for _, leg := range legs {
		switch leg.Side {
		case domain.SideBuy:
			g.Buy = leg
		case domain.SideSell:
			g.Sell = leg
		default:
			return domain.OCOGroup{}, fmt.Errorf("%w: %q", ErrInvalidSide, leg.Side)
		}
	}
	if legs[1].Side != legs[0].Side.Opposite() {
		return domain.OCOGroup{}, fmt.Errorf("%w: group %s", ErrOCOSides, id)
	}
	if g.Buy.Symbol != g.Sell.Symbol {
		return domain.OCOGroup{}, fmt.Errorf("%w: group %s has %s and %s", ErrOCOSymbol, id, g.Buy.Symbol, g.Sell.Symbol)
	}
	return g, nil
}

// ResolveSingle turns the scan result of a stand-alone intent into a
// resolution: a fill candidate or an expiry.
func ResolveSingle(intent domain.OrderIntent, trig Trigger) Resolution {
	if !trig.Found {
		return Resolution{Settled: map[string]domain.Outcome{
			intent.IntentID: expired(intent),
		}}
	}
	return Resolution{Candidate: &Candidate{Intent: intent, Trigger: trig}}
}

// ResolveOCO decides a bracket race from each leg's independent scan.
//
// The strictly earlier trigger wins and the other leg is cancelled at the
// winner's fill time. Triggers on the same bar timestamp are never broken by
// price or side: both legs become AmbiguousNoFill. If neither leg triggers,
// both expire. The result always accounts for both legs.
func ResolveOCO(g domain.OCOGroup, buy, sell Trigger) Resolution {
	switch {
	case !buy.Found && !sell.Found:
		return Resolution{Settled: map[string]domain.Outcome{
			g.Buy.IntentID:  expired(g.Buy),
			g.Sell.IntentID: expired(g.Sell),
		}}

	case buy.Found && sell.Found && buy.BarTS.Equal(sell.BarTS):
		return Resolution{Settled: map[string]domain.Outcome{
			g.Buy.IntentID:  domain.AmbiguousNoFill{IntentID: g.Buy.IntentID, BarTS: buy.BarTS},
			g.Sell.IntentID: domain.AmbiguousNoFill{IntentID: g.Sell.IntentID, BarTS: sell.BarTS},
		}}

	case buy.Before(sell):
		return Resolution{
			Candidate: &Candidate{Intent: g.Buy, Trigger: buy},
			Settled: map[string]domain.Outcome{
				g.Sell.IntentID: domain.OcoCancelled{IntentID: g.Sell.IntentID, CancelTS: buy.BarTS},
			},
		}

	default:
		return Resolution{
			Candidate: &Candidate{Intent: g.Sell, Trigger: sell},
			Settled: map[string]domain.Outcome{
				g.Buy.IntentID: domain.OcoCancelled{IntentID: g.Buy.IntentID, CancelTS: sell.BarTS},
			},
		}
	}
}

func expired(intent domain.OrderIntent) domain.Outcome {
	return domain.Expired{IntentID: intent.IntentID, WindowEnd: intent.OrderValidToTS.UTC()}
}
