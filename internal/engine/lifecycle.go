package engine

import (
	"fmt"

	"fillsim/internal/domain"
)

// lifecycle moves every leg of one unit from pending to exactly one terminal
// state. All settlement goes through domain.Transition, so an outcome can
// never replace another.
type lifecycle struct {
	legs     []domain.OrderIntent
	states   map[string]domain.IntentState
	outcomes map[string]domain.Outcome
}

func newLifecycle(u unit) *lifecycle {
	legs := u.legs()
	lc := &lifecycle{
		legs:     legs,
		states:   make(map[string]domain.IntentState, len(legs)),
		outcomes: make(map[string]domain.Outcome, len(legs)),
	}
	for _, leg := range legs {
		lc.states[leg.IntentID] = domain.StatePending
	}
	return lc
}

// pending reports whether id is a leg still waiting for its outcome.
func (lc *lifecycle) pending(id string) bool {
	st, ok := lc.states[id]
	return ok && !st.Terminal()
}

// settle records o as the terminal outcome of leg id.
func (lc *lifecycle) settle(id string, o domain.Outcome) error {
	from, ok := lc.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrForeignLeg, id)
	}
	next, err := domain.Transition(from, o)
	if err != nil {
		return fmt.Errorf("leg %s: %w", id, err)
	}
	lc.states[id] = next
	lc.outcomes[id] = o
	return nil
}

// settleAll applies the outcomes a resolution already decided, in leg order.
func (lc *lifecycle) settleAll(settled map[string]domain.Outcome) error {
	applied := 0
	for _, leg := range lc.legs {
		o, ok := settled[leg.IntentID]
		if !ok {
			continue
		}
		if err := lc.settle(leg.IntentID, o); err != nil {
			return err
		}
		applied++
	}
	if applied != len(settled) {
		for id := range settled {
			if _, ok := lc.states[id]; !ok {
				return fmt.Errorf("%w: %s", ErrForeignLeg, id)
			}
		}
	}
	return nil
}

// final returns the legs' outcomes in output order. Every leg must be
// terminal.
func (lc *lifecycle) final() ([]domain.Outcome, error) {
	out := make([]domain.Outcome, 0, len(lc.legs))
	for _, leg := range lc.legs {
		o, ok := lc.outcomes[leg.IntentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsettled, leg.IntentID)
		}
		out = append(out, o)
	}
	return out, nil
}
