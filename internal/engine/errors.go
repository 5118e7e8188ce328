package engine

import (
	"errors"
	"fmt"
)

// Invariant violations detected while simulating. Each is fatal for the
// intents it touches and for nothing else.
var (
	ErrDuplicateBar  = errors.New("duplicate bar timestamp")
	ErrBarOrder      = errors.New("bar timestamps out of order")
	ErrInvalidWindow = errors.New("order_valid_to_ts precedes signal_ts")
	ErrOCOGroupSize  = errors.New("oco group must have exactly two legs")
	ErrOCOSides      = errors.New("oco group needs one BUY and one SELL leg")
	ErrOCOSymbol     = errors.New("oco legs reference different symbols")
	ErrUnknownSymbol = errors.New("no bar series for symbol")
	ErrInvalidSide   = errors.New("invalid side")
	ErrUnsettled     = errors.New("intent has no terminal outcome")
	ErrForeignLeg    = errors.New("outcome for an intent outside its unit")
	ErrWorkerPanic   = errors.New("symbol worker panicked")
)

// IntentError reports an invariant violation for one intent. GroupID is set
// when the intent was a leg of an OCO group.
type IntentError struct {
	IntentID string
	GroupID  string
	Symbol   string
	Err      error
}

func (e *IntentError) Error() string {
	if e.GroupID != "" {
		return fmt.Sprintf("intent %s (oco %s): %v", e.IntentID, e.GroupID, e.Err)
	}
	return fmt.Sprintf("intent %s: %v", e.IntentID, e.Err)
}

func (e *IntentError) Unwrap() error { return e.Err }
