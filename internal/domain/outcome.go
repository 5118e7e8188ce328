package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// OutcomeKind names a terminal outcome in audit rows.
type OutcomeKind string

const (
	KindEntryFill       OutcomeKind = "entry_fill"
	KindOcoCancelled    OutcomeKind = "oco_cancelled"
	KindAmbiguousNoFill OutcomeKind = "ambiguous_no_fill"
	KindNettingRejected OutcomeKind = "netting_rejected"
	KindExpired         OutcomeKind = "expired"
)

// Audit reason strings.
const (
	ReasonSignalFill      = "signal_fill"
	ReasonCancelledOCO    = "order_cancelled_oco"
	ReasonAmbiguousNoFill = "order_ambiguous_no_fill"
	ReasonNettingRejected = "order_rejected_netting_open_position"
	ReasonExpired         = "order_expired"
)

// OutcomeKinds returns every outcome kind in a fixed order.
func OutcomeKinds() []OutcomeKind {
	return []OutcomeKind{
		KindEntryFill,
		KindOcoCancelled,
		KindAmbiguousNoFill,
		KindNettingRejected,
		KindExpired,
	}
}

// Outcome is the terminal result of one intent. The set of implementations
// is closed: only the types in this file satisfy it.
type Outcome interface {
	Intent() string
	Kind() OutcomeKind
	Reason() string
	outcome()
}

// EntryFill is a real fill at the intent's entry price.
type EntryFill struct {
	IntentID  string
	FillTS    time.Time
	FillPrice float64
}

// OcoCancelled is the losing leg of a bracket; CancelTS is the winner's fill time.
type OcoCancelled struct {
	IntentID string
	CancelTS time.Time
}

// AmbiguousNoFill is produced for both legs when they trigger on the same bar.
type AmbiguousNoFill struct {
	IntentID string
	BarTS    time.Time
}

// NettingRejected replaces a fill when the symbol already has an open
// position. It never carries a price.
type NettingRejected struct {
	IntentID string
	FillTS   time.Time
}

// Expired means the window closed without a trigger.
type Expired struct {
	IntentID  string
	WindowEnd time.Time
}

func (o EntryFill) Intent() string       { return o.IntentID }
func (o OcoCancelled) Intent() string    { return o.IntentID }
func (o AmbiguousNoFill) Intent() string { return o.IntentID }
func (o NettingRejected) Intent() string { return o.IntentID }
func (o Expired) Intent() string         { return o.IntentID }

func (EntryFill) Kind() OutcomeKind       { return KindEntryFill }
func (OcoCancelled) Kind() OutcomeKind    { return KindOcoCancelled }
func (AmbiguousNoFill) Kind() OutcomeKind { return KindAmbiguousNoFill }
func (NettingRejected) Kind() OutcomeKind { return KindNettingRejected }
func (Expired) Kind() OutcomeKind         { return KindExpired }

func (EntryFill) Reason() string       { return ReasonSignalFill }
func (OcoCancelled) Reason() string    { return ReasonCancelledOCO }
func (AmbiguousNoFill) Reason() string { return ReasonAmbiguousNoFill }
func (NettingRejected) Reason() string { return ReasonNettingRejected }
func (Expired) Reason() string         { return ReasonExpired }

func (EntryFill) outcome()       {}
func (OcoCancelled) outcome()    {}
func (AmbiguousNoFill) outcome() {}
func (NettingRejected) outcome() {}
func (Expired) outcome()         {}

// ---------------------------------------------------------------------------
// Audit records
// ---------------------------------------------------------------------------

// AuditRecord is one append-only audit row. Price is NaN for every kind
// except EntryFill.
type AuditRecord struct {
	IntentID string
	Kind     OutcomeKind
	TS       time.Time
	Price    float64
	Reason   string
}

// IsTrade reports whether the row represents an executed fill.
func (r AuditRecord) IsTrade() bool {
	return r.Kind == KindEntryFill
}

// ErrUnknownOutcome is returned by Record for an outcome it cannot map.
var ErrUnknownOutcome = errors.New("unknown outcome kind")

// Record maps an outcome onto its audit row.
func Record(o Outcome) (AuditRecord, error) {
	rec := AuditRecord{Price: math.NaN()}
	switch v := o.(type) {
	case EntryFill:
		rec.TS = v.FillTS
		rec.Price = v.FillPrice
	case OcoCancelled:
		rec.TS = v.CancelTS
	case AmbiguousNoFill:
		rec.TS = v.BarTS
	case NettingRejected:
		rec.TS = v.FillTS
	case Expired:
		rec.TS = v.WindowEnd
	default:
		return AuditRecord{}, fmt.Errorf("%w: %T", ErrUnknownOutcome, o)
	}
	rec.IntentID = o.Intent()
	rec.Kind = o.Kind()
	rec.Reason = o.Reason()
	rec.TS = rec.TS.UTC()
	return rec, nil
}

// ---------------------------------------------------------------------------
// Intent state machine
// ---------------------------------------------------------------------------

// IntentState is the lifecycle state of one intent.
type IntentState string

// StatePending is the only non-terminal state. Every terminal state is named
// after the outcome kind that produced it.
const StatePending IntentState = "pending"

// ErrTerminalState is returned when a transition leaves a terminal state.
var ErrTerminalState = errors.New("intent already in a terminal state")

// Terminal reports whether no further transition is allowed from s.
func (s IntentState) Terminal() bool {
	return s != StatePending
}

// Transition applies an outcome to an intent in state from.
func Transition(from IntentState, o Outcome) (IntentState, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if o == nil {
		return from, fmt.Errorf("%w: <nil>", ErrUnknownOutcome)
	}
	return IntentState(o.Kind()), nil
}
