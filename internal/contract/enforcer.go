// Package contract enforces the order-intent contract: only allow-listed
// fields known at signal time reach the engine. Anything that could leak
// future information is stripped and reported as a violation.
package contract

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"fillsim/internal/domain"
)

// Violation kinds.
const (
	KindForbidden = "forbidden_field"
	KindSchema    = "schema"
	KindSyntax    = "syntax"
	KindDuplicate = "duplicate_intent_id"
)

// Violation is one breach of the intent contract. Fatal violations block the
// run; the rest are logged and the offending field is dropped.
type Violation struct {
	Line     int
	IntentID string
	Field    string
	Kind     string
	Message  string
	Fatal    bool
}

func (v Violation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "line %d", v.Line)
	if v.IntentID != "" {
		fmt.Fprintf(&b, " intent %s", v.IntentID)
	}
	if v.Field != "" {
		fmt.Fprintf(&b, " field %s", v.Field)
	}
	fmt.Fprintf(&b, ": %s: %s", v.Kind, v.Message)
	return b.String()
}

// Options configures an Enforcer.
type Options struct {
	// Strict makes forbidden fields fatal instead of stripped.
	Strict bool

	// ExtraAllowed lists further fields that are carried as debug values.
	ExtraAllowed []string
}

// Result is the outcome of enforcing a batch of intents.
type Result struct {
	Intents    []domain.OrderIntent
	Violations []Violation
}

// Fatal returns the violations that block the run.
func (r *Result) Fatal() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Fatal {
			out = append(out, v)
		}
	}
	return out
}

// Enforcer validates and filters raw intents.
type Enforcer struct {
	opts   Options
	extra  map[string]bool
	schema *jsonschema.Schema
	log    *slog.Logger
}

// NewEnforcer compiles the intent schema and returns a ready Enforcer.
func NewEnforcer(opts Options, log *slog.Logger) (*Enforcer, error) {
	if log == nil {
		log = slog.Default()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	extra := make(map[string]bool, len(opts.ExtraAllowed))
	for _, f := range opts.ExtraAllowed {
		extra[f] = true
	}
	return &Enforcer{opts: opts, extra: extra, schema: schema, log: log}, nil
}

// maxLine bounds a single JSON Lines record.
const maxLine = 1 << 20

// EnforceLines reads JSON Lines intents from r. Blank lines are skipped.
// Intent ids must be unique across the batch. The returned error is only
// for read failures; contract problems are reported in the Result.
func (e *Enforcer) EnforceLines(r io.Reader) (*Result, error) {
	res := &Result{}
	seen := make(map[string]int)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		intent, violations, ok := e.Enforce(line, raw)
		res.Violations = append(res.Violations, violations...)
		if !ok {
			continue
		}
		if first, dup := seen[intent.IntentID]; dup {
			v := Violation{
				Line:     line,
				IntentID: intent.IntentID,
				Kind:     KindDuplicate,
				Message:  fmt.Sprintf("already defined on line %d", first),
				Fatal:    true,
			}
			e.report(v)
			res.Violations = append(res.Violations, v)
			continue
		}
		seen[intent.IntentID] = line
		res.Intents = append(res.Intents, intent)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading intents: %w", err)
	}
	return res, nil
}

// Enforce filters and validates one raw intent object. ok is false when the
// intent must not reach the engine.
func (e *Enforcer) Enforce(line int, raw string) (intent domain.OrderIntent, violations []Violation, ok bool) {
	fail := func(v Violation) (domain.OrderIntent, []Violation, bool) {
		v.Line, v.Fatal = line, true
		e.report(v)
		return domain.OrderIntent{}, append(violations, v), false
	}

	if !gjson.Valid(raw) {
		return fail(Violation{Kind: KindSyntax, Message: "invalid JSON"})
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return fail(Violation{Kind: KindSyntax, Message: "intent must be a JSON object"})
	}
	id := parsed.Get("intent_id").String()

	kept := make(map[string]any)
	debug := make(map[string]any)
	var dropped []string
	parsed.ForEach(func(key, value gjson.Result) bool {
		field := key.String()
		switch {
		case forbidden(field):
			v := Violation{
				Line:     line,
				IntentID: id,
				Field:    field,
				Kind:     KindForbidden,
				Message:  "field is not known at signal time",
				Fatal:    e.opts.Strict,
			}
			e.report(v)
			violations = append(violations, v)
		case strings.HasPrefix(field, debugPrefix), e.extra[field]:
			debug[field] = value.Value()
		case coreFields[field]:
			kept[field] = value.Value()
		default:
			dropped = append(dropped, field)
		}
		return true
	})
	if len(dropped) > 0 {
		sort.Strings(dropped)
		e.log.Warn("unknown intent fields dropped", "line", line, "intent", id, "fields", dropped)
	}
	for _, v := range violations {
		if v.Fatal {
			return domain.OrderIntent{}, violations, false
		}
	}

	if err := e.schema.Validate(kept); err != nil {
		return fail(Violation{IntentID: id, Kind: KindSchema, Message: schemaMessage(err)})
	}

	if err := decode(kept, &intent); err != nil {
		return fail(Violation{IntentID: id, Kind: KindSchema, Message: err.Error()})
	}
	intent.SignalTS = intent.SignalTS.UTC()
	intent.OrderValidToTS = intent.OrderValidToTS.UTC()
	if len(debug) > 0 {
		intent = intent.WithDebug(debug)
	}
	return intent, violations, true
}

func (e *Enforcer) report(v Violation) {
	e.log.Warn("contract violation",
		"line", v.Line,
		"intent", v.IntentID,
		"field", v.Field,
		"kind", v.Kind,
		"fatal", v.Fatal,
		"error", v.Message,
	)
}

func decode(in map[string]any, out *domain.OrderIntent) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     out,
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// schemaMessage flattens a validation error to its leaf causes.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+v.Message)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
