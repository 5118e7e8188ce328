package contract

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// intentSchema describes an intent after forbidden, debug and unknown fields
// have been filtered out. Only allow-listed core and validity fields remain.
const intentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["intent_id", "symbol", "side", "entry_price", "signal_ts", "order_valid_to_ts", "strategy_id", "strategy_version"],
	"additionalProperties": false,
	"properties": {
		"intent_id":         {"type": "string", "minLength": 1},
		"symbol":            {"type": "string", "minLength": 1},
		"side":              {"enum": ["BUY", "SELL"]},
		"entry_price":       {"type": "number", "exclusiveMinimum": 0},
		"stop_price":        {"type": "number", "minimum": 0},
		"take_profit_price": {"type": "number", "minimum": 0},
		"signal_ts":         {"type": "string", "format": "date-time"},
		"order_valid_to_ts": {"type": "string", "format": "date-time"},
		"oco_group_id":      {"type": "string"},
		"strategy_id":       {"type": "string", "minLength": 1},
		"strategy_version":  {"type": "string", "minLength": 1},
		"timeframe":         {"type": "string"}
	}
}`

// coreFields is the allow-list of order and validity fields.
var coreFields = map[string]bool{
	"intent_id":         true,
	"symbol":            true,
	"side":              true,
	"entry_price":       true,
	"stop_price":        true,
	"take_profit_price": true,
	"signal_ts":         true,
	"order_valid_to_ts": true,
	"oco_group_id":      true,
	"strategy_id":       true,
	"strategy_version":  true,
	"timeframe":         true,
}

// forbiddenPrefixes name fields whose values can only be known after the
// signal: fills, trades, P&L, exits and trigger-time data.
var forbiddenPrefixes = []string{"fill_", "pnl", "trade_", "realized_", "exit_", "trigger_"}

// debugPrefix marks signal-time debug values carried alongside the intent.
const debugPrefix = "dbg_"

func forbidden(field string) bool {
	f := strings.ToLower(field)
	for _, p := range forbiddenPrefixes {
		if strings.HasPrefix(f, p) {
			return true
		}
	}
	return false
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("intent.json", strings.NewReader(intentSchema)); err != nil {
		return nil, fmt.Errorf("adding intent schema: %w", err)
	}
	return compiler.Compile("intent.json")
}
