package assessment

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mbd888/riskdesk/internal/validation"
)

// FieldKind is the value type of an input field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
)

// Field describes one input field.
type Field struct {
	Name        string    `json:"name"`
	Kind        FieldKind `json:"kind"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema is the input contract for one risk type.
type Schema struct {
	RiskType RiskType `json:"riskType"`
	Title    string   `json:"title"`
	Fields   []Field  `json:"fields"`
}

var schemas = map[RiskType]Schema{
	RiskTrading: {
		RiskType: RiskTrading,
		Fields: []Field{
			{Name: "token_symbol", Kind: KindString, Required: true, Description: "Token to analyze, e.g. ETH"},
			{Name: "time_period", Kind: KindString, Default: "1 year", Description: "Look-back window"},
			{Name: "more_parameters", Kind: KindString, Default: "", Description: "Free-form analysis hints"},
		},
	},
	RiskLendingBorrowing: {
		RiskType: RiskLendingBorrowing,
		Fields: []Field{
			{Name: "borrowing_asset", Kind: KindString, Required: true, Description: "Asset being borrowed"},
			{Name: "borrower_history_summary", Kind: KindString, Required: true, Description: "Borrower track record"},
		},
	},
	RiskProtocolSecurity: {
		RiskType: RiskProtocolSecurity,
		Fields: []Field{
			{Name: "protocol_name", Kind: KindString, Required: true, Description: "Protocol under review"},
			{Name: "audit_summary", Kind: KindString, Description: "Audit history"},
			{Name: "on_chain_activity_summary", Kind: KindString, Description: "Recent on-chain behaviour"},
		},
	},
	RiskLiquidityConcentration: {
		RiskType: RiskLiquidityConcentration,
		Fields: []Field{
			{Name: "token_symbol", Kind: KindString, Required: true, Description: "Token to analyze"},
			{Name: "number_of_wallets", Kind: KindNumber, Required: true, Description: "Top holder wallets to consider"},
			{Name: "large_trade_amount", Kind: KindString, Description: "Trade size to simulate, e.g. 500000 USD"},
		},
	},
}

// SchemaFor returns the input schema for a risk type.
func SchemaFor(rt RiskType) (Schema, error) {
	s, ok := schemas[rt]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownRiskType, rt)
	}
	s.Title = rt.Title()
	return s, nil
}

// Schemas returns every schema in display order.
func Schemas() []Schema {
	out := make([]Schema, 0, len(schemas))
	for _, rt := range AllRiskTypes() {
		s, _ := SchemaFor(rt)
		out = append(out, s)
	}
	return out
}

// Normalize checks input against the schema and returns a cleaned copy with
// defaults applied and numbers as float64. Errors are validation.ValidationErrors.
func (s Schema) Normalize(in InputData) (InputData, error) {
	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}

	var checks []func() *validation.ValidationError
	var unknown []string
	for k := range in {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		checks = append(checks, validation.Fail(k, "unknown field"))
	}

	out := make(InputData, len(s.Fields))
	for _, f := range s.Fields {
		v, present := in[f.Name]
		if !present || v == nil {
			if f.Required {
				checks = append(checks, validation.Fail(f.Name, "is required"))
			} else if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}

		switch f.Kind {
		case KindString:
			str, ok := v.(string)
			if !ok {
				checks = append(checks, validation.Fail(f.Name, "must be a string"))
				continue
			}
			str = validation.SanitizeString(str, validation.MaxStringLength+1)
			if f.Required {
				checks = append(checks, validation.Required(f.Name, str))
			}
			checks = append(checks, validation.MaxLength(f.Name, str, validation.MaxStringLength))
			if str == "" && !f.Required && f.Default != nil {
				out[f.Name] = f.Default
				continue
			}
			out[f.Name] = str
		case KindNumber:
			n, ok := toNumber(v)
			if !ok {
				checks = append(checks, validation.Fail(f.Name, "must be a number"))
				continue
			}
			if n < 0 {
				checks = append(checks, validation.Fail(f.Name, "must not be negative"))
				continue
			}
			out[f.Name] = n
		}
	}

	if errs := validation.Validate(checks...); len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// toNumber accepts Go numerics, json.Number and numeric strings.
func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// DefaultPresets are the sample inputs pre-filled for each risk type.
func DefaultPresets() map[RiskType]InputData {
	return map[RiskType]InputData{
		RiskTrading: {
			"token_symbol":    "ETH",
			"time_period":     "6 months",
			"more_parameters": "Analyze volatility during major network upgrades.",
		},
		RiskLendingBorrowing: {
			"borrowing_asset":          "ETH",
			"borrower_history_summary": "Excellent 5-year history, $500k in current loans, LTV ratio 60%.",
		},
		RiskProtocolSecurity: {
			"protocol_name":             "DeFiSwap V3",
			"audit_summary":             "Needs re-audit. Last one was 1 year ago.",
			"on_chain_activity_summary": "Recent on-chain activity shows normal patterns. Code repository: https://github.com/defiswap/v3",
		},
		RiskLiquidityConcentration: {
			"token_symbol":       "ABC",
			"number_of_wallets":  float64(5),
			"large_trade_amount": "500000 USD",
		},
	}
}

// MergePresets overlays loaded presets (keyed by wire name) on the defaults.
// Unknown risk types and invalid presets are rejected.
func MergePresets(base map[RiskType]InputData, overrides map[string]map[string]interface{}) (map[RiskType]InputData, error) {
	out := make(map[RiskType]InputData, len(base))
	for rt, in := range base {
		out[rt] = in.Clone()
	}
	for name, fields := range overrides {
		rt, err := ParseRiskType(name)
		if err != nil {
			return nil, err
		}
		schema, _ := SchemaFor(rt)
		normalized, err := schema.Normalize(InputData(fields))
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
		out[rt] = normalized
	}
	return out, nil
}
