package assessment

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskdesk/internal/validation"
)

func TestSchemas_CoverAllRiskTypes(t *testing.T) {
	all := Schemas()
	require.Len(t, all, 4)
	for i, rt := range AllRiskTypes() {
		assert.Equal(t, rt, all[i].RiskType)
		assert.Equal(t, rt.Title(), all[i].Title)
		assert.NotEmpty(t, all[i].Fields)
	}

	_, err := SchemaFor("unknown")
	assert.ErrorIs(t, err, ErrUnknownRiskType)
}

func TestDefaultPresets_AreValid(t *testing.T) {
	for rt, in := range DefaultPresets() {
		schema, err := SchemaFor(rt)
		require.NoError(t, err)
		_, err = schema.Normalize(in)
		assert.NoError(t, err, "preset for %s", rt)
	}
}

func TestNormalize(t *testing.T) {
	trading, _ := SchemaFor(RiskTrading)
	liquidity, _ := SchemaFor(RiskLiquidityConcentration)

	t.Run("applies defaults", func(t *testing.T) {
		out, err := trading.Normalize(InputData{"token_symbol": "ETH"})
		require.NoError(t, err)
		assert.Equal(t, "1 year", out["time_period"])
		assert.Equal(t, "", out["more_parameters"])
	})

	t.Run("blank optional string falls back to default", func(t *testing.T) {
		out, err := trading.Normalize(InputData{"token_symbol": "ETH", "time_period": "   "})
		require.NoError(t, err)
		assert.Equal(t, "1 year", out["time_period"])
	})

	t.Run("trims strings", func(t *testing.T) {
		out, err := trading.Normalize(InputData{"token_symbol": "  SOL "})
		require.NoError(t, err)
		assert.Equal(t, "SOL", out["token_symbol"])
	})

	t.Run("converts numbers", func(t *testing.T) {
		for _, v := range []any{5, int64(5), 5.0, "5", json.Number("5")} {
			out, err := liquidity.Normalize(InputData{"token_symbol": "ABC", "number_of_wallets": v})
			require.NoError(t, err, "value %#v", v)
			assert.Equal(t, 5.0, out["number_of_wallets"])
		}
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := InputData{"token_symbol": "ABC", "number_of_wallets": 5}
		_, err := liquidity.Normalize(in)
		require.NoError(t, err)
		assert.Equal(t, 5, in["number_of_wallets"])
	})

	tests := []struct {
		name   string
		schema Schema
		in     InputData
		field  string
	}{
		{"missing required", trading, InputData{}, "token_symbol"},
		{"blank required", trading, InputData{"token_symbol": "  "}, "token_symbol"},
		{"wrong string kind", trading, InputData{"token_symbol": 42}, "token_symbol"},
		{"unknown field", trading, InputData{"token_symbol": "ETH", "leverage": "10x"}, "leverage"},
		{"too long", trading, InputData{"token_symbol": strings.Repeat("x", validation.MaxStringLength+1)}, "token_symbol"},
		{"not a number", liquidity, InputData{"token_symbol": "ABC", "number_of_wallets": "many"}, "number_of_wallets"},
		{"negative number", liquidity, InputData{"token_symbol": "ABC", "number_of_wallets": -1}, "number_of_wallets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.schema.Normalize(tt.in)
			require.Error(t, err)
			var verrs validation.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestMergePresets(t *testing.T) {
	base := DefaultPresets()

	merged, err := MergePresets(base, map[string]map[string]interface{}{
		"trading": {"token_symbol": "BTC"},
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC", merged[RiskTrading]["token_symbol"])
	assert.Equal(t, "1 year", merged[RiskTrading]["time_period"])
	assert.Equal(t, base[RiskLendingBorrowing], merged[RiskLendingBorrowing])
	assert.Equal(t, "ETH", base[RiskTrading]["token_symbol"], "base is not modified")

	_, err = MergePresets(base, map[string]map[string]interface{}{"futures": {"a": "b"}})
	assert.ErrorIs(t, err, ErrUnknownRiskType)

	_, err = MergePresets(base, map[string]map[string]interface{}{"lending_borrowing": {"borrowing_asset": "ETH"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preset lending_borrowing")
}
