package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBaseSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":      "BTC",
		"ETHUSD":       "ETH",
		"1000PEPEUSDT": "1000PEPE",
		"SOLBUSD":      "SOL",
		"BTC":          "BTC",
		"USDT":         "USDT", // Bare quote currency is left alone
	}
	for pair, want := range cases {
		assert.Equal(t, want, BaseSymbol(pair), pair)
	}
}

func TestTierTableUnknownSymbolDefaultsToTier3(t *testing.T) {
	tt := NewTierTable(
		[]string{"BTCUSDT", "ETHUSDT"},
		[]string{"SOLUSDT"},
		Thresholds{Cascade: 2_000_000, LargeOrder: 10_000, Absorption: 100_000},
		Thresholds{Cascade: 200_000, LargeOrder: 5_000, Absorption: 20_000},
		Thresholds{Cascade: 50_000, LargeOrder: 2_000, Absorption: 5_000},
	)

	assert.Equal(t, Tier1, tt.TierOf("BTCUSDT"))
	assert.Equal(t, Tier2, tt.TierOf("SOLUSDT"))
	assert.Equal(t, Tier3, tt.TierOf("PEPEUSDT"))
	assert.Equal(t, Tier3, tt.TierOf("NEVERSEENUSDT"))

	assert.Equal(t, 50_000.0, tt.ThresholdsFor("NEVERSEENUSDT").Cascade)
	assert.Equal(t, 2_000_000.0, tt.ThresholdsFor("BTCUSDT").Cascade)
}

func TestTierConfidenceBias(t *testing.T) {
	assert.Equal(t, 0.0, Tier1.ConfidenceBias())
	assert.Equal(t, 2.0, Tier2.ConfidenceBias())
	assert.Equal(t, 4.0, Tier3.ConfidenceBias())
}

func TestFormatPricePreservesSubCentPrecision(t *testing.T) {
	assert.Equal(t, "96000.50", FormatPrice(decimal.RequireFromString("96000.5")))
	assert.Equal(t, "2800.50", FormatPrice(decimal.RequireFromString("2800.5")))
	assert.Equal(t, "2.8005", FormatPrice(decimal.RequireFromString("2.8005")))
	assert.Equal(t, "0.00001234", FormatPrice(decimal.RequireFromString("0.00001234")))
	assert.Equal(t, "0.012345", FormatPrice(decimal.RequireFromString("0.0123450")))
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$2.4M", FormatUSD(2_400_000))
	assert.Equal(t, "$150K", FormatUSD(150_000))
	assert.Equal(t, "$900", FormatUSD(900))
}
