package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatPrice renders a price with precision chosen by order of magnitude,
// so BTC at 96000.5 and a meme coin at 0.00001234 both stay readable and
// lossless for humans.
func FormatPrice(p decimal.Decimal) string {
	abs := p.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return p.StringFixed(2)
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p.StringFixed(4)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.001)):
		return p.StringFixed(6)
	default:
		return p.StringFixed(8)
	}
}

// FormatUSD renders a notional amount compactly: $2.4M, $150K, $900.
func FormatUSD(v float64) string {
	switch {
	case v >= 1_000_000:
		return fmt.Sprintf("$%.1fM", v/1_000_000)
	case v >= 1_000:
		return fmt.Sprintf("$%.0fK", v/1_000)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}
