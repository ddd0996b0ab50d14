package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationSide identifies which side was force-closed.
type LiquidationSide int

const (
	LongLiquidated  LiquidationSide = 1 // Longs stopped out (price swept down)
	ShortLiquidated LiquidationSide = 2 // Shorts stopped out (price swept up)
)

func (s LiquidationSide) String() string {
	switch s {
	case LongLiquidated:
		return "long_liquidated"
	case ShortLiquidated:
		return "short_liquidated"
	default:
		return "unknown"
	}
}

// TradeSide identifies the aggressor side of an aggregated trade.
type TradeSide int

const (
	Sell TradeSide = 1
	Buy  TradeSide = 2
)

func (s TradeSide) String() string {
	switch s {
	case Sell:
		return "sell"
	case Buy:
		return "buy"
	default:
		return "unknown"
	}
}

// Liquidation is a canonical forced-closure event. Everything below the
// ingestion seam sees this shape: decimal price, USD notional, ms timestamp.
type Liquidation struct {
	Symbol      string
	Exchange    string
	Price       decimal.Decimal
	Side        LiquidationSide
	NotionalUSD float64
	TS          int64 // Unix ms, UTC
}

// Trade is a canonical aggregated trade event.
type Trade struct {
	Symbol      string
	Exchange    string
	Price       decimal.Decimal
	Side        TradeSide
	NotionalUSD float64
	TS          int64 // Unix ms, UTC
}

// ContextSnapshot is one poll of open interest and funding rate for a base
// symbol (BTC, not BTCUSDT). FundingRate is a signed fraction per funding
// period, e.g. 0.0001 = +0.01%.
type ContextSnapshot struct {
	Symbol          string
	OpenInterestUSD float64
	FundingRate     float64
	SourceExchange  string
	TS              time.Time
}

// BaseSymbol strips the quote suffix from a trading pair:
// BTCUSDT -> BTC, 1000PEPEUSDT -> 1000PEPE.
func BaseSymbol(pair string) string {
	for _, suffix := range []string{"USDT", "BUSD", "USDC", "USD"} {
		if len(pair) > len(suffix) && pair[len(pair)-len(suffix):] == suffix {
			return pair[:len(pair)-len(suffix)]
		}
	}
	return pair
}

func MsToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
