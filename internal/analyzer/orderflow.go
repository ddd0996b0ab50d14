package analyzer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
)

const (
	flowWindow = 300 * time.Second

	// Buy-notional share bounds for a directional imbalance.
	accumulationRatio = 0.65
	distributionRatio = 0.35
)

// OrderFlow scores the buy/sell notional balance over the trailing five
// minutes and flags sustained one-sided pressure backed by large orders.
type OrderFlow struct {
	buffers  *buffer.Manager
	tiers    *market.TierTable
	whaleMin int // Large orders on the dominant side needed to emit
	log      zerolog.Logger
}

func NewOrderFlow(buffers *buffer.Manager, tiers *market.TierTable, whaleMin int, log zerolog.Logger) *OrderFlow {
	if whaleMin <= 0 {
		whaleMin = 3
	}
	return &OrderFlow{
		buffers:  buffers,
		tiers:    tiers,
		whaleMin: whaleMin,
		log:      log.With().Str("analyzer", ProducerOrderFlow).Logger(),
	}
}

// Summary is the per-symbol order-flow state exposed to the dashboard.
type Summary struct {
	Symbol     string  `json:"symbol"`
	BuyRatio   float64 `json:"buy_ratio"`
	SellRatio  float64 `json:"sell_ratio"`
	BuyUSD     float64 `json:"buy_usd"`
	SellUSD    float64 `json:"sell_usd"`
	LargeBuys  int     `json:"large_buys"`
	LargeSells int     `json:"large_sells"`
	Trades     int     `json:"trades"`
	LastTS     int64   `json:"last_update_ts"`
}

// Summarize aggregates the flow window without any detection logic.
func (d *OrderFlow) Summarize(symbol string, now time.Time) Summary {
	trades := d.buffers.SnapshotTrades(symbol, now.UnixMilli()-flowWindow.Milliseconds())
	th := d.tiers.ThresholdsFor(symbol)

	s := Summary{Symbol: symbol, Trades: len(trades)}
	for _, t := range trades {
		switch t.Side {
		case market.Buy:
			s.BuyUSD += t.NotionalUSD
			if t.NotionalUSD >= th.LargeOrder {
				s.LargeBuys++
			}
		case market.Sell:
			s.SellUSD += t.NotionalUSD
			if t.NotionalUSD >= th.LargeOrder {
				s.LargeSells++
			}
		}
		if t.TS > s.LastTS {
			s.LastTS = t.TS
		}
	}
	if total := s.BuyUSD + s.SellUSD; total > 0 {
		s.BuyRatio = s.BuyUSD / total
		s.SellRatio = s.SellUSD / total
	}
	return s
}

// Evaluate emits an accumulation or distribution candidate when the notional
// ratio crosses its bound and enough large orders back the dominant side.
func (d *OrderFlow) Evaluate(symbol string, now time.Time) *Candidate {
	s := d.Summarize(symbol, now)
	if s.BuyUSD+s.SellUSD == 0 {
		return nil
	}
	r := s.BuyRatio

	var (
		typ        string
		dir        Direction
		largeCount int
	)
	switch {
	case r >= accumulationRatio && s.LargeBuys >= d.whaleMin:
		typ, dir, largeCount = TypeAccumulation, Long, s.LargeBuys
	case r <= distributionRatio && s.LargeSells >= d.whaleMin:
		typ, dir, largeCount = TypeDistribution, Short, s.LargeSells
	default:
		return nil
	}

	imbalance := r - 0.5
	if imbalance < 0 {
		imbalance = -imbalance
	}
	score := 50 + 30*imbalance*2 + min(15.0, 2*float64(largeCount))

	d.log.Info().
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Float64("buy_ratio", r).
		Int("large_orders", largeCount).
		Msg("order-flow imbalance detected")

	return &Candidate{
		Producer:  ProducerOrderFlow,
		Type:      typ,
		Symbol:    symbol,
		Direction: dir,
		RawScore:  score,
		Summary: fmt.Sprintf("%s: buy ratio %.0f%%, %d large orders on the %s side",
			typ, r*100, largeCount, dir),
		TS: now,
	}
}
