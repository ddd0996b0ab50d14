package analyzer

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
)

func testTiers() *market.TierTable {
	return market.NewTierTable(
		[]string{"BTCUSDT", "ETHUSDT"},
		[]string{"SOLUSDT"},
		market.Thresholds{Cascade: 2_000_000, LargeOrder: 10_000, Absorption: 100_000},
		market.Thresholds{Cascade: 200_000, LargeOrder: 5_000, Absorption: 20_000},
		market.Thresholds{Cascade: 50_000, LargeOrder: 2_000, Absorption: 5_000},
	)
}

func addLiq(m *buffer.Manager, sym string, ts int64, price string, side market.LiquidationSide, notional float64) {
	m.AppendLiquidation(market.Liquidation{
		Symbol:      sym,
		Exchange:    "Binance",
		Price:       decimal.RequireFromString(price),
		Side:        side,
		NotionalUSD: notional,
		TS:          ts,
	})
}

func addTrade(m *buffer.Manager, sym string, ts int64, price string, side market.TradeSide, notional float64) {
	m.AppendTrade(market.Trade{
		Symbol:      sym,
		Exchange:    "Binance",
		Price:       decimal.RequireFromString(price),
		Side:        side,
		NotionalUSD: notional,
		TS:          ts,
	})
}

func TestStopHuntShortCascadeWithAbsorptionGoesLong(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewStopHunt(m, testTiers(), zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	// 12 short liquidations, 200k each, over 20s between 95800 and 96000.
	for i := int64(0); i < 12; i++ {
		price := fmt.Sprintf("%d", 95_800+i*18)
		addLiq(m, "BTCUSDT", t0+i*1700, price, market.ShortLiquidated, 200_000)
	}
	// 6 aggressive buys, 200k each, in the 10s after the cascade.
	for i := int64(0); i < 6; i++ {
		addTrade(m, "BTCUSDT", t0+21_000+i*1500, "96010", market.Buy, 200_000)
	}

	c := d.Evaluate("BTCUSDT", time.UnixMilli(t0+30_000))
	require.NotNil(t, c)
	assert.Equal(t, TypeStopHunt, c.Type)
	assert.Equal(t, Long, c.Direction)
	// 50 + 20*min(1, 2.4M/6M) + 15*1.0 + 20 absorption
	assert.InDelta(t, 93, c.RawScore, 1e-9)

	require.True(t, c.HasLevels)
	assert.Equal(t, "95998", c.Entry.String())
	assert.True(t, c.Stop.LessThan(decimal.NewFromInt(95_800)))
	// 2:1 reward to risk above entry.
	risk := c.Entry.Sub(c.Stop)
	assert.True(t, c.Target.Equal(c.Entry.Add(risk.Mul(decimal.NewFromInt(2)))))
}

func TestStopHuntCascadeThresholdIsStrict(t *testing.T) {
	tiers := testTiers()

	// Exactly at the tier-3 threshold: no cascade.
	m := buffer.NewManager(buffer.Config{})
	d := NewStopHunt(m, tiers, zerolog.Nop())
	t0 := int64(1_700_000_000_000)
	addLiq(m, "PEPEUSDT", t0, "0.00001234", market.ShortLiquidated, 50_000)
	assert.Nil(t, d.Evaluate("PEPEUSDT", time.UnixMilli(t0+30_000)))

	// One cent over: cascade, no absorption bonus since the window closed empty.
	m2 := buffer.NewManager(buffer.Config{})
	d2 := NewStopHunt(m2, tiers, zerolog.Nop())
	addLiq(m2, "PEPEUSDT", t0, "0.00001234", market.ShortLiquidated, 50_000.01)
	c := d2.Evaluate("PEPEUSDT", time.UnixMilli(t0+30_000))
	require.NotNil(t, c)
	assert.Equal(t, Long, c.Direction)
	assert.Less(t, c.RawScore, 73.0)
}

func TestStopHuntDefersWhileAbsorptionWindowOpen(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewStopHunt(m, testTiers(), zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	addLiq(m, "SOLUSDT", t0, "150", market.LongLiquidated, 300_000)

	// Window still open and nothing absorbed yet: defer.
	assert.Nil(t, d.Evaluate("SOLUSDT", time.UnixMilli(t0+10_000)))

	// Sell-side absorption arrives; long liquidations argue a move down.
	addTrade(m, "SOLUSDT", t0+15_000, "149.5", market.Sell, 25_000)
	c := d.Evaluate("SOLUSDT", time.UnixMilli(t0+20_000))
	require.NotNil(t, c)
	assert.Equal(t, Short, c.Direction)

	// Same cascade does not emit twice.
	assert.Nil(t, d.Evaluate("SOLUSDT", time.UnixMilli(t0+22_000)))
}

func TestOrderFlowAccumulation(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewOrderFlow(m, testTiers(), 3, zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	// 0.72M buys vs 0.28M sells on a tier-3 symbol, 7 large buys, 1 large sell.
	for i := int64(0); i < 7; i++ {
		addTrade(m, "PEPEUSDT", t0+i*10_000, "0.00001234", market.Buy, 100_000)
	}
	addTrade(m, "PEPEUSDT", t0+80_000, "0.00001234", market.Buy, 20_000)
	addTrade(m, "PEPEUSDT", t0+90_000, "0.00001234", market.Sell, 280_000)

	c := d.Evaluate("PEPEUSDT", time.UnixMilli(t0+120_000))
	require.NotNil(t, c)
	assert.Equal(t, TypeAccumulation, c.Type)
	assert.Equal(t, Long, c.Direction)
	// 50 + 30*|0.72-0.5|*2 + min(15, 2*8) with 8 large buys
	assert.InDelta(t, 50+30*0.22*2+15, c.RawScore, 1e-9)
}

func TestOrderFlowNeedsLargeOrders(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewOrderFlow(m, testTiers(), 3, zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	// Heavy buy ratio but every order under the tier-1 large threshold.
	for i := int64(0); i < 20; i++ {
		addTrade(m, "BTCUSDT", t0+i*1000, "96000", market.Buy, 5_000)
	}
	addTrade(m, "BTCUSDT", t0+25_000, "96000", market.Sell, 5_000)

	assert.Nil(t, d.Evaluate("BTCUSDT", time.UnixMilli(t0+30_000)))
}

func TestOrderFlowEmptyWindowAborts(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewOrderFlow(m, testTiers(), 3, zerolog.Nop())
	assert.Nil(t, d.Evaluate("BTCUSDT", time.UnixMilli(1_700_000_000_000)))
}

func TestOrderFlowSummarize(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewOrderFlow(m, testTiers(), 3, zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	addTrade(m, "ETHUSDT", t0, "2800.5", market.Buy, 45_000)
	addTrade(m, "ETHUSDT", t0+1000, "2800.5", market.Sell, 15_000)

	s := d.Summarize("ETHUSDT", time.UnixMilli(t0+5000))
	assert.Equal(t, 0.75, s.BuyRatio)
	assert.Equal(t, 0.25, s.SellRatio)
	assert.Equal(t, 1, s.LargeBuys)
	assert.Equal(t, 1, s.LargeSells)
	assert.Equal(t, t0+1000, s.LastTS)
}

func TestLargeOrderThresholdInclusive(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewOrderFlow(m, testTiers(), 3, zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	// 7 buys at exactly the tier-3 large-order threshold all count.
	for i := int64(0); i < 7; i++ {
		addTrade(m, "PEPEUSDT", t0+i*1000, "0.00001234", market.Buy, 2_000)
	}

	s := d.Summarize("PEPEUSDT", time.UnixMilli(t0+10_000))
	assert.Equal(t, 7, s.LargeBuys)

	c := d.Evaluate("PEPEUSDT", time.UnixMilli(t0+10_000))
	require.NotNil(t, c)
	assert.Equal(t, TypeAccumulation, c.Type)
	assert.Equal(t, Long, c.Direction)
}

func TestWhaleWindowCountsThresholdOrders(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewEvents(m, buffer.NewBaseline(), testTiers(), zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	// Tape padding below the large-order threshold.
	for i := int64(0); i < 15; i++ {
		addTrade(m, "PEPEUSDT", t0+i*1000, "0.00001234", market.Buy, 100)
	}
	// 5 sells at exactly the tier-3 threshold meet the large-order minimum.
	for i := int64(0); i < 5; i++ {
		addTrade(m, "PEPEUSDT", t0+20_000+i*1000, "0.00001234", market.Sell, 2_000)
	}

	c := d.Evaluate("PEPEUSDT", time.UnixMilli(t0+30_000))
	require.NotNil(t, c)
	assert.Equal(t, TypeWhaleDistribution, c.Type)
	assert.Equal(t, Short, c.Direction)
}

func TestWhaleAccumulationWindow(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	d := NewEvents(m, buffer.NewBaseline(), testTiers(), zerolog.Nop())

	t0 := int64(1_700_000_000_000)
	// Tape padding so the window has enough trades.
	for i := int64(0); i < 16; i++ {
		addTrade(m, "BTCUSDT", t0+i*1000, "96000", market.Buy, 1_000)
	}
	// 6 large buys vs 1 large sell.
	for i := int64(0); i < 6; i++ {
		addTrade(m, "BTCUSDT", t0+20_000+i*1000, "96000", market.Buy, 50_000)
	}
	addTrade(m, "BTCUSDT", t0+27_000, "96000", market.Sell, 50_000)

	c := d.Evaluate("BTCUSDT", time.UnixMilli(t0+30_000))
	require.NotNil(t, c)
	assert.Equal(t, TypeWhaleAccumulation, c.Type)
	assert.Equal(t, Long, c.Direction)
	assert.InDelta(t, 50+40*(6.0/7.0), c.RawScore, 1e-9)
}

func TestVolumeSpikeAgainstBaseline(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	base := buffer.NewBaseline()
	d := NewEvents(m, base, testTiers(), zerolog.Nop())

	nowMs := int64(1_700_000_000_000)
	nowMin := nowMs / 60_000 * 60_000

	// 60 minutes of steady 100 USD/min baseline.
	for i := int64(1); i <= 60; i++ {
		base.Add("DOGEUSDT", nowMin-i*60_000, 100)
	}
	// 10x the baseline inside the current minute, in too few trades for the
	// whale detector to fire.
	for i := int64(0); i < 5; i++ {
		addTrade(m, "DOGEUSDT", nowMin+i*1000, "0.12", market.Buy, 200)
	}

	c := d.Evaluate("DOGEUSDT", time.UnixMilli(nowMin+10_000))
	require.NotNil(t, c)
	assert.Equal(t, TypeVolumeSpike, c.Type)
	assert.Equal(t, None, c.Direction)
	// ratio 10x caps the score formula at 99.
	assert.InDelta(t, 99, c.RawScore, 1e-9)
}

func TestVolumeSpikeNeedsBaselineCoverage(t *testing.T) {
	m := buffer.NewManager(buffer.Config{})
	base := buffer.NewBaseline()
	d := NewEvents(m, base, testTiers(), zerolog.Nop())

	nowMs := int64(1_700_000_000_000)
	base.Add("DOGEUSDT", nowMs-5*60_000, 100)
	addTrade(m, "DOGEUSDT", nowMs, "0.12", market.Buy, 10_000)

	assert.Nil(t, d.Evaluate("DOGEUSDT", time.UnixMilli(nowMs+1000)))
}
