package buffer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-intel-bot/internal/market"
)

func liq(sym string, ts int64, notional float64) market.Liquidation {
	return market.Liquidation{
		Symbol:      sym,
		Exchange:    "Binance",
		Price:       decimal.NewFromInt(100),
		Side:        market.LongLiquidated,
		NotionalUSD: notional,
		TS:          ts,
	}
}

func trade(sym string, ts int64, notional float64, side market.TradeSide) market.Trade {
	return market.Trade{
		Symbol:      sym,
		Exchange:    "Binance",
		Price:       decimal.NewFromInt(100),
		Side:        side,
		NotionalUSD: notional,
		TS:          ts,
	}
}

func TestAppendDropsEntriesBehindGraceWindow(t *testing.T) {
	m := NewManager(Config{Grace: 2 * time.Second})

	base := int64(1_700_000_000_000)
	assert.True(t, m.AppendLiquidation(liq("BTCUSDT", base, 1000)))
	// 1.5s behind the newest: inside the grace window, kept.
	assert.True(t, m.AppendLiquidation(liq("BTCUSDT", base-1500, 1000)))
	// 3s behind: dropped.
	assert.False(t, m.AppendLiquidation(liq("BTCUSDT", base-3000, 1000)))

	got := m.SnapshotLiquidations("BTCUSDT", 0)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2), m.Stats().TotalLiquidations)
	assert.Equal(t, int64(1), m.Stats().DroppedOrderingLiqs)
}

func TestCapEvictsOldest(t *testing.T) {
	m := NewManager(Config{MaxTrades: 3})

	base := int64(1_700_000_000_000)
	for i := int64(0); i < 5; i++ {
		m.AppendTrade(trade("ETHUSDT", base+i*100, float64(i), market.Buy))
	}

	got := m.SnapshotTrades("ETHUSDT", 0)
	require.Len(t, got, 3)
	assert.Equal(t, base+200, got[0].TS)
	assert.Equal(t, base+400, got[2].TS)
	assert.Equal(t, int64(2), m.Stats().DroppedCapTrades)
}

func TestSnapshotSinceFiltersAndCopies(t *testing.T) {
	m := NewManager(Config{})

	base := int64(1_700_000_000_000)
	for i := int64(0); i < 10; i++ {
		m.AppendLiquidation(liq("SOLUSDT", base+i*1000, 500))
	}

	got := m.SnapshotLiquidations("SOLUSDT", base+5000)
	require.Len(t, got, 5)
	assert.Equal(t, base+5000, got[0].TS)

	// Mutating the snapshot must not reach the buffer.
	got[0].NotionalUSD = -1
	again := m.SnapshotLiquidations("SOLUSDT", base+5000)
	assert.Equal(t, 500.0, again[0].NotionalUSD)
}

func TestSnapshotUnknownSymbolIsEmpty(t *testing.T) {
	m := NewManager(Config{})
	assert.Empty(t, m.SnapshotTrades("NOPEUSDT", 0))
	assert.Empty(t, m.SnapshotLiquidations("NOPEUSDT", 0))
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	m := NewManager(Config{Retention: time.Hour})

	now := time.UnixMilli(1_700_000_000_000)
	old := now.Add(-2 * time.Hour).UnixMilli()
	fresh := now.Add(-10 * time.Minute).UnixMilli()

	m.AppendTrade(trade("BTCUSDT", old, 100, market.Sell))
	m.AppendTrade(trade("BTCUSDT", fresh, 200, market.Buy))
	m.Sweep(now)

	got := m.SnapshotTrades("BTCUSDT", 0)
	require.Len(t, got, 1)
	assert.Equal(t, fresh, got[0].TS)
	assert.Equal(t, int64(1), m.Stats().SweptEntries)
}

func TestLatestTrade(t *testing.T) {
	m := NewManager(Config{})
	_, ok := m.LatestTrade("BTCUSDT")
	assert.False(t, ok)

	m.AppendTrade(trade("BTCUSDT", 1_700_000_000_000, 100, market.Buy))
	m.AppendTrade(trade("BTCUSDT", 1_700_000_001_000, 200, market.Sell))
	last, ok := m.LatestTrade("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_001_000), last.TS)
}

func TestOIChangeInterpolatesBetweenSnapshots(t *testing.T) {
	cb := NewContextBuffer(0)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	// 1_000_000 at -90m, 1_100_000 at -30m: interpolated -60m value is 1_050_000.
	cb.Add(market.ContextSnapshot{Symbol: "BTC", OpenInterestUSD: 1_000_000, TS: now.Add(-90 * time.Minute)})
	cb.Add(market.ContextSnapshot{Symbol: "BTC", OpenInterestUSD: 1_100_000, TS: now.Add(-30 * time.Minute)})
	cb.Add(market.ContextSnapshot{Symbol: "BTC", OpenInterestUSD: 1_155_000, TS: now})

	delta, ok := cb.OIChange("BTC", now, time.Hour)
	require.True(t, ok)
	assert.InDelta(t, 0.10, delta, 1e-9)
}

func TestOIChangeNeedsCoverage(t *testing.T) {
	cb := NewContextBuffer(0)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	cb.Add(market.ContextSnapshot{Symbol: "ETH", OpenInterestUSD: 500_000, TS: now.Add(-10 * time.Minute)})
	cb.Add(market.ContextSnapshot{Symbol: "ETH", OpenInterestUSD: 510_000, TS: now})

	// Oldest snapshot is newer than now-1h, so the window is not covered.
	_, ok := cb.OIChange("ETH", now, time.Hour)
	assert.False(t, ok)
}

func TestContextLatest(t *testing.T) {
	cb := NewContextBuffer(0)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	_, ok := cb.Latest("BTC")
	assert.False(t, ok)

	cb.Add(market.ContextSnapshot{Symbol: "BTC", FundingRate: 0.0001, TS: now.Add(-time.Minute)})
	cb.Add(market.ContextSnapshot{Symbol: "BTC", FundingRate: 0.0002, TS: now})
	latest, ok := cb.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, 0.0002, latest.FundingRate)
}

func TestBaselineExcludesCurrentMinute(t *testing.T) {
	b := NewBaseline()
	nowMs := int64(1_700_000_000_000)
	nowMin := nowMs / 60_000 * 60_000

	// 60 prior minutes of 100 USD each.
	for i := int64(1); i <= 60; i++ {
		b.Add("BTCUSDT", nowMin-i*60_000, 100)
	}
	// Huge spike in the current minute must not count toward its own baseline.
	b.Add("BTCUSDT", nowMin+1000, 1_000_000)

	mean, std, ok := b.Stats("BTCUSDT", nowMin+1000, 30)
	require.True(t, ok)
	assert.InDelta(t, 100, mean, 1e-9)
	assert.InDelta(t, 0, std, 1e-9)
}

func TestBaselineRequiresCoverage(t *testing.T) {
	b := NewBaseline()
	nowMs := int64(1_700_000_000_000)

	b.Add("ETHUSDT", nowMs-5*60_000, 100)
	_, _, ok := b.Stats("ETHUSDT", nowMs, 30)
	assert.False(t, ok)
}
