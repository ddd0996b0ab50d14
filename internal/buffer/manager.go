// Package buffer owns the in-memory rolling state of the hot path: per-symbol
// liquidation and trade tapes, the market-context ring, and the per-minute
// volume baseline. Analyzers only ever see defensive copies.
package buffer

import (
	"sort"
	"sync"
	"time"

	"market-intel-bot/internal/market"
	"market-intel-bot/internal/metrics"
)

// Config bounds a Manager.
type Config struct {
	MaxLiquidations int           // Ring cap per symbol
	MaxTrades       int           // Ring cap per symbol
	Retention       time.Duration // Entries older than this are swept
	Grace           time.Duration // Late arrivals within the grace window are kept
}

type symbolState struct {
	mu         sync.Mutex
	liqs       liqRing
	trades     tradeRing
	maxLiqTS   int64 // Newest liquidation TS ever seen, watermark for the grace check
	maxTradeTS int64
}

// Manager holds bounded, time-ordered event tapes per symbol. Appends come
// from the single ingest task; snapshots are taken by every analyzer. A
// reader never observes partial mutation: the per-symbol lock covers both,
// and snapshots copy before returning.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	symbols map[string]*symbolState

	statsMu sync.Mutex
	stats   Stats
}

// Stats are the manager's exposed counters.
type Stats struct {
	TotalLiquidations     int64 `json:"total_liquidations"`
	TotalTrades           int64 `json:"total_trades"`
	DroppedCapLiqs        int64 `json:"dropped_cap_liquidations"`
	DroppedCapTrades      int64 `json:"dropped_cap_trades"`
	DroppedOrderingLiqs   int64 `json:"dropped_ordering_liquidations"`
	DroppedOrderingTrades int64 `json:"dropped_ordering_trades"`
	SweptEntries          int64 `json:"swept_entries"`
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxLiquidations <= 0 {
		cfg.MaxLiquidations = 1000
	}
	if cfg.MaxTrades <= 0 {
		cfg.MaxTrades = 500
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
	}
}

func (m *Manager) state(symbol string) *symbolState {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		liqs:   newLiqRing(m.cfg.MaxLiquidations),
		trades: newTradeRing(m.cfg.MaxTrades),
	}
	m.symbols[symbol] = st
	return st
}

// AppendLiquidation appends l to its symbol tape. Entries arriving more than
// the grace window behind the newest buffered timestamp are dropped so the
// tape stays monotonic. Returns false on drop.
func (m *Manager) AppendLiquidation(l market.Liquidation) bool {
	st := m.state(l.Symbol)
	st.mu.Lock()
	if st.maxLiqTS != 0 && l.TS < st.maxLiqTS-m.cfg.Grace.Milliseconds() {
		st.mu.Unlock()
		m.statsMu.Lock()
		m.stats.DroppedOrderingLiqs++
		m.statsMu.Unlock()
		metrics.BufferDropped.WithLabelValues("liquidation", "ordering").Inc()
		return false
	}
	if l.TS > st.maxLiqTS {
		st.maxLiqTS = l.TS
	}
	evicted := st.liqs.push(l)
	st.mu.Unlock()

	m.statsMu.Lock()
	m.stats.TotalLiquidations++
	if evicted {
		m.stats.DroppedCapLiqs++
	}
	m.statsMu.Unlock()
	if evicted {
		metrics.BufferDropped.WithLabelValues("liquidation", "cap").Inc()
	}
	return true
}

// AppendTrade appends t under the same ordering and cap rules.
func (m *Manager) AppendTrade(t market.Trade) bool {
	st := m.state(t.Symbol)
	st.mu.Lock()
	if st.maxTradeTS != 0 && t.TS < st.maxTradeTS-m.cfg.Grace.Milliseconds() {
		st.mu.Unlock()
		m.statsMu.Lock()
		m.stats.DroppedOrderingTrades++
		m.statsMu.Unlock()
		metrics.BufferDropped.WithLabelValues("trade", "ordering").Inc()
		return false
	}
	if t.TS > st.maxTradeTS {
		st.maxTradeTS = t.TS
	}
	evicted := st.trades.push(t)
	st.mu.Unlock()

	m.statsMu.Lock()
	m.stats.TotalTrades++
	if evicted {
		m.stats.DroppedCapTrades++
	}
	m.statsMu.Unlock()
	if evicted {
		metrics.BufferDropped.WithLabelValues("trade", "cap").Inc()
	}
	return true
}

// SnapshotLiquidations returns a copy of the contiguous tail with TS >= sinceMs.
// An unknown symbol yields an empty slice.
func (m *Manager) SnapshotLiquidations(symbol string, sinceMs int64) []market.Liquidation {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.liqs.tailSince(sinceMs)
}

// SnapshotTrades returns a copy of the contiguous tail with TS >= sinceMs.
func (m *Manager) SnapshotTrades(symbol string, sinceMs int64) []market.Trade {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.trades.tailSince(sinceMs)
}

// LatestTrade returns the most recent trade for symbol, if any.
func (m *Manager) LatestTrade(symbol string) (market.Trade, bool) {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return market.Trade{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.trades.last()
}

// Sweep drops entries older than the retention window. Called periodically.
func (m *Manager) Sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.Retention).UnixMilli()

	m.mu.RLock()
	states := make([]*symbolState, 0, len(m.symbols))
	for _, st := range m.symbols {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var swept int64
	for _, st := range states {
		st.mu.Lock()
		swept += int64(st.liqs.dropOlderThan(cutoff))
		swept += int64(st.trades.dropOlderThan(cutoff))
		st.mu.Unlock()
	}
	if swept > 0 {
		m.statsMu.Lock()
		m.stats.SweptEntries += swept
		m.statsMu.Unlock()
	}
}

// TrackedSymbols lists every symbol with a buffer, sorted.
func (m *Manager) TrackedSymbols() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
