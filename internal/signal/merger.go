package signal

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/metrics"
)

const fallbackStopPct = 0.005 // Stop distance when no cascade zone exists

// typeRank orders candidate types for tie-breaking: stop hunts outrank whale
// windows, which outrank order-flow, which outrank volume spikes.
func typeRank(typ string) int {
	switch typ {
	case analyzer.TypeStopHunt:
		return 4
	case analyzer.TypeWhaleAccumulation, analyzer.TypeWhaleDistribution:
		return 3
	case analyzer.TypeAccumulation, analyzer.TypeDistribution:
		return 2
	case analyzer.TypeVolumeSpike:
		return 1
	default:
		return 0
	}
}

// Merger coalesces candidates for the same symbol arriving within a short
// window into a single TradingSignal. A lone market event commonly trips two
// or three analyzers at once; the window folds them together instead of
// emitting near-duplicates.
type Merger struct {
	buffers *buffer.Manager
	tiers   *market.TierTable
	window  time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*group
}

type group struct {
	opened     time.Time
	candidates []*analyzer.Candidate
}

func NewMerger(buffers *buffer.Manager, tiers *market.TierTable, window time.Duration, log zerolog.Logger) *Merger {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Merger{
		buffers: buffers,
		tiers:   tiers,
		window:  window,
		log:     log.With().Str("component", "merger").Logger(),
		pending: make(map[string]*group),
	}
}

// Add buffers a candidate into its symbol's coalescing window.
func (m *Merger) Add(c *analyzer.Candidate, now time.Time) {
	if c == nil || c.RawScore <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.pending[c.Symbol]
	if !ok {
		g = &group{opened: now}
		m.pending[c.Symbol] = g
	}
	g.candidates = append(g.candidates, c)
}

// Flush closes every window that has been open for the full coalescing
// duration and returns the merged signals, ordered by symbol for determinism.
func (m *Merger) Flush(now time.Time) []*TradingSignal {
	m.mu.Lock()
	var due []string
	for sym, g := range m.pending {
		if now.Sub(g.opened) >= m.window {
			due = append(due, sym)
		}
	}
	sort.Strings(due)
	groups := make([]*group, 0, len(due))
	for _, sym := range due {
		groups = append(groups, m.pending[sym])
		delete(m.pending, sym)
	}
	m.mu.Unlock()

	var out []*TradingSignal
	for i, g := range groups {
		if sig := m.merge(due[i], g, now); sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

func (m *Merger) merge(symbol string, g *group, now time.Time) *TradingSignal {
	if len(g.candidates) == 0 {
		return nil
	}

	// Highest type rank wins the signal's identity; raw score breaks ties.
	lead := g.candidates[0]
	for _, c := range g.candidates[1:] {
		if typeRank(c.Type) > typeRank(lead.Type) ||
			(typeRank(c.Type) == typeRank(lead.Type) && c.RawScore > lead.RawScore) {
			lead = c
		}
	}

	dir := mergeDirection(g.candidates, lead)

	var maxScore float64
	producers := make(map[string]bool)
	for _, c := range g.candidates {
		if c.RawScore > maxScore {
			maxScore = c.RawScore
		}
		producers[c.Producer] = true
	}
	confidence := maxScore
	if len(producers) >= 2 {
		confidence += 5
	}

	entry, stop, target, ok := m.levels(symbol, dir, g.candidates)
	if !ok {
		m.log.Warn().Str("symbol", symbol).Msg("no price reference for merged signal, dropping")
		metrics.SignalsDropped.WithLabelValues("no_price").Inc()
		return nil
	}

	sig := &TradingSignal{
		ID:          NewID(),
		Symbol:      symbol,
		Type:        lead.Type,
		Direction:   dir,
		Producer:    lead.Producer,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  confidence,
		Tier:        m.tiers.TierOf(symbol),
		Summary:     lead.Summary,
		Fingerprint: Fingerprint(symbol, lead.Type, dir, confidence),
		TS:          now,
	}
	metrics.SignalsMerged.Inc()
	return sig
}

// mergeDirection takes the majority vote among directional candidates; on a
// tie, or when any candidate abstains, the lead candidate decides.
func mergeDirection(cands []*analyzer.Candidate, lead *analyzer.Candidate) analyzer.Direction {
	longs, shorts, abstained := 0, 0, false
	for _, c := range cands {
		switch c.Direction {
		case analyzer.Long:
			longs++
		case analyzer.Short:
			shorts++
		default:
			abstained = true
		}
	}
	if abstained || longs == shorts {
		return lead.Direction
	}
	if longs > shorts {
		return analyzer.Long
	}
	return analyzer.Short
}

// levels picks entry, stop and target: the stop-hunt candidate's zone-derived
// levels when present, otherwise a zone around the last traded price with the
// stop at 0.5% and the target at 2:1 reward to risk.
func (m *Merger) levels(symbol string, dir analyzer.Direction, cands []*analyzer.Candidate) (entry, stop, target decimal.Decimal, ok bool) {
	for _, c := range cands {
		if c.HasLevels {
			return c.Entry, c.Stop, c.Target, true
		}
	}

	last, found := m.buffers.LatestTrade(symbol)
	if !found {
		return entry, stop, target, false
	}
	entry = last.Price
	pad := entry.Mul(decimal.NewFromFloat(fallbackStopPct))
	two := decimal.NewFromInt(2)
	if dir == analyzer.Short {
		stop = entry.Add(pad)
		target = entry.Sub(two.Mul(pad))
	} else {
		stop = entry.Sub(pad)
		target = entry.Add(two.Mul(pad))
	}
	return entry, stop, target, true
}
