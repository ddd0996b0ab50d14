package buffer

import (
	"sync"
	"time"

	"market-intel-bot/internal/market"
)

// ContextBuffer holds the slow-path open-interest and funding snapshots per
// base symbol. The poller appends roughly once a minute; the market filter
// reads the latest snapshot and the 1h open-interest delta.
type ContextBuffer struct {
	mu    sync.RWMutex
	max   int
	bySym map[string][]market.ContextSnapshot
}

func NewContextBuffer(maxPerSymbol int) *ContextBuffer {
	if maxPerSymbol <= 0 {
		maxPerSymbol = 120
	}
	return &ContextBuffer{
		max:   maxPerSymbol,
		bySym: make(map[string][]market.ContextSnapshot),
	}
}

// Add appends a snapshot for its base symbol, evicting the oldest at cap.
// Snapshots arriving out of order are still appended; lookups scan by time.
func (c *ContextBuffer) Add(s market.ContextSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := append(c.bySym[s.Symbol], s)
	if len(ring) > c.max {
		ring = ring[len(ring)-c.max:]
	}
	c.bySym[s.Symbol] = ring
}

// Latest returns the newest snapshot for the base symbol.
func (c *ContextBuffer) Latest(symbol string) (market.ContextSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring := c.bySym[symbol]
	if len(ring) == 0 {
		return market.ContextSnapshot{}, false
	}
	best := ring[0]
	for _, s := range ring[1:] {
		if s.TS.After(best.TS) {
			best = s
		}
	}
	return best, true
}

// OIChange returns the fractional open-interest change over the lookback
// window ending at now, e.g. 0.03 for +3%. The reference value is linearly
// interpolated between the snapshots bracketing now-lookback; when the target
// predates the oldest snapshot the window is not yet covered and ok is false.
func (c *ContextBuffer) OIChange(symbol string, now time.Time, lookback time.Duration) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring := c.bySym[symbol]
	if len(ring) < 2 {
		return 0, false
	}

	latest := ring[0]
	for _, s := range ring[1:] {
		if s.TS.After(latest.TS) {
			latest = s
		}
	}
	if latest.OpenInterestUSD <= 0 {
		return 0, false
	}

	target := now.Add(-lookback)
	var before, after *market.ContextSnapshot
	for i := range ring {
		s := &ring[i]
		if !s.TS.After(target) {
			if before == nil || s.TS.After(before.TS) {
				before = s
			}
		} else {
			if after == nil || s.TS.Before(after.TS) {
				after = s
			}
		}
	}
	if before == nil {
		return 0, false
	}

	ref := before.OpenInterestUSD
	if after != nil && after.TS.After(before.TS) {
		span := after.TS.Sub(before.TS).Seconds()
		if span > 0 {
			frac := target.Sub(before.TS).Seconds() / span
			ref = before.OpenInterestUSD + frac*(after.OpenInterestUSD-before.OpenInterestUSD)
		}
	}
	if ref <= 0 {
		return 0, false
	}
	return (latest.OpenInterestUSD - ref) / ref, true
}

// Symbols lists base symbols with at least one snapshot.
func (c *ContextBuffer) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.bySym))
	for s := range c.bySym {
		out = append(out, s)
	}
	return out
}
