package buffer

import "market-intel-bot/internal/market"

// Fixed-capacity rings for the two tape kinds. push reports whether the
// oldest entry was evicted to make room. Not safe for concurrent use; the
// owning symbolState lock covers access.

type liqRing struct {
	buf  []market.Liquidation
	head int
	n    int
}

func newLiqRing(cap int) liqRing {
	return liqRing{buf: make([]market.Liquidation, cap)}
}

func (r *liqRing) push(v market.Liquidation) (evicted bool) {
	if r.n == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		evicted = true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return evicted
}

func (r *liqRing) at(i int) market.Liquidation {
	return r.buf[(r.head+i)%len(r.buf)]
}

// tailSince copies out every entry with TS >= sinceMs. The tape is ordered up
// to the grace window, so scan back from the newest and stop at the first
// entry strictly older than the cutoff.
func (r *liqRing) tailSince(sinceMs int64) []market.Liquidation {
	start := r.n
	for start > 0 && r.at(start-1).TS >= sinceMs {
		start--
	}
	if start == r.n {
		return nil
	}
	out := make([]market.Liquidation, 0, r.n-start)
	for i := start; i < r.n; i++ {
		out = append(out, r.at(i))
	}
	return out
}

func (r *liqRing) dropOlderThan(cutoffMs int64) int {
	dropped := 0
	for r.n > 0 && r.at(0).TS < cutoffMs {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		dropped++
	}
	return dropped
}

type tradeRing struct {
	buf  []market.Trade
	head int
	n    int
}

func newTradeRing(cap int) tradeRing {
	return tradeRing{buf: make([]market.Trade, cap)}
}

func (r *tradeRing) push(v market.Trade) (evicted bool) {
	if r.n == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		evicted = true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return evicted
}

func (r *tradeRing) at(i int) market.Trade {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *tradeRing) last() (market.Trade, bool) {
	if r.n == 0 {
		return market.Trade{}, false
	}
	return r.at(r.n - 1), true
}

func (r *tradeRing) tailSince(sinceMs int64) []market.Trade {
	start := r.n
	for start > 0 && r.at(start-1).TS >= sinceMs {
		start--
	}
	if start == r.n {
		return nil
	}
	out := make([]market.Trade, 0, r.n-start)
	for i := start; i < r.n; i++ {
		out = append(out, r.at(i))
	}
	return out
}

func (r *tradeRing) dropOlderThan(cutoffMs int64) int {
	dropped := 0
	for r.n > 0 && r.at(0).TS < cutoffMs {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		dropped++
	}
	return dropped
}
