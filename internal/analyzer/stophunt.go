package analyzer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
)

const (
	cascadeWindow    = 30 * time.Second
	absorptionWindow = 30 * time.Second

	// Minimum one-sided share of cascade volume.
	minDominance = 0.6
)

// StopHunt detects liquidation cascades followed by opposite-side absorption.
// A cluster of short liquidations swept by aggressive buying argues the squeeze
// continues up, so the candidate goes long; the long-liquidation case mirrors.
type StopHunt struct {
	buffers *buffer.Manager
	tiers   *market.TierTable
	log     zerolog.Logger

	mu      sync.Mutex
	emitted map[string]int64 // Last cascade-end TS already signalled, per symbol
}

func NewStopHunt(buffers *buffer.Manager, tiers *market.TierTable, log zerolog.Logger) *StopHunt {
	return &StopHunt{
		buffers: buffers,
		tiers:   tiers,
		log:     log.With().Str("analyzer", ProducerStopHunt).Logger(),
		emitted: make(map[string]int64),
	}
}

// Evaluate inspects the trailing cascade window for symbol and returns a
// candidate when a qualifying cascade has attracted enough absorption, or when
// its absorption window has closed without it. Returns nil while the window is
// still open and under-absorbed, so a later tick can re-check.
func (d *StopHunt) Evaluate(symbol string, now time.Time) *Candidate {
	nowMs := now.UnixMilli()
	liqs := d.buffers.SnapshotLiquidations(symbol, nowMs-cascadeWindow.Milliseconds())
	if len(liqs) == 0 {
		return nil
	}

	th := d.tiers.ThresholdsFor(symbol)

	var total, longVol, shortVol float64
	lo, hi := liqs[0].Price, liqs[0].Price
	var cascadeEnd int64
	for _, l := range liqs {
		total += l.NotionalUSD
		switch l.Side {
		case market.LongLiquidated:
			longVol += l.NotionalUSD
		case market.ShortLiquidated:
			shortVol += l.NotionalUSD
		}
		if l.Price.LessThan(lo) {
			lo = l.Price
		}
		if l.Price.GreaterThan(hi) {
			hi = l.Price
		}
		if l.TS > cascadeEnd {
			cascadeEnd = l.TS
		}
	}

	// Equality does not qualify; the next cent does.
	if total <= th.Cascade {
		return nil
	}

	liquidated := market.LongLiquidated
	sideVol := longVol
	if shortVol > longVol {
		liquidated = market.ShortLiquidated
		sideVol = shortVol
	}
	dominance := sideVol / total
	if dominance < minDominance {
		return nil
	}

	d.mu.Lock()
	already := d.emitted[symbol] >= cascadeEnd
	d.mu.Unlock()
	if already {
		return nil
	}

	absorbed, windowOpen := d.absorption(symbol, liquidated, cascadeEnd, nowMs, th)
	if !absorbed && windowOpen {
		// Absorption may still arrive; check again next tick.
		return nil
	}

	// Shorts liquidated means the market pushed up through their stops;
	// buy-side absorption argues continuation up.
	dir := Short
	if liquidated == market.ShortLiquidated {
		dir = Long
	}

	score := 50 + 20*min(1.0, total/(3*th.Cascade)) + 15*dominance
	if absorbed {
		score += 20
	}

	entry, stop, target := zoneLevels(dir, lo, hi)

	d.mu.Lock()
	d.emitted[symbol] = cascadeEnd
	d.mu.Unlock()

	d.log.Info().
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Float64("cascade_usd", total).
		Float64("dominance", dominance).
		Bool("absorbed", absorbed).
		Msg("liquidation cascade detected")

	return &Candidate{
		Producer:  ProducerStopHunt,
		Type:      TypeStopHunt,
		Symbol:    symbol,
		Direction: dir,
		RawScore:  score,
		Summary: fmt.Sprintf("Liquidation cascade %s swept %s-%s, absorption=%v",
			market.FormatUSD(total), market.FormatPrice(lo), market.FormatPrice(hi), absorbed),
		TS:        now,
		HasLevels: true,
		Entry:     entry,
		Stop:      stop,
		Target:    target,
		Zone:      &PriceZone{Lower: lo, Upper: hi},
	}
}

// absorption sums opposite-side trades in the window after the cascade,
// counting only trades large enough to matter at this tier. windowOpen
// reports whether the absorption window is still running.
func (d *StopHunt) absorption(symbol string, liquidated market.LiquidationSide, cascadeEnd, nowMs int64, th market.Thresholds) (absorbed, windowOpen bool) {
	opposite := market.Sell
	if liquidated == market.ShortLiquidated {
		opposite = market.Buy
	}
	// Per-trade floor scales with the tier's large-order threshold.
	minTrade := th.LargeOrder / 2

	windowEnd := cascadeEnd + absorptionWindow.Milliseconds()
	windowOpen = nowMs < windowEnd

	var sum float64
	for _, t := range d.buffers.SnapshotTrades(symbol, cascadeEnd) {
		if t.TS > windowEnd || t.Side != opposite || t.NotionalUSD < minTrade {
			continue
		}
		sum += t.NotionalUSD
	}
	return sum >= th.Absorption, windowOpen
}

// zoneLevels derives entry, stop and target from the swept zone. Longs enter
// at the top of the zone with the stop just under it at 2:1 reward to risk;
// shorts mirror.
func zoneLevels(dir Direction, lo, hi decimal.Decimal) (entry, stop, target decimal.Decimal) {
	pad := decimal.NewFromFloat(0.001)
	two := decimal.NewFromInt(2)
	if dir == Long {
		entry = hi
		stop = lo.Sub(entry.Mul(pad))
		target = entry.Add(two.Mul(entry.Sub(stop)))
		return entry, stop, target
	}
	entry = lo
	stop = hi.Add(entry.Mul(pad))
	target = entry.Sub(two.Mul(stop.Sub(entry)))
	return entry, stop, target
}
