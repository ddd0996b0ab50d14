package analyzer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
)

const (
	whaleWindow = 300 * time.Second
	spikeWindow = 60 * time.Second

	// Whale-window detection needs enough tape to mean anything.
	whaleMinTrades   = 20
	whaleMinLarge    = 5
	whaleDominance   = 0.6
	spikeMultiplier  = 3.0
	baselineCoverage = 30 // Minutes of history before the spike detector arms
)

// Events runs the two slower pattern detectors: whale accumulation or
// distribution windows, and per-minute volume spikes against the 24h baseline.
type Events struct {
	buffers  *buffer.Manager
	baseline *buffer.Baseline
	tiers    *market.TierTable
	log      zerolog.Logger
}

func NewEvents(buffers *buffer.Manager, baseline *buffer.Baseline, tiers *market.TierTable, log zerolog.Logger) *Events {
	return &Events{
		buffers:  buffers,
		baseline: baseline,
		tiers:    tiers,
		log:      log.With().Str("analyzer", ProducerEvent).Logger(),
	}
}

// Evaluate runs both sub-detectors and returns the stronger candidate, if any.
func (d *Events) Evaluate(symbol string, now time.Time) *Candidate {
	whale := d.whaleWindow(symbol, now)
	spike := d.volumeSpike(symbol, now)
	if whale == nil {
		return spike
	}
	if spike == nil || whale.RawScore >= spike.RawScore {
		return whale
	}
	return spike
}

func (d *Events) whaleWindow(symbol string, now time.Time) *Candidate {
	trades := d.buffers.SnapshotTrades(symbol, now.UnixMilli()-whaleWindow.Milliseconds())
	if len(trades) < whaleMinTrades {
		return nil
	}

	th := d.tiers.ThresholdsFor(symbol)
	largeBuys, largeSells := 0, 0
	for _, t := range trades {
		if t.NotionalUSD < th.LargeOrder {
			continue
		}
		if t.Side == market.Buy {
			largeBuys++
		} else {
			largeSells++
		}
	}
	total := largeBuys + largeSells
	if total < whaleMinLarge {
		return nil
	}

	typ, dir, dominant := TypeWhaleAccumulation, Long, largeBuys
	if largeSells > largeBuys {
		typ, dir, dominant = TypeWhaleDistribution, Short, largeSells
	}
	ratio := float64(dominant) / float64(total)
	if ratio < whaleDominance {
		return nil
	}

	d.log.Info().
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Int("large_buys", largeBuys).
		Int("large_sells", largeSells).
		Msg("whale window detected")

	return &Candidate{
		Producer:  ProducerEvent,
		Type:      typ,
		Symbol:    symbol,
		Direction: dir,
		RawScore:  50 + 40*ratio,
		Summary: fmt.Sprintf("%s: %d large buys vs %d large sells in 5 min",
			typ, largeBuys, largeSells),
		TS: now,
	}
}

func (d *Events) volumeSpike(symbol string, now time.Time) *Candidate {
	nowMs := now.UnixMilli()
	mean, std, ok := d.baseline.Stats(symbol, nowMs, baselineCoverage)
	if !ok || mean <= 0 {
		return nil
	}

	var vNow float64
	for _, t := range d.buffers.SnapshotTrades(symbol, nowMs-spikeWindow.Milliseconds()) {
		vNow += t.NotionalUSD
	}

	floor := max(spikeMultiplier*mean, mean+3*std)
	if vNow < floor {
		return nil
	}
	ratio := vNow / mean

	d.log.Info().
		Str("symbol", symbol).
		Float64("volume_usd", vNow).
		Float64("baseline_mean", mean).
		Float64("ratio", ratio).
		Msg("volume spike detected")

	return &Candidate{
		Producer:  ProducerEvent,
		Type:      TypeVolumeSpike,
		Symbol:    symbol,
		Direction: None,
		RawScore:  min(50+10*ratio, 99.0),
		Summary: fmt.Sprintf("Volume spike: %.1fx baseline (%s in 1 min vs %s avg)",
			ratio, market.FormatUSD(vNow), market.FormatUSD(mean)),
		TS: now,
	}
}
