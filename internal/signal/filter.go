package signal

import (
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
)

// Filter modes.
const (
	ModeStrict     = "strict"
	ModeNormal     = "normal"
	ModePermissive = "permissive"
)

// FilterConfig tunes the market-context assessment.
type FilterConfig struct {
	Mode        string
	MaxAge      time.Duration // Snapshot staleness bound; older means neutral+degraded
	FundingHi   float64       // Crowded-side funding bound (signed fraction)
	FundingLo   float64       // Contrarian-side funding bound
	OIThreshold float64       // Min fractional 1h OI change to confirm positioning

	// NoAdjust keeps the assessment and suppression behavior but leaves
	// confidence untouched.
	NoAdjust bool
}

// Filter grades each signal against the freshest open-interest and funding
// snapshot for its base symbol. It never fails: missing or stale context
// degrades to neutral.
type Filter struct {
	cfg FilterConfig
	ctx *buffer.ContextBuffer
	log zerolog.Logger
}

func NewFilter(cfg FilterConfig, ctx *buffer.ContextBuffer, log zerolog.Logger) *Filter {
	if cfg.Mode == "" {
		cfg.Mode = ModeNormal
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	if cfg.FundingHi == 0 {
		cfg.FundingHi = 0.0001
	}
	if cfg.FundingLo == 0 {
		cfg.FundingLo = 0.0001
	}
	if cfg.OIThreshold == 0 {
		cfg.OIThreshold = 0.02
	}
	return &Filter{cfg: cfg, ctx: ctx, log: log.With().Str("component", "market_filter").Logger()}
}

// Apply stamps sig with its context assessment, adjusts confidence and sets
// the messaging-suppression flag per mode. The dashboard always broadcasts;
// only the messaging sink is ever suppressed.
func (f *Filter) Apply(sig *TradingSignal, now time.Time) {
	assessment, adjust, degraded := f.assess(sig, now)

	sig.Context = assessment
	sig.Degraded = degraded
	if !f.cfg.NoAdjust {
		sig.Confidence = clamp(sig.Confidence + adjust)
		sig.Priority = priorityFor(sig.Confidence)
	}

	switch f.cfg.Mode {
	case ModeStrict:
		sig.SuppressMessaging = assessment != ContextFavorable
	case ModePermissive:
		sig.SuppressMessaging = false
	default:
		sig.SuppressMessaging = assessment == ContextUnfavorable
	}

	if sig.SuppressMessaging {
		f.log.Debug().
			Str("symbol", sig.Symbol).
			Str("assessment", assessment).
			Msg("messaging delivery suppressed by market context")
	}
}

func (f *Filter) assess(sig *TradingSignal, now time.Time) (assessment string, adjust float64, degraded bool) {
	if f.ctx == nil || (sig.Direction != analyzer.Long && sig.Direction != analyzer.Short) {
		return ContextNeutral, 0, f.ctx == nil
	}

	base := market.BaseSymbol(sig.Symbol)
	snap, ok := f.ctx.Latest(base)
	if !ok || now.Sub(snap.TS) > f.cfg.MaxAge {
		return ContextNeutral, 0, true
	}

	funding := snap.FundingRate
	// Mirror the funding sign for shorts so one rule covers both directions:
	// contrarian funding plus growing open interest is favorable, crowded
	// funding plus growing open interest is unfavorable.
	if sig.Direction == analyzer.Short {
		funding = -funding
	}

	oiDelta, oiOK := f.ctx.OIChange(base, now, time.Hour)
	oiGrowing := oiOK && oiDelta >= f.cfg.OIThreshold

	switch {
	case funding <= -f.cfg.FundingLo && oiGrowing:
		return ContextFavorable, 5, false
	case funding >= f.cfg.FundingHi && oiGrowing:
		return ContextUnfavorable, -10, false
	case funding <= -f.cfg.FundingLo:
		// Funding alone leans the right way; worth a nudge, not a verdict.
		return ContextNeutral, 2, false
	default:
		return ContextNeutral, 0, false
	}
}
