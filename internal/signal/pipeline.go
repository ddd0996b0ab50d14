package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/metrics"
)

// SignalStore persists signals on creation; failures never block delivery.
type SignalStore interface {
	SaveSignal(ctx context.Context, sig *TradingSignal) error
}

// Sink receives delivered signals. Implementations must not block; slow
// consumers queue internally.
type Sink interface {
	DeliverSignal(sig *TradingSignal)
}

// PipelineConfig carries the cadence knobs.
type PipelineConfig struct {
	AnalyzerTick  time.Duration // Periodic per-symbol analyzer cadence
	FlushTick     time.Duration // Coalescing-window flush cadence
	TradeDebounce time.Duration // Min spacing of trade-triggered evaluations
	RecentLimit   int           // Bounded recent-signal list for the dashboard
}

// Pipeline wires ingestion to delivery: buffers feed the three analyzers,
// candidates coalesce in the merger, and merged signals run the validator,
// scorer and market filter before fan-out to the sinks and the outcome
// tracker.
type Pipeline struct {
	cfg      PipelineConfig
	buffers  *buffer.Manager
	baseline *buffer.Baseline

	stopHunt  *analyzer.StopHunt
	orderFlow *analyzer.OrderFlow
	events    *analyzer.Events

	merger    *Merger
	validator *Validator
	scorer    *Scorer
	filter    *Filter
	tracker   *Tracker

	store     SignalStore
	messaging Sink
	dashboard Sink
	log       zerolog.Logger

	mu        sync.Mutex
	debounced map[string]time.Time
	recent    []*TradingSignal
}

func NewPipeline(
	cfg PipelineConfig,
	buffers *buffer.Manager,
	baseline *buffer.Baseline,
	stopHunt *analyzer.StopHunt,
	orderFlow *analyzer.OrderFlow,
	events *analyzer.Events,
	merger *Merger,
	validator *Validator,
	scorer *Scorer,
	filter *Filter,
	tracker *Tracker,
	store SignalStore,
	messaging, dashboard Sink,
	log zerolog.Logger,
) *Pipeline {
	if cfg.AnalyzerTick <= 0 {
		cfg.AnalyzerTick = 15 * time.Second
	}
	if cfg.FlushTick <= 0 {
		cfg.FlushTick = time.Second
	}
	if cfg.TradeDebounce <= 0 {
		cfg.TradeDebounce = 2 * time.Second
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 50
	}
	return &Pipeline{
		cfg:       cfg,
		buffers:   buffers,
		baseline:  baseline,
		stopHunt:  stopHunt,
		orderFlow: orderFlow,
		events:    events,
		merger:    merger,
		validator: validator,
		scorer:    scorer,
		filter:    filter,
		tracker:   tracker,
		store:     store,
		messaging: messaging,
		dashboard: dashboard,
		log:       log.With().Str("component", "pipeline").Logger(),
		debounced: make(map[string]time.Time),
	}
}

// OnLiquidation ingests a normalized liquidation and immediately re-checks
// the symbol for a cascade.
func (p *Pipeline) OnLiquidation(l market.Liquidation, now time.Time) {
	if !p.buffers.AppendLiquidation(l) {
		return
	}
	p.merger.Add(p.safeEval(analyzer.ProducerStopHunt, l.Symbol, func() *analyzer.Candidate {
		return p.stopHunt.Evaluate(l.Symbol, now)
	}), now)
}

// OnTrade ingests a normalized trade, feeds the volume baseline, and runs the
// trade-triggered analyzers behind a per-symbol debounce.
func (p *Pipeline) OnTrade(t market.Trade, now time.Time) {
	if !p.buffers.AppendTrade(t) {
		return
	}
	p.baseline.Add(t.Symbol, t.TS, t.NotionalUSD)

	p.mu.Lock()
	last, seen := p.debounced[t.Symbol]
	if seen && now.Sub(last) < p.cfg.TradeDebounce {
		p.mu.Unlock()
		return
	}
	p.debounced[t.Symbol] = now
	p.mu.Unlock()

	p.evaluateSymbol(t.Symbol, now)
}

// Tick runs every analyzer over every tracked symbol. Driven by the analyzer
// cadence in Run; exposed for deterministic replay.
func (p *Pipeline) Tick(now time.Time) {
	for _, sym := range p.buffers.TrackedSymbols() {
		p.evaluateSymbol(sym, now)
	}
}

// evaluateSymbol runs all three analyzers. Stop-hunt is included on trade
// triggers as well: absorption arrives on the trade tape, so a deferred
// cascade resolves here before the slower order-flow path can claim the
// symbol's cooldown.
func (p *Pipeline) evaluateSymbol(sym string, now time.Time) {
	p.merger.Add(p.safeEval(analyzer.ProducerStopHunt, sym, func() *analyzer.Candidate {
		return p.stopHunt.Evaluate(sym, now)
	}), now)
	p.merger.Add(p.safeEval(analyzer.ProducerOrderFlow, sym, func() *analyzer.Candidate {
		return p.orderFlow.Evaluate(sym, now)
	}), now)
	p.merger.Add(p.safeEval(analyzer.ProducerEvent, sym, func() *analyzer.Candidate {
		return p.events.Evaluate(sym, now)
	}), now)
}

// safeEval runs one analyzer behind a recover barrier: an analyzer bug costs
// one candidate, never the pipeline.
func (p *Pipeline) safeEval(name, symbol string, fn func() *analyzer.Candidate) (c *analyzer.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AnalyzerErrors.WithLabelValues(name).Inc()
			p.log.Error().
				Str("analyzer", name).
				Str("symbol", symbol).
				Interface("panic", r).
				Msg("analyzer failed")
			c = nil
		}
	}()
	return fn()
}

// Drain flushes closed coalescing windows and runs every merged signal
// through the gate chain. Exposed for deterministic replay.
func (p *Pipeline) Drain(ctx context.Context, now time.Time) {
	for _, sig := range p.merger.Flush(now) {
		p.process(ctx, sig, now)
	}
}

func (p *Pipeline) process(ctx context.Context, sig *TradingSignal, now time.Time) {
	if ok, _ := p.validator.Validate(sig, now); !ok {
		return
	}
	if !p.scorer.Score(sig) {
		return
	}
	p.filter.Apply(sig, now)

	if p.store != nil {
		if err := p.store.SaveSignal(ctx, sig); err != nil {
			metrics.PersistenceErrors.Inc()
			p.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal persist failed")
		}
	}

	p.mu.Lock()
	p.recent = append(p.recent, sig)
	if len(p.recent) > p.cfg.RecentLimit {
		p.recent = p.recent[len(p.recent)-p.cfg.RecentLimit:]
	}
	p.mu.Unlock()

	if p.dashboard != nil {
		p.dashboard.DeliverSignal(sig)
		metrics.SignalsDelivered.WithLabelValues("dashboard").Inc()
	}
	if p.messaging != nil && !sig.SuppressMessaging {
		p.messaging.DeliverSignal(sig)
		metrics.SignalsDelivered.WithLabelValues("messaging").Inc()
	}

	p.tracker.Track(sig)

	p.log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("type", sig.Type).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Str("priority", sig.Priority).
		Str("context", sig.Context).
		Msg("signal delivered")
}

// Recent returns a copy of the bounded recent-signal list, newest last.
func (p *Pipeline) Recent() []*TradingSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TradingSignal, len(p.recent))
	copy(out, p.recent)
	return out
}

// Run drives the analyzer and flush cadences until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	analyze := time.NewTicker(p.cfg.AnalyzerTick)
	flush := time.NewTicker(p.cfg.FlushTick)
	sweep := time.NewTicker(time.Minute)
	defer analyze.Stop()
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-analyze.C:
			p.Tick(now)
		case now := <-flush.C:
			p.Drain(ctx, now)
		case now := <-sweep.C:
			p.buffers.Sweep(now)
		}
	}
}
