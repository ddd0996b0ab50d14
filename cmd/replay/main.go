// Command replay runs a captured feed trace through the full detection
// pipeline with a deterministic clock and prints every signal it would have
// delivered. Useful for tuning thresholds against recorded sessions:
//
//	replay -trace session.jsonl -config config.json
//
// The trace is one raw feed frame per line, in arrival order.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/config"
	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/feed"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/signal"
)

type printSink struct {
	enc *json.Encoder
}

func (p *printSink) DeliverSignal(sig *signal.TradingSignal) {
	p.enc.Encode(sig)
}

type nullStore struct{}

func (nullStore) SaveSignal(context.Context, *signal.TradingSignal) error { return nil }
func (nullStore) SaveOutcome(context.Context, signal.Outcome) error      { return nil }

func main() {
	tracePath := flag.String("trace", "", "JSONL file of raw feed frames")
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	verbose := flag.Bool("v", false, "log rejected frames and pipeline internals")
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -trace <file> [-config <file>]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.Nop()
	if *verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
	}

	f, err := os.Open(*tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open trace: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	pipeline := buildPipeline(cfg, log)
	parser := feed.NewParser()

	var (
		frames int
		clock  time.Time
	)
	ctx := context.Background()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		frames++

		msg, err := parser.Parse(raw)
		if err != nil {
			log.Debug().Err(err).Msg("frame rejected")
			continue
		}
		switch msg.Kind {
		case feed.KindLiquidation:
			clock = time.UnixMilli(msg.Liquidation.TS)
			pipeline.OnLiquidation(*msg.Liquidation, clock)
		case feed.KindTrade:
			clock = time.UnixMilli(msg.Trade.TS)
			pipeline.OnTrade(*msg.Trade, clock)
		default:
			continue
		}
		// Event timestamps drive the clock, so windows close exactly as
		// they would have live.
		pipeline.Drain(ctx, clock)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read trace: %v\n", err)
		os.Exit(1)
	}

	// Close any window still open at end of trace.
	if !clock.IsZero() {
		pipeline.Tick(clock.Add(time.Minute))
		pipeline.Drain(ctx, clock.Add(time.Minute))
	}

	fmt.Fprintf(os.Stderr, "replayed %d frames, %d signals\n", frames, len(pipeline.Recent()))
}

func buildPipeline(cfg *config.Config, log zerolog.Logger) *signal.Pipeline {
	m := cfg.MonitoringConfig
	tiers := market.NewTierTable(
		m.Tier1Symbols, m.Tier2Symbols,
		market.Thresholds{Cascade: m.Tier1Cascade, LargeOrder: m.Tier1LargeOrder, Absorption: m.Tier1Absorption},
		market.Thresholds{Cascade: m.Tier2Cascade, LargeOrder: m.Tier2LargeOrder, Absorption: m.Tier2Absorption},
		market.Thresholds{Cascade: m.Tier3Cascade, LargeOrder: m.Tier3LargeOrder, Absorption: m.Tier3Absorption},
	)

	buffers := buffer.NewManager(buffer.Config{
		MaxLiquidations: m.MaxLiquidations,
		MaxTrades:       m.MaxTrades,
		Retention:       cfg.Retention(),
		Grace:           time.Duration(m.GraceSec) * time.Second,
	})
	baseline := buffer.NewBaseline()
	scorer := signal.NewScorer(cfg.SignalsConfig.MinConfidence, log)
	store := nullStore{}
	sink := &printSink{enc: json.NewEncoder(os.Stdout)}

	return signal.NewPipeline(
		signal.PipelineConfig{
			TradeDebounce: time.Duration(cfg.SignalsConfig.DebounceMs) * time.Millisecond,
			RecentLimit:   1 << 20, // Keep everything; Recent doubles as the replay count
		},
		buffers, baseline,
		analyzer.NewStopHunt(buffers, tiers, log),
		analyzer.NewOrderFlow(buffers, tiers, cfg.SignalsConfig.WhaleMinOrders, log),
		analyzer.NewEvents(buffers, baseline, tiers, log),
		signal.NewMerger(buffers, tiers, time.Duration(cfg.SignalsConfig.CoalesceWindowMs)*time.Millisecond, log),
		signal.NewValidator(
			time.Duration(cfg.SignalsConfig.DedupWindowSec)*time.Second,
			time.Duration(cfg.SignalsConfig.CooldownMinutes)*time.Minute,
			cfg.SignalsConfig.MaxSignalsPerHour,
			log,
		),
		scorer,
		signal.NewFilter(signal.FilterConfig{Mode: signal.ModePermissive}, buffer.NewContextBuffer(0), log),
		signal.NewTracker(
			time.Duration(cfg.OutcomeConfig.HorizonMinutes)*time.Minute,
			cfg.OutcomeConfig.WinFraction,
			buffers, scorer, store, log,
		),
		store, sink, nil, log,
	)
}
