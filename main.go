package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"market-intel-bot/config"
	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/api"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/cache"
	"market-intel-bot/internal/database"
	"market-intel-bot/internal/feed"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/notification"
	"market-intel-bot/internal/poller"
	"market-intel-bot/internal/signal"
)

// stateBlobKeyConfidence holds the scorer's win/loss counters across restarts.
const stateBlobKeyConfidence = "confidence_state"

func main() {
	godotenv.Load()

	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LoggingConfig)
	log.Info().Str("config", *configPath).Msg("starting market-intel-bot")

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database is the only fatal dependency besides the listen socket.
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	// Hot-path state.
	buffers := buffer.NewManager(buffer.Config{
		MaxLiquidations: cfg.MonitoringConfig.MaxLiquidations,
		MaxTrades:       cfg.MonitoringConfig.MaxTrades,
		Retention:       cfg.Retention(),
		Grace:           time.Duration(cfg.MonitoringConfig.GraceSec) * time.Second,
	})
	baseline := buffer.NewBaseline()
	ctxBuf := buffer.NewContextBuffer(cfg.MarketContextConfig.MaxSnapshots)

	m := cfg.MonitoringConfig
	tiers := market.NewTierTable(
		m.Tier1Symbols, m.Tier2Symbols,
		market.Thresholds{Cascade: m.Tier1Cascade, LargeOrder: m.Tier1LargeOrder, Absorption: m.Tier1Absorption},
		market.Thresholds{Cascade: m.Tier2Cascade, LargeOrder: m.Tier2LargeOrder, Absorption: m.Tier2Absorption},
		market.Thresholds{Cascade: m.Tier3Cascade, LargeOrder: m.Tier3LargeOrder, Absorption: m.Tier3Absorption},
	)

	// Gate chain.
	scorer := signal.NewScorer(cfg.SignalsConfig.MinConfidence, log)
	restoreConfidence(ctx, repo, scorer, log)
	validator := signal.NewValidator(
		time.Duration(cfg.SignalsConfig.DedupWindowSec)*time.Second,
		time.Duration(cfg.SignalsConfig.CooldownMinutes)*time.Minute,
		cfg.SignalsConfig.MaxSignalsPerHour,
		log,
	)
	filter := signal.NewFilter(signal.FilterConfig{
		Mode:        cfg.MarketContextConfig.FilterMode,
		MaxAge:      time.Duration(cfg.MarketContextConfig.MaxAgeSec) * time.Second,
		FundingHi:   cfg.MarketContextConfig.FundingHi,
		FundingLo:   cfg.MarketContextConfig.FundingLo,
		OIThreshold: cfg.MarketContextConfig.OIThresholdPct,
		NoAdjust:    cfg.MarketContextConfig.NoConfidenceAdjust,
	}, ctxBuf, log)
	tracker := signal.NewTracker(
		time.Duration(cfg.OutcomeConfig.HorizonMinutes)*time.Minute,
		cfg.OutcomeConfig.WinFraction,
		buffers, scorer, repo, log,
	)

	// Messaging sink.
	var messaging signal.Sink
	var notifier *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifier = notification.NewManager(cfg.NotificationConfig, repo, log)
		if cfg.NotificationConfig.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
			log.Info().Msg("telegram notifications enabled")
		}
		messaging = notifier
		go notifier.Run(ctx)
	}

	// Dashboard push channel is built before the pipeline so the pipeline can
	// hold it as a sink.
	hub := api.NewHub(cfg.DashboardConfig.APIToken, log)

	pipeline := signal.NewPipeline(
		signal.PipelineConfig{
			AnalyzerTick:  time.Duration(cfg.SignalsConfig.AnalyzerTickSec) * time.Second,
			FlushTick:     time.Second,
			TradeDebounce: time.Duration(cfg.SignalsConfig.DebounceMs) * time.Millisecond,
			RecentLimit:   cfg.DashboardConfig.RecentSignals,
		},
		buffers, baseline,
		analyzer.NewStopHunt(buffers, tiers, log),
		analyzer.NewOrderFlow(buffers, tiers, cfg.SignalsConfig.WhaleMinOrders, log),
		analyzer.NewEvents(buffers, baseline, tiers, log),
		signal.NewMerger(buffers, tiers, time.Duration(cfg.SignalsConfig.CoalesceWindowMs)*time.Millisecond, log),
		validator, scorer, filter, tracker,
		repo, messaging, hub, log,
	)

	// Monitored coin set, restored from the state blob, drives the feed
	// subscriptions.
	coins := api.LoadCoinSet(ctx, cfg.Symbols(), repo, nil, log)

	client := feed.NewClient(feed.ClientConfig{
		URL:               cfg.FeedConfig.URL,
		APIKey:            cfg.FeedConfig.APIKey,
		Symbols:           coins.Enabled(),
		MinTradeVolume:    int(cfg.FeedConfig.MinTradeNotional),
		HeartbeatInterval: time.Duration(cfg.FeedConfig.HeartbeatSeconds) * time.Second,
		InitialBackoff:    time.Duration(cfg.FeedConfig.ReconnectDelaySec) * time.Second,
		MaxBackoff:        time.Duration(cfg.FeedConfig.MaxReconnectDelay) * time.Second,
	}, feed.NewParser(), pipeline, log)
	coins.BindFeed(client)

	// Slow-path context poller.
	if cfg.MarketContextConfig.Enabled {
		p := poller.New(poller.Config{
			BaseURL:        cfg.MarketContextConfig.BaseURL,
			APIKey:         cfg.MarketContextConfig.APIKey,
			SymbolSource:   func() []string { return baseSymbols(coins.Enabled()) },
			Interval:       time.Duration(cfg.MarketContextConfig.PollIntervalSec) * time.Second,
			RequestTimeout: time.Duration(cfg.MarketContextConfig.RequestTimeout) * time.Second,
		}, ctxBuf, repo, log)
		go p.Run(ctx)
	} else {
		log.Warn().Msg("market context disabled, signals will run neutral")
	}

	snapCache := cache.New(cfg.RedisConfig, log)
	defer snapCache.Close()

	server := api.NewServer(cfg.DashboardConfig, api.Deps{
		Buffers:   buffers,
		Flow:      analyzer.NewOrderFlow(buffers, tiers, cfg.SignalsConfig.WhaleMinOrders, log),
		Pipeline:  pipeline,
		Validator: validator,
		Scorer:    scorer,
		Repo:      repo,
		Feed:      client,
		Coins:     coins,
		Cache:     snapCache,
		Hub:       hub,
	}, log)

	go pipeline.Run(ctx)
	go tracker.Run(ctx, 5*time.Second)
	go client.Run(ctx)
	go server.RunBroadcaster(ctx, 5*time.Second)
	go maintenance(ctx, repo, scorer, log)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("dashboard server failed")
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if notifier != nil {
		notifier.Close(30 * time.Second)
	}
	persistConfidence(shutdownCtx, repo, scorer, log)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dashboard shutdown incomplete")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = zerolog.New(os.Stdout)
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(level).With().Timestamp().Logger()
}

func restoreConfidence(ctx context.Context, repo *database.Repository, scorer *signal.Scorer, log zerolog.Logger) {
	blob, found, err := repo.LoadStateBlob(ctx, stateBlobKeyConfidence)
	if err != nil {
		log.Warn().Err(err).Msg("could not load confidence state")
		return
	}
	if !found {
		return
	}
	if err := scorer.RestoreState(blob); err != nil {
		log.Warn().Err(err).Msg("corrupt confidence state, starting fresh")
		return
	}
	log.Info().Msg("confidence state restored")
}

func persistConfidence(ctx context.Context, repo *database.Repository, scorer *signal.Scorer, log zerolog.Logger) {
	blob, err := scorer.MarshalState()
	if err != nil {
		return
	}
	if err := repo.SaveStateBlob(ctx, stateBlobKeyConfidence, blob); err != nil {
		log.Warn().Err(err).Msg("confidence state persist failed")
	}
}

// maintenance persists the confidence counters periodically and prunes aged
// context history.
func maintenance(ctx context.Context, repo *database.Repository, scorer *signal.Scorer, log zerolog.Logger) {
	persist := time.NewTicker(5 * time.Minute)
	prune := time.NewTicker(time.Hour)
	defer persist.Stop()
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-persist.C:
			persistConfidence(ctx, repo, scorer, log)
		case <-prune.C:
			if err := repo.PruneContext(ctx); err != nil {
				log.Warn().Err(err).Msg("context prune failed")
			}
		}
	}
}

// baseSymbols maps trading pairs to the base coins the context endpoints key
// on: BTCUSDT -> BTC.
func baseSymbols(pairs []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, pair := range pairs {
		base := market.BaseSymbol(pair)
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
	}
	return out
}
