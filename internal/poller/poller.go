// Package poller fetches the slow-path market context: open-interest and
// funding-rate history per monitored base symbol, polled from the vendor's
// REST API and fed into the context buffer. It never touches the hot path.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/metrics"
)

const (
	oiEndpoint      = "/api/futures/open-interest/aggregated-history"
	fundingEndpoint = "/api/futures/funding-rate/oi-weight-history"
)

// Config tunes the poller.
type Config struct {
	BaseURL        string
	APIKey         string
	Symbols        []string // Base symbols, e.g. BTC, ETH
	Interval       time.Duration
	RequestTimeout time.Duration
	SourceExchange string

	// SymbolSource, when set, is consulted at the start of each cycle instead
	// of Symbols, so runtime coin-set changes reach the poller.
	SymbolSource func() []string
}

// candle is one OHLC bar; the vendor encodes values as strings.
type candle struct {
	Time  int64  `json:"time"`
	Open  string `json:"open"`
	High  string `json:"high"`
	Low   string `json:"low"`
	Close string `json:"close"`
}

type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data []candle        `json:"data"`
}

// Poller polls both context endpoints per symbol at a fixed cadence. Request
// failures back off behind a circuit breaker and surface as a warning only
// after 3 consecutive failures; the hot path never waits on it.
type Poller struct {
	cfg     Config
	client  *http.Client
	ctxBuf  *buffer.ContextBuffer
	store   ContextStore
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	consecutiveFailures int
}

// ContextStore persists snapshots for the 7-day history; warn-and-continue.
type ContextStore interface {
	SaveContextSnapshot(ctx context.Context, s market.ContextSnapshot) error
}

func New(cfg Config, ctxBuf *buffer.ContextBuffer, store ContextStore, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.SourceExchange == "" {
		cfg.SourceExchange = "aggregated"
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "context-poller",
		Timeout: cfg.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Poller{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		ctxBuf:  ctxBuf,
		store:   store,
		breaker: breaker,
		log:     log.With().Str("component", "poller").Logger(),
	}
}

// Run polls until ctx is cancelled. The first cycle runs immediately so the
// filter has context soon after boot.
func (p *Poller) Run(ctx context.Context) {
	p.cycle(ctx)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	symbols := p.cfg.Symbols
	if p.cfg.SymbolSource != nil {
		symbols = p.cfg.SymbolSource()
	}
	for _, sym := range symbols {
		snap, err := p.fetchSymbol(ctx, sym)
		if err != nil {
			p.consecutiveFailures++
			if p.consecutiveFailures >= 3 {
				p.log.Warn().Err(err).Str("symbol", sym).
					Int("consecutive", p.consecutiveFailures).
					Msg("context polling degraded")
			} else {
				p.log.Debug().Err(err).Str("symbol", sym).Msg("context poll failed")
			}
			continue
		}
		p.consecutiveFailures = 0
		p.ctxBuf.Add(snap)
		if p.store != nil {
			if err := p.store.SaveContextSnapshot(ctx, snap); err != nil {
				metrics.PersistenceErrors.Inc()
				p.log.Warn().Err(err).Str("symbol", sym).Msg("context persist failed")
			}
		}

		// Spacing between symbols keeps us friendly with vendor rate limits.
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// fetchSymbol pulls both series and combines the latest closes into one
// snapshot.
func (p *Poller) fetchSymbol(ctx context.Context, symbol string) (market.ContextSnapshot, error) {
	oi, err := p.latestClose(ctx, oiEndpoint, symbol)
	if err != nil {
		metrics.PollFailures.WithLabelValues("open_interest").Inc()
		return market.ContextSnapshot{}, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	funding, err := p.latestClose(ctx, fundingEndpoint, symbol)
	if err != nil {
		metrics.PollFailures.WithLabelValues("funding_rate").Inc()
		return market.ContextSnapshot{}, fmt.Errorf("funding rate %s: %w", symbol, err)
	}
	return market.ContextSnapshot{
		Symbol:          symbol,
		OpenInterestUSD: oi,
		FundingRate:     funding,
		SourceExchange:  p.cfg.SourceExchange,
		TS:              time.Now().UTC(),
	}, nil
}

// latestClose fetches the last two 1h candles and returns the most recent
// close, behind the circuit breaker.
func (p *Poller) latestClose(ctx context.Context, endpoint, symbol string) (float64, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.request(ctx, endpoint, symbol)
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

func (p *Poller) request(ctx context.Context, endpoint, symbol string) (float64, error) {
	u := fmt.Sprintf("%s%s?%s", p.cfg.BaseURL, endpoint, url.Values{
		"symbol":   {symbol},
		"interval": {"1h"},
		"limit":    {"2"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("CG-API-KEY", p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	return ParseLatestClose(body)
}

// ParseLatestClose extracts the newest candle close from a vendor envelope.
// The code field arrives as a string or a number; anything but "0" is an API
// error.
func ParseLatestClose(body []byte) (float64, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, fmt.Errorf("decode envelope: %w", err)
	}
	code := string(env.Code)
	if code != `"0"` && code != `0` {
		return 0, fmt.Errorf("api code %s: %s", code, env.Msg)
	}
	if len(env.Data) == 0 {
		return 0, fmt.Errorf("empty candle list")
	}
	latest := env.Data[0]
	for _, c := range env.Data[1:] {
		if c.Time > latest.Time {
			latest = c
		}
	}
	v, err := strconv.ParseFloat(latest.Close, 64)
	if err != nil {
		return 0, fmt.Errorf("parse close %q: %w", latest.Close, err)
	}
	return v, nil
}
