package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-intel-bot/internal/market"
)

// Handler receives normalised events from the feed.
type Handler interface {
	OnLiquidation(l market.Liquidation, now time.Time)
	OnTrade(t market.Trade, now time.Time)
}

// ClientConfig configures the upstream connection.
type ClientConfig struct {
	URL               string
	APIKey            string // Presented as a query parameter at dial time
	Symbols           []string
	MinTradeVolume    int // Vendor-side floor for the aggregated-trade channels
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// Client maintains the websocket session with the market-data vendor:
// dial, subscribe, heartbeat, and reconnect with exponential backoff. Data
// frames go through the Parser and on to the Handler; the handler runs on the
// read goroutine, so it must stay fast.
type Client struct {
	cfg     ClientConfig
	parser  *Parser
	handler Handler
	log     zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}

	connected   atomic.Bool
	lastMessage atomic.Int64 // Unix ms of the last frame received
}

func NewClient(cfg ClientConfig, parser *Parser, handler Handler, log zerolog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols[sym] = struct{}{}
	}
	return &Client{
		cfg:     cfg,
		parser:  parser,
		handler: handler,
		symbols: symbols,
		log:     log.With().Str("component", "feed").Logger(),
	}
}

// Connected reports whether the session is live; drives the dashboard
// connection indicator.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run dials and serves the session until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed session ended, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// session runs one connection lifetime: dial, subscribe, then read until the
// connection breaks or goes idle for 3 heartbeat intervals.
func (c *Client) session(ctx context.Context) error {
	dialURL := fmt.Sprintf("%s?cg-api-key=%s", c.cfg.URL, c.cfg.APIKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if err := c.subscribeAll(); err != nil {
		return err
	}
	c.connected.Store(true)
	c.lastMessage.Store(time.Now().UnixMilli())
	c.log.Info().Int("symbols", len(c.symbolList())).Msg("feed connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(sessionCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		c.lastMessage.Store(time.Now().UnixMilli())
		c.dispatch(raw)
	}
}

// heartbeat pings at the configured interval and force-closes the connection
// after 3 intervals without any inbound frame. Closing unblocks the read
// loop; Run handles the restart.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	idleLimit := 3 * c.cfg.HeartbeatInterval.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().UnixMilli()-c.lastMessage.Load() > idleLimit {
				c.log.Error().Msg("feed idle for 3 heartbeat intervals, forcing restart")
				conn.Close()
				return
			}
			if err := c.send(map[string]any{"event": "ping"}); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

func (c *Client) subscribeAll() error {
	// Liquidations arrive on one global channel; trades per symbol with a
	// vendor-side notional floor.
	if err := c.send(map[string]any{
		"event":  "subscribe",
		"params": map[string]any{"channel": "liquidationOrders"},
	}); err != nil {
		return fmt.Errorf("subscribe liquidations: %w", err)
	}
	for _, sym := range c.symbolList() {
		if err := c.send(c.tradeFrame("subscribe", sym)); err != nil {
			return fmt.Errorf("subscribe trades %s: %w", sym, err)
		}
	}
	return nil
}

func (c *Client) tradeFrame(event, symbol string) map[string]any {
	return map[string]any{
		"event": event,
		"params": map[string]any{
			"channel": "aggTrade",
			"symbol":  symbol,
			"minVol":  c.cfg.MinTradeVolume,
		},
	}
}

func (c *Client) symbolList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	return out
}

// Subscribe adds a symbol's trade channel to the session and to every future
// reconnect. Safe to call while disconnected.
func (c *Client) Subscribe(symbol string) error {
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; ok {
		c.mu.Unlock()
		return nil
	}
	c.symbols[symbol] = struct{}{}
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.send(c.tradeFrame("subscribe", symbol))
}

// Unsubscribe removes a symbol's trade channel.
func (c *Client) Unsubscribe(symbol string) error {
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.symbols, symbol)
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.send(c.tradeFrame("unsubscribe", symbol))
}

func (c *Client) send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) dispatch(raw []byte) {
	msg, err := c.parser.Parse(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("frame rejected")
		return
	}
	now := time.Now()
	switch msg.Kind {
	case KindLiquidation:
		c.handler.OnLiquidation(*msg.Liquidation, now)
	case KindTrade:
		c.handler.OnTrade(*msg.Trade, now)
	case KindHeartbeat, KindAck:
		// Keepalive and acks need no action beyond the idle-timer reset.
	default:
		c.log.Debug().Str("event", msg.Event).Msg("unhandled feed event")
	}
}
