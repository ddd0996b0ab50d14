package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-intel-bot/config"
	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/database"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/signal"
)

type fakeFeed struct {
	mu          sync.Mutex
	connected   bool
	subscribed  []string
	unsubbed    []string
	subscribeFn func(string) error
}

func (f *fakeFeed) Connected() bool { return f.connected }

func (f *fakeFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbol)
	if f.subscribeFn != nil {
		return f.subscribeFn(symbol)
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, symbol)
	return nil
}

type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) SaveStateBlob(_ context.Context, key string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (f *fakeBlobStore) LoadStateBlob(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.blobs[key]
	return blob, ok, nil
}

type fakeLister struct {
	rows []database.SignalRow
}

func (f *fakeLister) ListSignals(_ context.Context, _ time.Time, _ int) ([]database.SignalRow, error) {
	return f.rows, nil
}

type nullStore struct{}

func (nullStore) SaveSignal(context.Context, *signal.TradingSignal) error { return nil }
func (nullStore) SaveOutcome(context.Context, signal.Outcome) error      { return nil }

func testTiers() *market.TierTable {
	return market.NewTierTable(
		[]string{"BTCUSDT"}, nil,
		market.Thresholds{Cascade: 2_000_000, LargeOrder: 10_000, Absorption: 100_000},
		market.Thresholds{Cascade: 200_000, LargeOrder: 5_000, Absorption: 20_000},
		market.Thresholds{Cascade: 50_000, LargeOrder: 2_000, Absorption: 5_000},
	)
}

func newTestServer(t *testing.T, cfg config.DashboardConfig, feed *fakeFeed, lister SignalLister) (*Server, *buffer.Manager) {
	t.Helper()
	log := zerolog.Nop()
	m := buffer.NewManager(buffer.Config{})
	base := buffer.NewBaseline()
	tiers := testTiers()
	flow := analyzer.NewOrderFlow(m, tiers, 3, log)
	scorer := signal.NewScorer(70, log)
	validator := signal.NewValidator(5*time.Minute, 5*time.Minute, 50, log)
	store := nullStore{}

	pipe := signal.NewPipeline(
		signal.PipelineConfig{},
		m, base,
		analyzer.NewStopHunt(m, tiers, log),
		flow,
		analyzer.NewEvents(m, base, tiers, log),
		signal.NewMerger(m, tiers, 2*time.Second, log),
		validator,
		scorer,
		signal.NewFilter(signal.FilterConfig{Mode: signal.ModeNormal}, buffer.NewContextBuffer(0), log),
		signal.NewTracker(15*time.Minute, 0.5, m, scorer, store, log),
		store, nil, nil, log,
	)

	coins := LoadCoinSet(context.Background(), []string{"BTCUSDT"}, newFakeBlobStore(), feed, log)
	s := NewServer(cfg, Deps{
		Buffers:   m,
		Flow:      flow,
		Pipeline:  pipe,
		Validator: validator,
		Scorer:    scorer,
		Repo:      lister,
		Feed:      feed,
		Coins:     coins,
	}, log)
	return s, m
}

func doJSON(t *testing.T, s *Server, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestStatsEndpoint(t *testing.T) {
	feed := &fakeFeed{connected: true}
	s, m := newTestServer(t, config.DashboardConfig{APIToken: "secret"}, feed, &fakeLister{})

	m.AppendTrade(market.Trade{
		Symbol: "BTCUSDT", Exchange: "Binance",
		Price: decimal.NewFromInt(96_000), Side: market.Buy,
		NotionalUSD: 50_000, TS: time.Now().UnixMilli(),
	})

	rec, body := doJSON(t, s, http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["feed_connected"])
	assert.Contains(t, data["tracked_symbols"], "BTCUSDT")
}

func TestOrderFlowEndpoint(t *testing.T) {
	feed := &fakeFeed{}
	s, m := newTestServer(t, config.DashboardConfig{}, feed, &fakeLister{})

	now := time.Now()
	m.AppendTrade(market.Trade{
		Symbol: "BTCUSDT", Exchange: "Binance",
		Price: decimal.NewFromInt(96_000), Side: market.Buy,
		NotionalUSD: 30_000, TS: now.UnixMilli(),
	})
	m.AppendTrade(market.Trade{
		Symbol: "BTCUSDT", Exchange: "Binance",
		Price: decimal.NewFromInt(96_001), Side: market.Sell,
		NotionalUSD: 10_000, TS: now.UnixMilli() + 1,
	})

	rec, body := doJSON(t, s, http.MethodGet, "/api/orderflow", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	flow := data["BTCUSDT"].(map[string]any)
	assert.InDelta(t, 0.75, flow["buy_ratio"].(float64), 1e-9)
}

func TestCoinMutationsRequireToken(t *testing.T) {
	feed := &fakeFeed{}
	s, _ := newTestServer(t, config.DashboardConfig{APIToken: "secret"}, feed, &fakeLister{})

	rec, _ := doJSON(t, s, http.MethodPost, "/api/coins", "", `{"symbol":"ETHUSDT"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, s, http.MethodPost, "/api/coins", "wrong", `{"symbol":"ETHUSDT"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, s, http.MethodPost, "/api/coins", "secret", `{"symbol":"ethusdt"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, feed.subscribed, "ETHUSDT")

	// Duplicate add conflicts.
	rec, _ = doJSON(t, s, http.MethodPost, "/api/coins", "secret", `{"symbol":"ETHUSDT"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCoinToggleAndRemove(t *testing.T) {
	feed := &fakeFeed{}
	s, _ := newTestServer(t, config.DashboardConfig{APIToken: "secret"}, feed, &fakeLister{})

	rec, body := doJSON(t, s, http.MethodPost, "/api/coins/BTCUSDT/toggle", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["enabled"])
	assert.Contains(t, feed.unsubbed, "BTCUSDT")

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/coins/BTCUSDT", "secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, s, http.MethodPost, "/api/coins/NOPEUSDT/toggle", "secret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutationRateLimitPerIP(t *testing.T) {
	feed := &fakeFeed{}
	s, _ := newTestServer(t, config.DashboardConfig{
		APIToken:        "secret",
		RateLimitPerMin: 5,
	}, feed, &fakeLister{})

	var last int
	for i := 0; i < 6; i++ {
		rec, _ := doJSON(t, s, http.MethodPost, "/api/coins/NOPEUSDT/toggle", "secret", "")
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestExportCSV(t *testing.T) {
	feed := &fakeFeed{}
	lister := &fakeLister{rows: []database.SignalRow{{
		ID: "abc", TS: time.Now(), Symbol: "BTCUSDT", Type: analyzer.TypeStopHunt,
		Direction: "long", Entry: "95998", Stop: "95704.2", Target: "96585.6",
		Confidence: 93, Tier: 1, Priority: "urgent", Context: "neutral",
		Outcome: "win", PctToTarget: 0.62,
	}}}
	s, _ := newTestServer(t, config.DashboardConfig{}, feed, lister)

	rec, _ := doJSON(t, s, http.MethodGet, "/api/signals/export?hours=24", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "id,ts,symbol")
	assert.Contains(t, rec.Body.String(), "BTCUSDT")
	assert.Contains(t, rec.Body.String(), "95998")

	rec, _ = doJSON(t, s, http.MethodGet, "/api/signals/export?hours=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketHandshake(t *testing.T) {
	feed := &fakeFeed{}
	s, _ := newTestServer(t, config.DashboardConfig{APIToken: "secret"}, feed, &fakeLister{})

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	// Wrong token: the server closes without events.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(handshake{Token: "wrong"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	conn.Close()

	// Correct token: welcome frame, then broadcasts arrive.
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(handshake{Token: "secret"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "connected", ev.Type)

	// Give the hub time to register before broadcasting.
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	s.hub.DeliverSignal(&signal.TradingSignal{ID: "sig-1", Symbol: "BTCUSDT"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventNewSignal, ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "BTCUSDT", data["symbol"])
}

func TestCoinSetPersistsAcrossRestart(t *testing.T) {
	store := newFakeBlobStore()
	feed := &fakeFeed{}
	log := zerolog.Nop()

	cs := LoadCoinSet(context.Background(), []string{"BTCUSDT"}, store, feed, log)
	require.NoError(t, cs.Add(context.Background(), "ETHUSDT"))
	_, err := cs.Toggle(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	restored := LoadCoinSet(context.Background(), []string{"BTCUSDT"}, store, feed, log)
	list := restored.List()
	require.Len(t, list, 2)
	assert.Equal(t, CoinStatus{Symbol: "BTCUSDT", Enabled: false}, list[0])
	assert.Equal(t, CoinStatus{Symbol: "ETHUSDT", Enabled: true}, list[1])
	assert.Equal(t, []string{"ETHUSDT"}, restored.Enabled())
}
