package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-intel-bot/internal/buffer"
)

func TestParseLatestCloseStringCode(t *testing.T) {
	body := []byte(`{"code":"0","data":[
		{"time":1636585200000,"open":"57000.00","high":"57100.00","low":"56800.00","close":"56900.00"},
		{"time":1636588800000,"open":"57158.76","high":"57158.76","low":"54806.62","close":"54806.62"}
	]}`)
	v, err := ParseLatestClose(body)
	require.NoError(t, err)
	assert.Equal(t, 54806.62, v)
}

func TestParseLatestCloseNumericCode(t *testing.T) {
	body := []byte(`{"code":0,"data":[{"time":1,"open":"1","high":"1","low":"1","close":"0.0001"}]}`)
	v, err := ParseLatestClose(body)
	require.NoError(t, err)
	assert.Equal(t, 0.0001, v)
}

func TestParseLatestCloseErrors(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"code":"40001","msg":"api key invalid","data":[]}`),
		[]byte(`{"code":"0","data":[]}`),
		[]byte(`{"code":"0","data":[{"time":1,"close":"notanumber"}]}`),
		[]byte(`garbage`),
	}
	for _, body := range cases {
		_, err := ParseLatestClose(body)
		assert.Error(t, err, string(body))
	}
}

func TestPollerCycleFeedsContextBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("CG-API-KEY"))
		assert.Equal(t, "BTC", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))

		closeVal := "1500000000" // open interest
		if r.URL.Path == fundingEndpoint {
			closeVal = "0.0001"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]any{
				{"time": 1636585200000, "open": closeVal, "high": closeVal, "low": closeVal, "close": closeVal},
			},
		})
	}))
	defer srv.Close()

	cb := buffer.NewContextBuffer(0)
	p := New(Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Symbols: []string{"BTC"},
	}, cb, nil, zerolog.Nop())

	p.cycle(context.Background())

	snap, ok := cb.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, 1_500_000_000.0, snap.OpenInterestUSD)
	assert.Equal(t, 0.0001, snap.FundingRate)
	assert.WithinDuration(t, time.Now(), snap.TS, 5*time.Second)
}

func TestPollerConsultsSymbolSourceEachCycle(t *testing.T) {
	polled := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == oiEndpoint {
			polled[r.URL.Query().Get("symbol")]++
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]any{
				{"time": 1636585200000, "open": "1", "high": "1", "low": "1", "close": "1"},
			},
		})
	}))
	defer srv.Close()

	symbols := []string{"BTC"}
	cb := buffer.NewContextBuffer(0)
	p := New(Config{
		BaseURL:      srv.URL,
		SymbolSource: func() []string { return symbols },
	}, cb, nil, zerolog.Nop())

	p.cycle(context.Background())
	symbols = []string{"BTC", "ETH"}
	p.cycle(context.Background())

	assert.Equal(t, 2, polled["BTC"])
	assert.Equal(t, 1, polled["ETH"])
}

func TestPollerSurvivesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := buffer.NewContextBuffer(0)
	p := New(Config{BaseURL: srv.URL, Symbols: []string{"BTC", "ETH"}}, cb, nil, zerolog.Nop())

	p.cycle(context.Background())

	_, ok := cb.Latest("BTC")
	assert.False(t, ok)
	assert.Equal(t, 2, p.consecutiveFailures)
}
