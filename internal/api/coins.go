package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/metrics"
)

// StateBlobKeyCoins is the state_blob key holding the dashboard coin set.
const StateBlobKeyCoins = "coin_set"

// FeedControl is the slice of the feed client the coin set drives.
type FeedControl interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}

// CoinStore persists the coin set across restarts.
type CoinStore interface {
	SaveStateBlob(ctx context.Context, key string, blob []byte) error
	LoadStateBlob(ctx context.Context, key string) (blob []byte, found bool, err error)
}

// CoinStatus is one monitored symbol as shown on the dashboard.
type CoinStatus struct {
	Symbol  string `json:"symbol"`
	Enabled bool   `json:"enabled"`
}

// CoinSet is the mutable set of monitored symbols. Enabling a coin
// subscribes its trade channel; persistence is warn-and-continue.
type CoinSet struct {
	mu    sync.Mutex
	coins map[string]bool // symbol -> enabled
	store CoinStore
	feed  FeedControl
	log   zerolog.Logger
}

// LoadCoinSet restores the persisted set, falling back to the configured
// defaults on first boot.
func LoadCoinSet(ctx context.Context, defaults []string, store CoinStore, feed FeedControl, log zerolog.Logger) *CoinSet {
	cs := &CoinSet{
		coins: make(map[string]bool),
		store: store,
		feed:  feed,
		log:   log.With().Str("component", "coins").Logger(),
	}
	for _, sym := range defaults {
		cs.coins[normalizeSymbol(sym)] = true
	}

	if store == nil {
		return cs
	}
	blob, found, err := store.LoadStateBlob(ctx, StateBlobKeyCoins)
	if err != nil {
		cs.log.Warn().Err(err).Msg("could not restore coin set")
		return cs
	}
	if !found {
		return cs
	}
	var saved map[string]bool
	if err := json.Unmarshal(blob, &saved); err != nil {
		cs.log.Warn().Err(err).Msg("corrupt coin set blob, using defaults")
		return cs
	}
	cs.coins = saved
	cs.log.Info().Int("coins", len(saved)).Msg("coin set restored")
	return cs
}

// BindFeed attaches the feed client after construction. The coin set is
// loaded before the feed so the initial subscription list comes from it.
func (cs *CoinSet) BindFeed(feed FeedControl) {
	cs.mu.Lock()
	cs.feed = feed
	cs.mu.Unlock()
}

// List returns the set sorted by symbol.
func (cs *CoinSet) List() []CoinStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]CoinStatus, 0, len(cs.coins))
	for sym, enabled := range cs.coins {
		out = append(out, CoinStatus{Symbol: sym, Enabled: enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Enabled returns the enabled symbols, for feed bootstrap.
func (cs *CoinSet) Enabled() []string {
	var out []string
	for _, c := range cs.List() {
		if c.Enabled {
			out = append(out, c.Symbol)
		}
	}
	return out
}

// Add registers a symbol and subscribes its trade channel.
func (cs *CoinSet) Add(ctx context.Context, symbol string) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	cs.mu.Lock()
	if _, exists := cs.coins[symbol]; exists {
		cs.mu.Unlock()
		return fmt.Errorf("symbol %s already monitored", symbol)
	}
	cs.coins[symbol] = true
	feed := cs.feed
	cs.mu.Unlock()

	if feed != nil {
		if err := feed.Subscribe(symbol); err != nil {
			cs.log.Warn().Err(err).Str("symbol", symbol).Msg("subscribe failed, will retry on reconnect")
		}
	}
	cs.persist(ctx)
	return nil
}

// Remove drops a symbol and unsubscribes its trade channel.
func (cs *CoinSet) Remove(ctx context.Context, symbol string) error {
	symbol = normalizeSymbol(symbol)

	cs.mu.Lock()
	if _, exists := cs.coins[symbol]; !exists {
		cs.mu.Unlock()
		return fmt.Errorf("symbol %s not monitored", symbol)
	}
	delete(cs.coins, symbol)
	feed := cs.feed
	cs.mu.Unlock()

	if feed != nil {
		if err := feed.Unsubscribe(symbol); err != nil {
			cs.log.Warn().Err(err).Str("symbol", symbol).Msg("unsubscribe failed")
		}
	}
	cs.persist(ctx)
	return nil
}

// Toggle flips a symbol between enabled and paused and returns the new state.
func (cs *CoinSet) Toggle(ctx context.Context, symbol string) (bool, error) {
	symbol = normalizeSymbol(symbol)

	cs.mu.Lock()
	enabled, exists := cs.coins[symbol]
	if !exists {
		cs.mu.Unlock()
		return false, fmt.Errorf("symbol %s not monitored", symbol)
	}
	enabled = !enabled
	cs.coins[symbol] = enabled
	feed := cs.feed
	cs.mu.Unlock()

	if feed != nil {
		var err error
		if enabled {
			err = feed.Subscribe(symbol)
		} else {
			err = feed.Unsubscribe(symbol)
		}
		if err != nil {
			cs.log.Warn().Err(err).Str("symbol", symbol).Bool("enabled", enabled).
				Msg("subscription change failed")
		}
	}
	cs.persist(ctx)
	return enabled, nil
}

func (cs *CoinSet) persist(ctx context.Context) {
	if cs.store == nil {
		return
	}
	cs.mu.Lock()
	blob, err := json.Marshal(cs.coins)
	cs.mu.Unlock()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cs.store.SaveStateBlob(ctx, StateBlobKeyCoins, blob); err != nil {
		metrics.PersistenceErrors.Inc()
		cs.log.Warn().Err(err).Msg("coin set persist failed")
	}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
