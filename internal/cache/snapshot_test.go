package cache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"market-intel-bot/config"
)

func TestDisabledCacheDegradesGracefully(t *testing.T) {
	sc := New(config.RedisConfig{Enabled: false}, zerolog.Nop())
	defer sc.Close()

	assert.False(t, sc.Healthy())

	var dst map[string]any
	err := sc.GetJSON(context.Background(), KeyStats, &dst)
	assert.ErrorIs(t, err, ErrUnavailable)

	err = sc.SetJSON(context.Background(), KeyStats, map[string]int{"a": 1})
	assert.ErrorIs(t, err, ErrUnavailable)

	// Must not panic without a client.
	sc.Invalidate(context.Background(), KeyStats, KeySignals)
}

func TestUnreachableRedisDegradesGracefully(t *testing.T) {
	sc := New(config.RedisConfig{
		Enabled: true,
		Address: "127.0.0.1:1", // nothing listens here
		TTLSec:  5,
	}, zerolog.Nop())
	defer sc.Close()

	assert.False(t, sc.Healthy())

	var dst map[string]any
	err := sc.GetJSON(context.Background(), KeyStats, &dst)
	assert.ErrorIs(t, err, ErrUnavailable)
}
