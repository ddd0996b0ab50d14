// Package cache provides a Redis-backed snapshot cache for dashboard
// payloads. When Redis is unavailable the cache degrades to a no-op and
// callers recompute from the in-memory buffers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-intel-bot/config"
)

// Key prefixes for the cached dashboard payloads.
const (
	KeyStats     = "dash:stats"
	KeyOrderFlow = "dash:orderflow:%s"
	KeySignals   = "dash:signals:recent"
)

var (
	// ErrMiss is returned when the key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable is returned while Redis is down or the cache is disabled.
	ErrUnavailable = errors.New("cache unavailable")
)

// SnapshotCache caches computed dashboard payloads with a short TTL so that
// polling clients do not re-run aggregation on every request. All failures
// are soft; the caller falls back to computing the payload directly.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	mu           sync.RWMutex
	enabled      bool
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis per the config. A disabled config or a failed
// initial ping still returns a usable cache in degraded mode.
func New(cfg config.RedisConfig, log zerolog.Logger) *SnapshotCache {
	sc := &SnapshotCache{
		ttl:           time.Duration(cfg.TTLSec) * time.Second,
		log:           log.With().Str("component", "cache").Logger(),
		enabled:       cfg.Enabled,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
	if !cfg.Enabled {
		return sc
	}

	sc.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.client.Ping(ctx).Err(); err != nil {
		sc.log.Warn().Err(err).Str("address", cfg.Address).
			Msg("redis unreachable, snapshot cache degraded")
		return sc
	}

	sc.healthy = true
	sc.lastCheck = time.Now()
	sc.log.Info().Str("address", cfg.Address).Dur("ttl", sc.ttl).
		Msg("snapshot cache connected")
	return sc
}

// Healthy reports whether Redis is currently reachable.
func (sc *SnapshotCache) Healthy() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.enabled && sc.healthy
}

// GetJSON unmarshals a cached payload into dst.
func (sc *SnapshotCache) GetJSON(ctx context.Context, key string, dst any) error {
	sc.checkHealth()
	if !sc.Healthy() {
		return ErrUnavailable
	}

	raw, err := sc.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrMiss
		}
		sc.recordFailure()
		return fmt.Errorf("redis get: %w", err)
	}
	sc.recordSuccess()
	return json.Unmarshal(raw, dst)
}

// SetJSON stores a payload under the configured TTL.
func (sc *SnapshotCache) SetJSON(ctx context.Context, key string, value any) error {
	sc.checkHealth()
	if !sc.Healthy() {
		return ErrUnavailable
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := sc.client.Set(ctx, key, raw, sc.ttl).Err(); err != nil {
		sc.recordFailure()
		return fmt.Errorf("redis set: %w", err)
	}
	sc.recordSuccess()
	return nil
}

// Invalidate drops a cached payload, e.g. after a new signal lands.
func (sc *SnapshotCache) Invalidate(ctx context.Context, keys ...string) {
	if !sc.Healthy() {
		return
	}
	if err := sc.client.Del(ctx, keys...).Err(); err != nil {
		sc.recordFailure()
		sc.log.Debug().Err(err).Msg("cache invalidation failed")
	}
}

// Close releases the Redis connection.
func (sc *SnapshotCache) Close() error {
	if sc.client == nil {
		return nil
	}
	return sc.client.Close()
}

func (sc *SnapshotCache) recordFailure() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.failureCount++
	if sc.failureCount >= sc.maxFailures {
		if sc.healthy {
			sc.log.Warn().Int("failures", sc.failureCount).
				Msg("redis marked unhealthy, snapshot cache degraded")
		}
		sc.healthy = false
	}
}

func (sc *SnapshotCache) recordSuccess() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.healthy {
		sc.log.Info().Msg("redis recovered, snapshot cache healthy")
	}
	sc.healthy = true
	sc.failureCount = 0
	sc.lastCheck = time.Now()
}

// checkHealth schedules a background ping once the unhealthy backoff has
// elapsed.
func (sc *SnapshotCache) checkHealth() {
	sc.mu.RLock()
	shouldCheck := sc.enabled && !sc.healthy &&
		time.Since(sc.lastCheck) >= sc.checkInterval
	sc.mu.RUnlock()
	if !shouldCheck {
		return
	}

	sc.mu.Lock()
	sc.lastCheck = time.Now()
	sc.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sc.client.Ping(ctx).Err(); err == nil {
			sc.recordSuccess()
		}
	}()
}
