package signal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/internal/metrics"
)

// Drop reasons reported by the validator.
const (
	DropDuplicate   = "duplicate"
	DropCooldown    = "cooldown"
	DropRateLimited = "rate_limited"
)

// Validator is the anti-spam gate: fingerprint dedup, per-symbol cooldown and
// a global sliding-window hourly cap. All three maps are touched only under
// the mutex and only for O(1)-ish work.
type Validator struct {
	dedupWindow time.Duration
	cooldown    time.Duration
	hourlyCap   int
	log         zerolog.Logger

	mu        sync.Mutex
	lastByFP  map[string]time.Time
	lastBySym map[string]time.Time
	emits     []time.Time // Accept timestamps within the trailing hour
	drops     map[string]int64
}

func NewValidator(dedupWindow, cooldown time.Duration, hourlyCap int, log zerolog.Logger) *Validator {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if hourlyCap <= 0 {
		hourlyCap = 50
	}
	return &Validator{
		dedupWindow: dedupWindow,
		cooldown:    cooldown,
		hourlyCap:   hourlyCap,
		log:         log.With().Str("component", "validator").Logger(),
		lastByFP:    make(map[string]time.Time),
		lastBySym:   make(map[string]time.Time),
		drops:       make(map[string]int64),
	}
}

// Validate accepts or drops a signal. On accept the dedup, cooldown and rate
// state are recorded atomically; reason is empty on accept.
func (v *Validator) Validate(sig *TradingSignal, now time.Time) (ok bool, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if last, seen := v.lastByFP[sig.Fingerprint]; seen && now.Sub(last) < v.dedupWindow {
		return false, v.drop(sig, DropDuplicate)
	}
	if last, seen := v.lastBySym[sig.Symbol]; seen && now.Sub(last) < v.cooldown {
		return false, v.drop(sig, DropCooldown)
	}

	cutoff := now.Add(-time.Hour)
	kept := v.emits[:0]
	for _, ts := range v.emits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	v.emits = kept
	if len(v.emits) >= v.hourlyCap {
		return false, v.drop(sig, DropRateLimited)
	}

	v.lastByFP[sig.Fingerprint] = now
	v.lastBySym[sig.Symbol] = now
	v.emits = append(v.emits, now)
	return true, ""
}

func (v *Validator) drop(sig *TradingSignal, reason string) string {
	v.drops[reason]++
	metrics.SignalsDropped.WithLabelValues(reason).Inc()
	v.log.Debug().
		Str("symbol", sig.Symbol).
		Str("fingerprint", sig.Fingerprint).
		Str("reason", reason).
		Msg("signal dropped")
	return reason
}

// Drops returns a copy of the per-reason drop counters.
func (v *Validator) Drops() map[string]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int64, len(v.drops))
	for k, n := range v.drops {
		out[k] = n
	}
	return out
}
