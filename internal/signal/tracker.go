package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/metrics"
)

// Outcome labels.
const (
	OutcomeWin     = "win"
	OutcomeLoss    = "loss"
	OutcomeExpired = "expired"
)

// Outcome is the realised result of a delivered signal at the horizon.
type Outcome struct {
	SignalID    string          `json:"signal_id"`
	TS          time.Time       `json:"ts"`
	Price       decimal.Decimal `json:"price_at_check"`
	PctToTarget float64         `json:"pct_to_target"`
	Label       string          `json:"label"`
}

// OutcomeStore persists outcomes; failures are warn-and-continue.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, o Outcome) error
}

// staleTradeBound is how recent the reference trade must be at check time.
const staleTradeBound = 60 * time.Second

type pendingCheck struct {
	id        string
	symbol    string
	producer  string
	direction analyzer.Direction
	entry     decimal.Decimal
	target    decimal.Decimal
	due       time.Time
	retried   bool
}

// Tracker closes the feedback loop: it schedules a price check at a fixed
// horizon after each delivered signal, labels the result and feeds it back
// into the scorer's producer tallies.
type Tracker struct {
	horizon     time.Duration
	winFraction float64
	buffers     *buffer.Manager
	scorer      *Scorer
	store       OutcomeStore
	log         zerolog.Logger

	mu      sync.Mutex
	pending []pendingCheck
}

func NewTracker(horizon time.Duration, winFraction float64, buffers *buffer.Manager, scorer *Scorer, store OutcomeStore, log zerolog.Logger) *Tracker {
	if horizon <= 0 {
		horizon = 15 * time.Minute
	}
	if winFraction <= 0 {
		winFraction = 0.5
	}
	return &Tracker{
		horizon:     horizon,
		winFraction: winFraction,
		buffers:     buffers,
		scorer:      scorer,
		store:       store,
		log:         log.With().Str("component", "outcome_tracker").Logger(),
	}
}

// Track schedules an outcome check for a delivered signal. Directionless
// signals have nothing to measure and are not tracked.
func (t *Tracker) Track(sig *TradingSignal) {
	if sig.Direction != analyzer.Long && sig.Direction != analyzer.Short {
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, pendingCheck{
		id:        sig.ID,
		symbol:    sig.Symbol,
		producer:  sig.Producer,
		direction: sig.Direction,
		entry:     sig.Entry,
		target:    sig.Target,
		due:       sig.TS.Add(t.horizon),
	})
	t.mu.Unlock()
}

// Pending reports the number of signals awaiting their check.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CheckDue evaluates every pending signal whose horizon has passed. A missing
// or stale reference price earns one retry before the outcome expires.
func (t *Tracker) CheckDue(ctx context.Context, now time.Time) {
	t.mu.Lock()
	var due []pendingCheck
	kept := t.pending[:0]
	for _, p := range t.pending {
		if p.due.After(now) {
			kept = append(kept, p)
		} else {
			due = append(due, p)
		}
	}
	t.pending = kept
	t.mu.Unlock()

	for _, p := range due {
		t.evaluate(ctx, p, now)
	}
}

func (t *Tracker) evaluate(ctx context.Context, p pendingCheck, now time.Time) {
	last, ok := t.buffers.LatestTrade(p.symbol)
	if !ok || now.UnixMilli()-last.TS > staleTradeBound.Milliseconds() {
		if !p.retried {
			p.retried = true
			p.due = now.Add(30 * time.Second)
			t.mu.Lock()
			t.pending = append(t.pending, p)
			t.mu.Unlock()
			return
		}
		t.record(ctx, p, Outcome{
			SignalID: p.id,
			TS:       now,
			Label:    OutcomeExpired,
		})
		return
	}

	span := p.target.Sub(p.entry)
	if span.IsZero() {
		t.record(ctx, p, Outcome{SignalID: p.id, TS: now, Price: last.Price, Label: OutcomeExpired})
		return
	}
	progress, _ := last.Price.Sub(p.entry).Div(span).Float64()

	label := OutcomeLoss
	if progress >= t.winFraction {
		label = OutcomeWin
	}
	t.record(ctx, p, Outcome{
		SignalID:    p.id,
		TS:          now,
		Price:       last.Price,
		PctToTarget: progress,
		Label:       label,
	})
}

func (t *Tracker) record(ctx context.Context, p pendingCheck, o Outcome) {
	metrics.Outcomes.WithLabelValues(o.Label).Inc()

	if o.Label == OutcomeWin || o.Label == OutcomeLoss {
		t.scorer.RecordOutcome(p.producer, o.Label == OutcomeWin)
	}

	if t.store != nil {
		if err := t.store.SaveOutcome(ctx, o); err != nil {
			metrics.PersistenceErrors.Inc()
			t.log.Warn().Err(err).Str("signal_id", p.id).Msg("outcome persist failed")
		}
	}

	t.log.Info().
		Str("signal_id", p.id).
		Str("symbol", p.symbol).
		Str("label", o.Label).
		Float64("pct_to_target", o.PctToTarget).
		Msg("signal outcome recorded")
}

// Run drives periodic checks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.CheckDue(ctx, now)
		}
	}
}
