// Package notification delivers signals to messaging providers. Delivery is
// queued and retried off the hot path; a signal that exhausts its retries is
// flagged in the database and never blocks the pipeline.
package notification

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"market-intel-bot/config"
	"market-intel-bot/internal/metrics"
	"market-intel-bot/internal/signal"
)

// Notifier is a single messaging provider.
type Notifier interface {
	Send(ctx context.Context, sig *signal.TradingSignal) error
	Name() string
	Enabled() bool
}

// DeliveryStore flags signals whose delivery failed permanently.
type DeliveryStore interface {
	MarkDeliveryFailed(ctx context.Context, signalID string) error
}

// Manager fans signals out to the configured providers through a bounded
// queue. It implements the pipeline's messaging sink.
type Manager struct {
	cfg       config.NotificationConfig
	notifiers []Notifier
	store     DeliveryStore
	log       zerolog.Logger

	queue   chan *signal.TradingSignal
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	backoff func(attempt int) time.Duration
}

func NewManager(cfg config.NotificationConfig, store DeliveryStore, log zerolog.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		log:   log.With().Str("component", "notification").Logger(),
		queue: make(chan *signal.TradingSignal, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second // 1s, 2s, 4s
		},
	}
}

func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// DeliverSignal enqueues a signal without blocking. A full queue counts as a
// delivery failure.
func (m *Manager) DeliverSignal(sig *signal.TradingSignal) {
	if !m.cfg.Enabled || m.closed.Load() {
		return
	}
	select {
	case m.queue <- sig:
	default:
		m.log.Warn().Str("signal_id", sig.ID).Msg("notification queue full, dropping")
		m.failed(sig)
	}
}

// Run serves the queue until ctx is cancelled or Close is called. The queue
// channel is never closed; anything still buffered when the worker stops is
// drained by Close.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case sig := <-m.queue:
			m.deliver(sig)
		}
	}
}

// Close stops accepting signals, stops the worker, and delivers whatever is
// still queued, all within the grace budget.
func (m *Manager) Close(grace time.Duration) {
	if m.closed.Swap(true) {
		return
	}
	close(m.stop)
	deadline := time.Now().Add(grace)

	select {
	case <-m.done:
	case <-time.After(time.Until(deadline)):
		m.log.Warn().Msg("notification worker did not stop before shutdown")
		return
	}

	for {
		if time.Now().After(deadline) {
			m.log.Warn().Int("queued", len(m.queue)).
				Msg("notification queue did not drain before shutdown")
			return
		}
		select {
		case sig := <-m.queue:
			m.deliver(sig)
		default:
			return
		}
	}
}

// deliver retries each signal with exponential backoff inside a per-signal
// delivery budget.
func (m *Manager) deliver(sig *signal.TradingSignal) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(m.cfg.DeliveryTimeout)*time.Second)
	defer cancel()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		err := m.sendAll(ctx, sig)
		if err == nil {
			if attempt > 1 {
				m.log.Info().Str("signal_id", sig.ID).Int("attempt", attempt).
					Msg("delivery succeeded after retry")
			}
			return
		}
		m.log.Warn().Err(err).Str("signal_id", sig.ID).Int("attempt", attempt).
			Msg("delivery attempt failed")
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			m.failed(sig)
			return
		case <-time.After(m.backoff(attempt)):
		}
	}
	m.failed(sig)
}

func (m *Manager) sendAll(ctx context.Context, sig *signal.TradingSignal) error {
	var lastErr error
	for _, n := range m.notifiers {
		if !n.Enabled() {
			continue
		}
		if err := n.Send(ctx, sig); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) failed(sig *signal.TradingSignal) {
	metrics.DeliveryFailures.Inc()
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.MarkDeliveryFailed(ctx, sig.ID); err != nil {
		metrics.PersistenceErrors.Inc()
		m.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("could not flag failed delivery")
	}
}
