package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"market-intel-bot/internal/market"
	"market-intel-bot/internal/signal"
)

// contextRetention is how long OI and funding history stays on disk.
const contextRetention = 7 * 24 * time.Hour

// Repository implements the persistence seams of the pipeline, the poller
// and the dashboard export.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveSignal inserts a signal at creation time.
func (r *Repository) SaveSignal(ctx context.Context, sig *signal.TradingSignal) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signals (id, ts, symbol, type, direction, producer, entry, stop, target,
		                     confidence, tier, priority, context, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sig.ID, sig.TS, sig.Symbol, sig.Type, string(sig.Direction), sig.Producer,
		sig.Entry, sig.Stop, sig.Target, sig.Confidence, int(sig.Tier),
		sig.Priority, sig.Context, sig.Fingerprint,
	)
	return err
}

// MarkDeliveryFailed flags a signal whose messaging delivery exhausted its
// retries.
func (r *Repository) MarkDeliveryFailed(ctx context.Context, signalID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE signals SET delivery_failed = TRUE WHERE id = $1`, signalID)
	return err
}

// SaveOutcome records the horizon check result for a signal.
func (r *Repository) SaveOutcome(ctx context.Context, o signal.Outcome) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO outcomes (signal_id, ts, price_at_check, pct_to_target, label)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signal_id) DO NOTHING`,
		o.SignalID, o.TS, o.Price, o.PctToTarget, o.Label,
	)
	return err
}

// SaveContextSnapshot writes the OI and funding legs in one transaction.
func (r *Repository) SaveContextSnapshot(ctx context.Context, s market.ContextSnapshot) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO context_oi (symbol, ts, oi_usd) VALUES ($1, $2, $3)
			ON CONFLICT (symbol, ts) DO NOTHING`,
			s.Symbol, s.TS, s.OpenInterestUSD); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO context_funding (symbol, ts, funding_rate) VALUES ($1, $2, $3)
			ON CONFLICT (symbol, ts) DO NOTHING`,
			s.Symbol, s.TS, s.FundingRate)
		return err
	})
}

// SaveStateBlob upserts a named JSON blob (confidence counters, coin set).
func (r *Repository) SaveStateBlob(ctx context.Context, key string, blob []byte) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO state_blob (key, json, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET json = EXCLUDED.json, updated_at = NOW()`,
		key, blob,
	)
	return err
}

// LoadStateBlob fetches a named blob; found is false when the key is absent.
func (r *Repository) LoadStateBlob(ctx context.Context, key string) (blob []byte, found bool, err error) {
	err = r.db.Pool.QueryRow(ctx,
		`SELECT json FROM state_blob WHERE key = $1`, key).Scan(&blob)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// SignalRow is a persisted signal joined with its outcome, for the export
// endpoint.
type SignalRow struct {
	ID          string    `json:"id"`
	TS          time.Time `json:"ts"`
	Symbol      string    `json:"symbol"`
	Type        string    `json:"type"`
	Direction   string    `json:"direction"`
	Entry       string    `json:"entry"`
	Stop        string    `json:"stop"`
	Target      string    `json:"target"`
	Confidence  float64   `json:"confidence"`
	Tier        int       `json:"tier"`
	Priority    string    `json:"priority"`
	Context     string    `json:"context"`
	Outcome     string    `json:"outcome"`
	PctToTarget float64   `json:"pct_to_target"`
}

// ListSignals returns signals since the cutoff, newest first.
func (r *Repository) ListSignals(ctx context.Context, since time.Time, limit int) ([]SignalRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT s.id, s.ts, s.symbol, s.type, s.direction,
		       s.entry::TEXT, s.stop::TEXT, s.target::TEXT,
		       s.confidence, s.tier, s.priority, s.context,
		       COALESCE(o.label, ''), COALESCE(o.pct_to_target, 0)
		FROM signals s
		LEFT JOIN outcomes o ON o.signal_id = s.id
		WHERE s.ts >= $1
		ORDER BY s.ts DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalRow
	for rows.Next() {
		var row SignalRow
		if err := rows.Scan(&row.ID, &row.TS, &row.Symbol, &row.Type, &row.Direction,
			&row.Entry, &row.Stop, &row.Target, &row.Confidence, &row.Tier,
			&row.Priority, &row.Context, &row.Outcome, &row.PctToTarget); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PruneContext drops OI and funding history past the 7-day retention.
func (r *Repository) PruneContext(ctx context.Context) error {
	cutoff := time.Now().Add(-contextRetention)
	if _, err := r.db.Pool.Exec(ctx,
		`DELETE FROM context_oi WHERE ts < $1`, cutoff); err != nil {
		return err
	}
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM context_funding WHERE ts < $1`, cutoff)
	return err
}
