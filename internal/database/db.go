// Package database owns PostgreSQL persistence: signals, outcomes, context
// history and the state blob. Writers treat failures as warn-and-continue;
// only the initial connection is fatal.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates the connection pool and verifies it with a ping.
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return &DB{Pool: pool, log: log.With().Str("component", "database").Logger()}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			type VARCHAR(30) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			producer VARCHAR(20) NOT NULL,
			entry DECIMAL(30, 12) NOT NULL,
			stop DECIMAL(30, 12) NOT NULL,
			target DECIMAL(30, 12) NOT NULL,
			confidence DECIMAL(5, 2) NOT NULL,
			tier SMALLINT NOT NULL,
			priority VARCHAR(10) NOT NULL,
			context VARCHAR(15) NOT NULL,
			fingerprint VARCHAR(80) NOT NULL,
			delivery_failed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(ts)`,

		`CREATE TABLE IF NOT EXISTS outcomes (
			signal_id UUID PRIMARY KEY REFERENCES signals(id),
			ts TIMESTAMPTZ NOT NULL,
			price_at_check DECIMAL(30, 12),
			pct_to_target DECIMAL(10, 6),
			label VARCHAR(10) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_label ON outcomes(label)`,

		`CREATE TABLE IF NOT EXISTS context_oi (
			symbol VARCHAR(20) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			oi_usd DECIMAL(30, 2) NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS context_funding (
			symbol VARCHAR(20) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			funding_rate DECIMAL(12, 10) NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,

		`CREATE TABLE IF NOT EXISTS state_blob (
			key VARCHAR(50) PRIMARY KEY,
			json JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	db.log.Info().Msg("database migrations completed")
	return nil
}
