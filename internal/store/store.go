// Package store wraps the pooled Postgres/Timescale connection that backs
// every raw and aggregate table, and owns the DDL bootstrap and chunk
// maintenance SQL the Retention Manager schedules. Grounded on
// SreemukhMantripragada-trading-platform's shared.PgxDB/NewPgxPool, adapted
// from a single connection string builder to the DATABASE_URL contract
// spec.md §6 specifies directly.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pooled connection to the persistent store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and configures the pool's min/max size.
func Open(ctx context.Context, databaseURL string, poolMin, poolMax int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	if poolMax > 0 {
		cfg.MaxConns = int32(poolMax)
	}
	if poolMin > 0 {
		cfg.MinConns = int32(poolMin)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pgx pool for components (Batch Writer,
// Aggregator, Retention Manager) that need direct batch/transaction access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Bootstrap creates every table and index the spec's data model requires,
// idempotently. Tables are range-partitioned by ts_exchange/ts_second via
// Timescale hypertables. Bootstrap requires the timescaledb extension: where
// it cannot be created, the first failing statement aborts Bootstrap with
// an error and no plain-table fallback is attempted.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	return nil
}

var bootstrapStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS timescaledb`,

	`CREATE TABLE IF NOT EXISTS symbols (
		id BIGSERIAL PRIMARY KEY,
		venue TEXT NOT NULL,
		code TEXT NOT NULL,
		instrument_type TEXT NOT NULL,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		price_tick DOUBLE PRECISION,
		qty_step DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (venue, code)
	)`,

	`CREATE TABLE IF NOT EXISTS book_ticker (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest TIMESTAMPTZ NOT NULL,
		update_id BIGINT NOT NULL DEFAULT 0,
		best_bid DOUBLE PRECISION NOT NULL,
		best_ask DOUBLE PRECISION NOT NULL,
		bid_qty DOUBLE PRECISION NOT NULL,
		ask_qty DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol_id, ts_exchange, update_id)
	)`,
	`SELECT create_hypertable('book_ticker', 'ts_exchange', if_not_exists => TRUE, migrate_data => TRUE)`,
	`CREATE INDEX IF NOT EXISTS book_ticker_symbol_time_idx ON book_ticker (symbol_id, ts_exchange DESC)`,

	`CREATE TABLE IF NOT EXISTS trades (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest TIMESTAMPTZ NOT NULL,
		agg_trade_id BIGINT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		buyer_is_maker BOOLEAN NOT NULL,
		PRIMARY KEY (symbol_id, agg_trade_id)
	)`,
	`SELECT create_hypertable('trades', 'ts_exchange', if_not_exists => TRUE, migrate_data => TRUE)`,
	`CREATE INDEX IF NOT EXISTS trades_symbol_time_idx ON trades (symbol_id, ts_exchange DESC)`,

	`CREATE TABLE IF NOT EXISTS depth_deltas (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest TIMESTAMPTZ NOT NULL,
		first_update_id BIGINT NOT NULL,
		final_update_id BIGINT NOT NULL,
		prev_final_update_id BIGINT,
		bids JSONB NOT NULL,
		asks JSONB NOT NULL,
		PRIMARY KEY (symbol_id, ts_exchange, final_update_id)
	)`,
	`SELECT create_hypertable('depth_deltas', 'ts_exchange', if_not_exists => TRUE, migrate_data => TRUE)`,
	`CREATE INDEX IF NOT EXISTS depth_deltas_symbol_time_idx ON depth_deltas (symbol_id, ts_exchange DESC)`,

	`CREATE TABLE IF NOT EXISTS mark_prices (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest TIMESTAMPTZ NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		index_price DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION,
		next_funding_time TIMESTAMPTZ,
		PRIMARY KEY (symbol_id, ts_exchange)
	)`,
	`SELECT create_hypertable('mark_prices', 'ts_exchange', if_not_exists => TRUE, migrate_data => TRUE)`,

	`CREATE TABLE IF NOT EXISTS force_orders (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest TIMESTAMPTZ NOT NULL,
		side TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		raw_payload JSONB,
		PRIMARY KEY (symbol_id, ts_exchange, side, price, qty)
	)`,
	`SELECT create_hypertable('force_orders', 'ts_exchange', if_not_exists => TRUE, migrate_data => TRUE)`,

	`CREATE TABLE IF NOT EXISTS bt_1s (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_second TIMESTAMPTZ NOT NULL,
		open_mid DOUBLE PRECISION NOT NULL,
		high_mid DOUBLE PRECISION NOT NULL,
		low_mid DOUBLE PRECISION NOT NULL,
		close_mid DOUBLE PRECISION NOT NULL,
		spread_min DOUBLE PRECISION NOT NULL,
		spread_max DOUBLE PRECISION NOT NULL,
		spread_avg DOUBLE PRECISION NOT NULL,
		update_count BIGINT NOT NULL,
		vw_mid DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol_id, ts_second)
	)`,
	`SELECT create_hypertable('bt_1s', 'ts_second', if_not_exists => TRUE, migrate_data => TRUE)`,

	`CREATE TABLE IF NOT EXISTS trade_1s (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_second TIMESTAMPTZ NOT NULL,
		count BIGINT NOT NULL,
		volume_sum DOUBLE PRECISION NOT NULL,
		value_sum DOUBLE PRECISION NOT NULL,
		vwap DOUBLE PRECISION,
		buy_volume DOUBLE PRECISION NOT NULL,
		sell_volume DOUBLE PRECISION NOT NULL,
		min_price DOUBLE PRECISION,
		max_price DOUBLE PRECISION,
		PRIMARY KEY (symbol_id, ts_second)
	)`,
	`SELECT create_hypertable('trade_1s', 'ts_second', if_not_exists => TRUE, migrate_data => TRUE)`,

	`CREATE TABLE IF NOT EXISTS core_1s_24h (
		symbol_id BIGINT NOT NULL REFERENCES symbols(id),
		ts_second TIMESTAMPTZ NOT NULL,
		mid_ffill DOUBLE PRECISION NOT NULL,
		spread_ffill DOUBLE PRECISION NOT NULL,
		trade_count BIGINT NOT NULL,
		volume_sum DOUBLE PRECISION NOT NULL,
		vwap DOUBLE PRECISION,
		update_count BIGINT NOT NULL,
		PRIMARY KEY (symbol_id, ts_second)
	)`,
	`SELECT create_hypertable('core_1s_24h', 'ts_second', if_not_exists => TRUE, migrate_data => TRUE)`,
}

// Policy is a single table's age-based compression/drop policy.
type Policy struct {
	Table         string
	CompressAfter time.Duration
	DropAfter     time.Duration
}

// Compress enables (or re-applies) the hypertable compression policy for a
// table's chunks older than after.
func (s *Store) Compress(ctx context.Context, table string, after time.Duration) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`SELECT add_compression_policy('%s', INTERVAL '%d seconds', if_not_exists => TRUE)`, table, int64(after.Seconds())))
	if err != nil {
		return fmt.Errorf("store: compress %s: %w", table, err)
	}
	return nil
}

// Drop enables (or re-applies) the hypertable retention policy that drops
// chunks older than after.
func (s *Store) Drop(ctx context.Context, table string, after time.Duration) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`SELECT add_retention_policy('%s', INTERVAL '%d seconds', if_not_exists => TRUE)`, table, int64(after.Seconds())))
	if err != nil {
		return fmt.Errorf("store: drop policy %s: %w", table, err)
	}
	return nil
}
