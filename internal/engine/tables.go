package engine

import "ingestd/internal/store/writer"

// registerUpserters declares the Batch Writer's per-table bulk insert
// statements. Raw event tables insert-or-skip on their uniqueness key;
// the per-second rollup tables insert-or-replace since a late-arriving
// event recomputes an already-flushed second idempotently.
func registerUpserters(w *writer.Writer) {
	w.Register(writer.Upserter{Table: "book_ticker", SQL: `
		INSERT INTO book_ticker (symbol_id, ts_exchange, ts_ingest, update_id, best_bid, best_ask, bid_qty, ask_qty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol_id, ts_exchange, update_id) DO NOTHING`})

	w.Register(writer.Upserter{Table: "trades", SQL: `
		INSERT INTO trades (symbol_id, ts_exchange, ts_ingest, agg_trade_id, price, qty, buyer_is_maker)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol_id, agg_trade_id) DO NOTHING`})

	w.Register(writer.Upserter{Table: "depth_deltas", SQL: `
		INSERT INTO depth_deltas (symbol_id, ts_exchange, ts_ingest, first_update_id, final_update_id, prev_final_update_id, bids, asks)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb)
		ON CONFLICT (symbol_id, ts_exchange, final_update_id) DO NOTHING`})

	w.Register(writer.Upserter{Table: "mark_prices", SQL: `
		INSERT INTO mark_prices (symbol_id, ts_exchange, ts_ingest, mark_price, index_price, funding_rate, next_funding_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol_id, ts_exchange) DO NOTHING`})

	w.Register(writer.Upserter{Table: "force_orders", SQL: `
		INSERT INTO force_orders (symbol_id, ts_exchange, ts_ingest, side, price, qty, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (symbol_id, ts_exchange, side, price, qty) DO NOTHING`})

	w.Register(writer.Upserter{Table: "bt_1s", SQL: `
		INSERT INTO bt_1s (symbol_id, ts_second, open_mid, high_mid, low_mid, close_mid, spread_min, spread_max, spread_avg, update_count, vw_mid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			open_mid = EXCLUDED.open_mid, high_mid = EXCLUDED.high_mid, low_mid = EXCLUDED.low_mid,
			close_mid = EXCLUDED.close_mid, spread_min = EXCLUDED.spread_min, spread_max = EXCLUDED.spread_max,
			spread_avg = EXCLUDED.spread_avg, update_count = EXCLUDED.update_count, vw_mid = EXCLUDED.vw_mid`})

	w.Register(writer.Upserter{Table: "trade_1s", SQL: `
		INSERT INTO trade_1s (symbol_id, ts_second, count, volume_sum, value_sum, vwap, buy_volume, sell_volume, min_price, max_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			count = EXCLUDED.count, volume_sum = EXCLUDED.volume_sum, value_sum = EXCLUDED.value_sum,
			vwap = EXCLUDED.vwap, buy_volume = EXCLUDED.buy_volume, sell_volume = EXCLUDED.sell_volume,
			min_price = EXCLUDED.min_price, max_price = EXCLUDED.max_price`})

	w.Register(writer.Upserter{Table: "core_1s_24h", SQL: `
		INSERT INTO core_1s_24h (symbol_id, ts_second, mid_ffill, spread_ffill, trade_count, volume_sum, vwap, update_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			mid_ffill = EXCLUDED.mid_ffill, spread_ffill = EXCLUDED.spread_ffill, trade_count = EXCLUDED.trade_count,
			volume_sum = EXCLUDED.volume_sum, vwap = EXCLUDED.vwap, update_count = EXCLUDED.update_count`})
}
