// Package engine wires the Symbol Registry, Shard Supervisor, Event
// Normalizer, Aggregator, Batch Writer and Retention Manager into the
// single lifecycle the control plane drives. Grounded on the teacher's
// root main.go: build the per-venue reader/writer set from the loaded
// config and shard plan, run everything under one cancelable context,
// and drain components in reverse-dependency order on Stop.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ingestd/config"
	"ingestd/internal/aggregate"
	"ingestd/internal/controlplane"
	"ingestd/internal/model"
	"ingestd/internal/normalize"
	"ingestd/internal/registry"
	"ingestd/internal/retention"
	"ingestd/internal/shard"
	"ingestd/internal/store"
	"ingestd/internal/store/writer"
	"ingestd/internal/stream"
	"ingestd/internal/telemetry"
	"ingestd/internal/validate"
	"ingestd/logger"
)

// venueBinanceFutures is the Symbol Registry's venue identifier for the
// single venue this process ingests: Binance USDS-M Futures.
const venueBinanceFutures = "binance_futures"

// Engine owns one ingestion run: a shard plan's Stream Clients, the
// Normalizer/Aggregator/Writer pipeline fed by them, and the Retention
// Manager. Registry, Store and the telemetry Bus are process-lifetime
// infrastructure constructed once and reused across Start/Stop cycles.
type Engine struct {
	cfg       *config.Config
	log       *logger.Log
	bus       *telemetry.Bus
	st        *store.Store
	registry  *registry.Registry
	validator *validate.Validator

	mu              sync.Mutex
	running         bool
	startedAt       time.Time
	lastError       string
	lastStartConfig controlplane.StartConfig
	runCancel       context.CancelFunc
	supervisor      *shard.Supervisor
	writerW         *writer.Writer
	aggregator      *aggregate.Aggregator
	retention       *retention.Manager

	shardStatesMu sync.Mutex
	shardStates   map[string]string

	rateMu     sync.Mutex
	counts     map[string]int64
	lastCounts map[string]int64
	lastRateAt time.Time
}

// New constructs an Engine bound to the process-lifetime store, registry
// and telemetry bus. New starts a goroutine that subscribes to the bus and
// tracks shard states for Status().
func New(cfg *config.Config, log *logger.Log, bus *telemetry.Bus, st *store.Store, reg *registry.Registry) *Engine {
	e := &Engine{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		st:          st,
		registry:    reg,
		validator:   validate.New(validate.Config{FreshnessMax: cfg.Validator.FreshnessMax, FrequencyMin: cfg.Validator.FrequencyMin, QualityWindow: cfg.Validator.QualityWindow}),
		shardStates: make(map[string]string),
		counts:      make(map[string]int64),
		lastCounts:  make(map[string]int64),
		lastRateAt:  time.Now(),
	}
	go e.watchTelemetry()
	return e
}

// watchTelemetry keeps the Status() shard-state cache current by observing
// connection-state events published by every Stream Client, for the life
// of the process. If the bus ever disconnects this subscriber for being too
// slow it resubscribes rather than blocking forever on a queue nothing
// drains.
func (e *Engine) watchTelemetry() {
	for {
		sub := e.bus.Subscribe()
		e.consumeTelemetry(sub)
	}
}

func (e *Engine) consumeTelemetry(sub *telemetry.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-sub.Done:
			return
		case evt := <-sub.Events:
			if evt.Kind != telemetry.KindConnectionState {
				continue
			}
			state, _ := evt.Fields["state"].(string)
			e.shardStatesMu.Lock()
			e.shardStates[evt.Component] = state
			e.shardStatesMu.Unlock()
		}
	}
}

// Start builds a shard plan from startCfg (falling back to the loaded
// configuration's symbol universe and channel flags) and launches the
// full ingestion pipeline.
func (e *Engine) Start(ctx context.Context, startCfg controlplane.StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: already running")
	}

	symbols := startCfg.Symbols
	if len(symbols) == 0 {
		symbols = e.cfg.Symbols
	}
	if len(symbols) == 0 {
		return fmt.Errorf("engine: no symbols configured")
	}

	runCfg := e.cfg.Clone()
	runCfg.Symbols = symbols
	for _, ch := range startCfg.Channels {
		switch ch {
		case "markPrice":
			runCfg.Channels.MarkPrice = true
		case "forceOrder":
			runCfg.Channels.ForceOrder = true
		}
	}
	shardCount := runCfg.Shards.Count
	if startCfg.ShardPlanOverrides != nil && *startCfg.ShardPlanOverrides > 0 {
		shardCount = *startCfg.ShardPlanOverrides
	}
	plan := config.BuildShardPlan(symbols, shardCount, runCfg.Shards.SymbolsPerShard)

	if err := e.registry.WarmUp(ctx); err != nil {
		return fmt.Errorf("engine: warm up registry: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	e.writerW = writer.New(e.st.Pool(), e.bus, writer.Config{
		Size: runCfg.Batching.Size, MaxAge: runCfg.Batching.MaxAge,
		MaxRetries: runCfg.Batching.MaxRetries, RetryBase: runCfg.Batching.RetryBase, RetryMax: runCfg.Batching.RetryMax,
	})
	registerUpserters(e.writerW)

	e.aggregator = aggregate.New(aggregate.Config{
		GraceWindow: runCfg.Aggregator.GraceWindow, MaxLateness: runCfg.Aggregator.MaxLateness,
		GridRefresh: runCfg.Aggregator.GridRefresh, GridWindow: runCfg.Aggregator.GridWindow,
	}, &rollupSink{w: e.writerW}, &gridAggregateSource{pool: e.st.Pool(), registry: e.registry})

	normalizer := normalize.New(venueBinanceFutures, e.registry, e.bus)

	factory := func(a config.ShardAssignment) shard.StreamClient {
		client := stream.New(stream.Config{
			ShardIndex:  a.Index,
			WSBase:      runCfg.Venue.WSBase,
			RESTBase:    runCfg.Venue.RESTBase,
			Symbols:     a.Symbols,
			MarkPrice:   runCfg.Channels.MarkPrice,
			ForceOrder:  runCfg.Channels.ForceOrder,
			QueueSize:   runCfg.Channels.RawBufferSize,
			IdleTimeout: runCfg.Shards.IdleTimeout,
			BackoffBase: runCfg.Shards.BackoffBase,
			BackoffMax:  runCfg.Shards.BackoffMax,
		}, e.bus)
		go e.consume(runCtx, client, normalizer)
		return client
	}

	e.supervisor = shard.New(shard.Config{
		FailureThreshold: runCfg.Shards.BreakerFailureThreshold,
		Window:           runCfg.Shards.BreakerWindow,
		CooldownBase:     runCfg.Shards.BreakerCooldown,
		CooldownMax:      runCfg.Shards.BreakerCooldownMax,
	}, e.bus, factory)

	policies := make([]retention.Policy, 0, len(runCfg.Retention.Tables))
	for table, p := range runCfg.Retention.Tables {
		policies = append(policies, retention.Policy{Table: table, CompressAfter: p.CompressAfter, DropAfter: p.DropAfter})
	}
	if len(policies) == 0 {
		policies = retention.DefaultPolicies()
	}
	var retentionOpts []retention.Option
	if cs := runCfg.Retention.ColdStorage; cs.Bucket != "" {
		exporter, err := retention.NewS3ColdExporter(ctx, cs.Bucket, cs.Prefix, cs.Region)
		if err != nil {
			e.log.WithError(err).Warn("cold storage export disabled")
		} else if exporter != nil {
			retentionOpts = append(retentionOpts, retention.WithColdExporter(exporter))
		}
	}
	e.retention = retention.New(e.st, e.bus, policies, retentionOpts...)

	go e.writerW.RunAgeFlusher(runCtx)
	go e.runSweeper(runCtx)
	go e.aggregator.RunGridRefresher(runCtx)
	go e.retention.Run(runCtx, runCfg.Retention.Interval)
	e.supervisor.Start(runCtx, plan)

	e.runCancel = cancel
	e.running = true
	e.startedAt = time.Now().UTC()
	e.lastError = ""
	e.lastStartConfig = controlplane.StartConfig{
		Symbols: symbols, Channels: startCfg.Channels, LogLevel: startCfg.LogLevel, ShardPlanOverrides: startCfg.ShardPlanOverrides,
	}
	e.log.WithComponent(logger.ComponentEngine).WithFields(logger.Fields{"symbols": len(symbols), "shards": len(plan.Shards)}).Info("ingestion started")
	return nil
}

func (e *Engine) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.aggregator.Sweep(ctx)
		}
	}
}

// consume drains one Stream Client's normalized output for the life of
// runCtx, handing validated records to the Batch Writer and Aggregator.
func (e *Engine) consume(ctx context.Context, client *stream.Client, normalizer *normalize.Normalizer) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events():
			if !ok {
				return
			}
			out, accepted := normalizer.Normalize(ctx, evt)
			if !accepted {
				continue
			}
			e.countChannel(out.Table)
			e.dispatch(ctx, out)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, out normalize.Output) {
	switch {
	case out.BookTicker != nil:
		bt := *out.BookTicker
		e.writerW.Enqueue(ctx, "book_ticker", writer.Row{Args: []any{bt.SymbolID, bt.TSExchange, bt.TSIngest, bt.UpdateID, bt.BestBid, bt.BestAsk, bt.BidQty, bt.AskQty}})
		e.aggregator.ObserveBookTicker(ctx, bt)
	case out.Trade != nil:
		tr := *out.Trade
		e.writerW.Enqueue(ctx, "trades", writer.Row{Args: []any{tr.SymbolID, tr.TSExchange, tr.TSIngest, tr.AggTradeID, tr.Price, tr.Qty, tr.BuyerMaker}})
		e.aggregator.ObserveTrade(ctx, tr)
	case out.Depth != nil:
		d := *out.Depth
		e.writerW.Enqueue(ctx, "depth_deltas", writer.Row{Args: []any{d.SymbolID, d.TSExchange, d.TSIngest, d.FirstUpdateID, d.FinalUpdateID, d.PrevFinalUpdateID, priceLevelsJSON(d.Bids), priceLevelsJSON(d.Asks)}})
	case out.MarkPrice != nil:
		m := *out.MarkPrice
		e.writerW.Enqueue(ctx, "mark_prices", writer.Row{Args: []any{m.SymbolID, m.TSExchange, m.TSIngest, m.MarkPrice, m.IndexPrice, m.FundingRate, m.NextFundingTime}})
	case out.ForceOrder != nil:
		f := *out.ForceOrder
		e.writerW.Enqueue(ctx, "force_orders", writer.Row{Args: []any{f.SymbolID, f.TSExchange, f.TSIngest, f.Side, f.Price, f.Qty, f.RawPayload}})
	}
}

func (e *Engine) countChannel(table string) {
	e.rateMu.Lock()
	e.counts[table]++
	e.rateMu.Unlock()
}

// Stop cancels the run context, drains every Stream Client and flushes
// any buffered rows before returning.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.runCancel()
	e.supervisor.Stop()
	e.running = false
	e.log.WithComponent(logger.ComponentEngine).Info("ingestion stopped")
	return nil
}

// Status reports the engine's current run state, per-shard connection
// states and per-channel ingest rates computed since the previous call.
func (e *Engine) Status() controlplane.Status {
	e.mu.Lock()
	running := e.running
	started := e.startedAt
	lastErr := e.lastError
	e.mu.Unlock()

	e.shardStatesMu.Lock()
	shards := make([]controlplane.ShardStatus, 0, len(e.shardStates))
	for component, state := range e.shardStates {
		idx := shardIndexFromComponent(component)
		shards = append(shards, controlplane.ShardStatus{Index: idx, State: state})
	}
	e.shardStatesMu.Unlock()

	status := controlplane.Status{Running: running, Shards: shards, ChannelRates: e.snapshotRates(), LastError: lastErr}
	if running {
		status.StartedAt = &started
	}
	return status
}

// LastStartConfig returns the effective StartConfig from the most recent
// successful Start, so Restart can reuse it when its request body carries
// no overrides.
func (e *Engine) LastStartConfig() controlplane.StartConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStartConfig
}

func (e *Engine) snapshotRates() map[string]float64 {
	e.rateMu.Lock()
	defer e.rateMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(e.lastRateAt).Seconds()
	rates := make(map[string]float64, len(e.counts))
	if elapsed > 0 {
		for table, cur := range e.counts {
			rates[table] = float64(cur-e.lastCounts[table]) / elapsed
		}
	}
	for table, cur := range e.counts {
		e.lastCounts[table] = cur
	}
	e.lastRateAt = now
	return rates
}

// DBStats reports per-symbol event counts and last-seen timestamps over
// the last hour and minute, for the control plane's DBStats endpoint.
func (e *Engine) DBStats(ctx context.Context) (interface{}, error) {
	rows, err := e.st.Pool().Query(ctx, `
		SELECT s.id, s.code,
			count(*) FILTER (WHERE bt.ts_exchange > now() - interval '1 hour') AS events_last_hour,
			count(*) FILTER (WHERE bt.ts_exchange > now() - interval '1 minute') AS events_last_minute,
			max(bt.ts_exchange) AS last_ts_exchange
		FROM symbols s
		LEFT JOIN book_ticker bt ON bt.symbol_id = s.id AND bt.ts_exchange > now() - interval '1 hour'
		WHERE s.active
		GROUP BY s.id, s.code
		ORDER BY s.code
	`)
	if err != nil {
		return nil, fmt.Errorf("engine: db stats: %w", err)
	}
	defer rows.Close()

	type symbolDBStats struct {
		SymbolID         int64      `json:"symbol_id"`
		Code             string     `json:"code"`
		EventsLastHour   int64      `json:"events_last_hour"`
		EventsLastMinute int64      `json:"events_last_minute"`
		LastTSExchange   *time.Time `json:"last_ts_exchange,omitempty"`
	}

	var out []symbolDBStats
	for rows.Next() {
		var s symbolDBStats
		if err := rows.Scan(&s.SymbolID, &s.Code, &s.EventsLastHour, &s.EventsLastMinute, &s.LastTSExchange); err != nil {
			return nil, fmt.Errorf("engine: db stats scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Validate gathers the current per-symbol freshness/frequency inputs from
// the store and runs them through the Validator.
func (e *Engine) Validate(ctx context.Context) (validate.Result, error) {
	rows, err := e.st.Pool().Query(ctx, `
		SELECT s.id, s.code,
			coalesce(max(bt.ts_exchange), 'epoch'::timestamptz) AS last_ts_exchange,
			count(*) FILTER (WHERE bt.ts_exchange > now() - interval '1 minute') AS events_last_minute,
			count(*) FILTER (WHERE bt.ts_exchange > now() - interval '1 hour') AS events_last_hour,
			count(*) FILTER (WHERE bt.best_bid IS NULL OR bt.best_ask IS NULL) AS nulls_last_hour,
			count(*) FILTER (WHERE bt.best_ask < bt.best_bid) AS inverted_books,
			count(*) FILTER (WHERE bt.best_bid <= 0 OR bt.best_ask <= 0)
				+ coalesce((
					SELECT count(*) FROM trades t
					WHERE t.symbol_id = s.id AND t.ts_exchange > now() - interval '1 hour'
						AND (t.price <= 0 OR t.qty <= 0)
				), 0) AS non_positive_qty
		FROM symbols s
		LEFT JOIN book_ticker bt ON bt.symbol_id = s.id AND bt.ts_exchange > now() - interval '1 hour'
		WHERE s.active
		GROUP BY s.id, s.code
	`)
	if err != nil {
		return validate.Result{}, fmt.Errorf("engine: validate query: %w", err)
	}
	defer rows.Close()

	var stats []validate.SymbolStats
	for rows.Next() {
		var s validate.SymbolStats
		if err := rows.Scan(&s.SymbolID, &s.Code, &s.LastTSExchange, &s.EventsLastMinute, &s.EventsLastHour, &s.NullsLastHour, &s.InvertedBooks, &s.NonPositiveQty); err != nil {
			return validate.Result{}, fmt.Errorf("engine: validate scan: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return validate.Result{}, err
	}

	return e.validator.Validate(ctx, stats), nil
}

func shardIndexFromComponent(component string) int {
	var idx int
	_, _ = fmt.Sscanf(component, "stream:%d", &idx)
	return idx
}

func priceLevelsJSON(levels []model.PriceLevel) []byte {
	if len(levels) == 0 {
		return []byte("[]")
	}
	b, err := json.Marshal(levels)
	if err != nil {
		return []byte("[]")
	}
	return b
}

// rollupSink adapts the Batch Writer to aggregate.Sink, enqueuing one row
// per closed per-second rollup.
type rollupSink struct {
	w *writer.Writer
}

func (s *rollupSink) WriteBookTicker1s(ctx context.Context, row model.BookTicker1s) {
	s.w.Enqueue(ctx, "bt_1s", writer.Row{Args: []any{
		row.SymbolID, row.TSSecond, row.OpenMid, row.HighMid, row.LowMid, row.CloseMid,
		row.SpreadMin, row.SpreadMax, row.SpreadAvg, row.UpdateCount, row.VWMid,
	}})
}

func (s *rollupSink) WriteTrade1s(ctx context.Context, row model.Trade1s) {
	s.w.Enqueue(ctx, "trade_1s", writer.Row{Args: []any{
		row.SymbolID, row.TSSecond, row.Count, row.VolumeSum, row.ValueSum, row.VWAP,
		row.BuyVolume, row.SellVolume, row.MinPrice, row.MaxPrice,
	}})
}

// WriteCore1s24h enqueues one row of the gap-filled 24h flat grid, keyed by
// (symbol_id, ts_second) so a re-refresh over the same window upserts in
// place rather than duplicating rows.
func (s *rollupSink) WriteCore1s24h(ctx context.Context, row model.Core1s24h) {
	s.w.Enqueue(ctx, "core_1s_24h", writer.Row{Args: []any{
		row.SymbolID, row.TSSecond, row.MidFFill, row.SpreadFFill, row.TradeCount,
		row.VolumeSum, row.VWAP, row.UpdateCount,
	}})
}

// gridAggregateSource adapts the Symbol Registry and the store's committed
// per-second rollup tables to aggregate.GridSource, so the Aggregator's grid
// refresher can stay free of a direct store dependency.
type gridAggregateSource struct {
	pool     *pgxpool.Pool
	registry *registry.Registry
}

// ActiveSymbolIDs returns every symbol the Registry currently caches as
// active, with no store round trip.
func (g *gridAggregateSource) ActiveSymbolIDs(ctx context.Context) ([]int64, error) {
	active := g.registry.ListActive()
	ids := make([]int64, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	return ids, nil
}

// BookTicker1sRange returns symbolID's committed bt_1s rows in [from, to),
// ascending by ts_second.
func (g *gridAggregateSource) BookTicker1sRange(ctx context.Context, symbolID int64, from, to time.Time) ([]model.BookTicker1s, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT symbol_id, ts_second, open_mid, high_mid, low_mid, close_mid, spread_min, spread_max, spread_avg, update_count, vw_mid
		FROM bt_1s
		WHERE symbol_id = $1 AND ts_second >= $2 AND ts_second < $3
		ORDER BY ts_second
	`, symbolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("engine: bt_1s range: %w", err)
	}
	defer rows.Close()

	var out []model.BookTicker1s
	for rows.Next() {
		var r model.BookTicker1s
		if err := rows.Scan(&r.SymbolID, &r.TSSecond, &r.OpenMid, &r.HighMid, &r.LowMid, &r.CloseMid, &r.SpreadMin, &r.SpreadMax, &r.SpreadAvg, &r.UpdateCount, &r.VWMid); err != nil {
			return nil, fmt.Errorf("engine: bt_1s scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trade1sRange returns symbolID's committed trade_1s rows in [from, to),
// ascending by ts_second.
func (g *gridAggregateSource) Trade1sRange(ctx context.Context, symbolID int64, from, to time.Time) ([]model.Trade1s, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT symbol_id, ts_second, count, volume_sum, value_sum, vwap, buy_volume, sell_volume, min_price, max_price
		FROM trade_1s
		WHERE symbol_id = $1 AND ts_second >= $2 AND ts_second < $3
		ORDER BY ts_second
	`, symbolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("engine: trade_1s range: %w", err)
	}
	defer rows.Close()

	var out []model.Trade1s
	for rows.Next() {
		var r model.Trade1s
		if err := rows.Scan(&r.SymbolID, &r.TSSecond, &r.Count, &r.VolumeSum, &r.ValueSum, &r.VWAP, &r.BuyVolume, &r.SellVolume, &r.MinPrice, &r.MaxPrice); err != nil {
			return nil, fmt.Errorf("engine: trade_1s scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
