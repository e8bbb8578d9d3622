package aggregate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"ingestd/internal/metrics"
	"ingestd/internal/model"
)

// Config parameterizes closed-second detection and grid refresh cadence.
type Config struct {
	GraceWindow time.Duration
	MaxLateness time.Duration
	GridRefresh time.Duration
	GridWindow  time.Duration
}

// Sink is where closed rollups are handed off; the store.writer-backed
// implementation enqueues one Row per closed rollup.
type Sink interface {
	WriteBookTicker1s(ctx context.Context, row model.BookTicker1s)
	WriteTrade1s(ctx context.Context, row model.Trade1s)
	WriteCore1s24h(ctx context.Context, row model.Core1s24h)
}

// GridSource supplies RunGridRefresher with the committed bt_1s/trade_1s
// rows it folds into the 24h flat grid via BuildGrid. A nil GridSource
// (the zero value passed to New) disables the grid refresh loop.
type GridSource interface {
	ActiveSymbolIDs(ctx context.Context) ([]int64, error)
	BookTicker1sRange(ctx context.Context, symbolID int64, from, to time.Time) ([]model.BookTicker1s, error)
	Trade1sRange(ctx context.Context, symbolID int64, from, to time.Time) ([]model.Trade1s, error)
}

// cohort is one (symbol, second)'s in-flight windows, still open or
// recently closed and eligible for a late-arrival recompute.
type cohort struct {
	bt       bookTickerWindow
	trade    tradeWindow
	lastSeen time.Time
	closed   bool
}

// Aggregator owns the open-window state for every (symbol, second) pair
// currently accumulating, bounded by Config.MaxLateness.
type Aggregator struct {
	cfg    Config
	sink   Sink
	source GridSource

	mu      sync.Mutex
	cohorts map[cohortKey]*cohort
}

type cohortKey struct {
	symbolID int64
	second   time.Time
}

// New constructs an Aggregator that flushes closed rollups to sink. source
// feeds RunGridRefresher; pass nil to skip the 24h flat-grid refresh.
func New(cfg Config, sink Sink, source GridSource) *Aggregator {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Second
	}
	if cfg.MaxLateness <= 0 {
		cfg.MaxLateness = 30 * time.Second
	}
	return &Aggregator{cfg: cfg, sink: sink, source: source, cohorts: make(map[cohortKey]*cohort)}
}

// ObserveBookTicker folds bt into its (symbol, second) cohort.
func (a *Aggregator) ObserveBookTicker(ctx context.Context, bt model.BookTicker) {
	key := cohortKey{bt.SymbolID, FloorSecond(bt.TSExchange)}
	a.withCohort(key, func(c *cohort) { c.bt.observe(bt) })
	a.maybeCloseAndRecompute(ctx, key)
}

// ObserveTrade folds tr into its (symbol, second) cohort.
func (a *Aggregator) ObserveTrade(ctx context.Context, tr model.Trade) {
	key := cohortKey{tr.SymbolID, FloorSecond(tr.TSExchange)}
	a.withCohort(key, func(c *cohort) { c.trade.observe(tr) })
	a.maybeCloseAndRecompute(ctx, key)
}

func (a *Aggregator) withCohort(key cohortKey, fn func(*cohort)) {
	a.mu.Lock()
	c, ok := a.cohorts[key]
	if !ok {
		c = &cohort{bt: bookTickerWindow{second: key.second}, trade: tradeWindow{second: key.second}}
		a.cohorts[key] = c
	}
	c.lastSeen = time.Now()
	fn(c)
	a.mu.Unlock()
}

// maybeCloseAndRecompute closes key's cohort and writes its rollups once the
// wall clock has passed second+1+grace; before that it does nothing. It runs
// when an event for key's own second arrives and from Sweep, so an event for
// a later second does not close earlier cohorts of the same symbol. A late
// arrival into an already-closed cohort recomputes and rewrites its rollups
// idempotently; the cohort is dropped from memory once the wall clock is more
// than MaxLateness+1s past its second.
func (a *Aggregator) maybeCloseAndRecompute(ctx context.Context, key cohortKey) {
	now := time.Now()
	closedAt := key.second.Add(time.Second).Add(a.cfg.GraceWindow)
	if now.Before(closedAt) {
		return
	}

	a.mu.Lock()
	c, ok := a.cohorts[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	if now.Sub(key.second) > a.cfg.MaxLateness+time.Second {
		delete(a.cohorts, key)
	}
	c.closed = true
	bt1s := c.bt.close()
	trade1s := c.trade.close()
	a.mu.Unlock()

	if c.bt.count > 0 {
		metrics.AggregatorRollupSeconds.WithLabelValues("bt_1s").Inc()
		a.sink.WriteBookTicker1s(ctx, bt1s)
	}
	if c.trade.count > 0 {
		metrics.AggregatorRollupSeconds.WithLabelValues("trade_1s").Inc()
		a.sink.WriteTrade1s(ctx, trade1s)
	}
}

// Sweep closes every cohort whose window has aged past MaxLateness without
// a trailing event, flushing whatever partial rollup exists, and drops
// already-closed cohorts that have seen no event for MaxLateness. Call on a
// ticker to bound memory when a symbol goes quiet mid-second.
func (a *Aggregator) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.MaxLateness)

	a.mu.Lock()
	var stale []cohortKey
	for key, c := range a.cohorts {
		if !c.lastSeen.Before(cutoff) {
			continue
		}
		if c.closed {
			delete(a.cohorts, key)
			continue
		}
		stale = append(stale, key)
	}
	a.mu.Unlock()

	for _, key := range stale {
		a.maybeCloseAndRecompute(ctx, key)
	}
}

// RunGridRefresher rebuilds the 24h flat grid for every active symbol on a
// ticker, until ctx is canceled. Config.GridRefresh governs the interval,
// clamped to 60s: the grid only needs to stay close to the 1s rollups, not
// track them in real time. A nil source (see New) makes this a no-op.
func (a *Aggregator) RunGridRefresher(ctx context.Context) {
	if a.source == nil {
		return
	}

	interval := a.cfg.GridRefresh
	if interval <= 0 || interval > 60*time.Second {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.refreshGrid(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshGrid(ctx)
		}
	}
}

// refreshGrid rebuilds and writes the grid for [now-GridWindow, now) for
// every active symbol, one symbol at a time.
func (a *Aggregator) refreshGrid(ctx context.Context) {
	window := a.cfg.GridWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	to := FloorSecond(time.Now())
	from := to.Add(-window)

	symbolIDs, err := a.source.ActiveSymbolIDs(ctx)
	if err != nil {
		return
	}

	for _, symbolID := range symbolIDs {
		bt, err := a.source.BookTicker1sRange(ctx, symbolID, from, to)
		if err != nil {
			continue
		}
		trade, err := a.source.Trade1sRange(ctx, symbolID, from, to)
		if err != nil {
			continue
		}

		rows := BuildGrid(symbolID, from, to, bt, trade)
		for _, row := range rows {
			a.sink.WriteCore1s24h(ctx, row)
		}
		if len(rows) > 0 {
			metrics.GridCoverage.WithLabelValues(strconv.FormatInt(symbolID, 10)).Set(1.0)
		}
	}
}
