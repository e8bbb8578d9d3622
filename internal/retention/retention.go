// Package retention implements the Retention/Compression Manager:
// per-table age-based compression and drop scheduling. Grounded on the
// teacher's periodic-worker idiom (a ticker-driven loop with a per-run
// telemetry report, as in logger.StartReport), applied here to
// store.Store's hypertable policy calls instead of a CloudWatch publish.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ingestd/internal/metrics"
	"ingestd/internal/telemetry"
)

// PolicyApplier is the subset of store.Store the Manager needs.
type PolicyApplier interface {
	Compress(ctx context.Context, table string, after time.Duration) error
	Drop(ctx context.Context, table string, after time.Duration) error
}

// Policy is one table's compress-after/drop-after ages.
type Policy struct {
	Table         string
	CompressAfter time.Duration
	DropAfter     time.Duration
}

// DefaultPolicies mirrors spec.md §4.7's stated defaults.
func DefaultPolicies() []Policy {
	return []Policy{
		{Table: "book_ticker", CompressAfter: 7 * 24 * time.Hour, DropAfter: 30 * 24 * time.Hour},
		{Table: "trades", CompressAfter: 7 * 24 * time.Hour, DropAfter: 30 * 24 * time.Hour},
		{Table: "depth_deltas", CompressAfter: 24 * time.Hour, DropAfter: 7 * 24 * time.Hour},
		{Table: "mark_prices", CompressAfter: 7 * 24 * time.Hour, DropAfter: 30 * 24 * time.Hour},
		{Table: "force_orders", CompressAfter: 7 * 24 * time.Hour, DropAfter: 30 * 24 * time.Hour},
		{Table: "bt_1s", CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
		{Table: "trade_1s", CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
	}
}

// Manager runs compress/drop policies on a schedule, one table at a time,
// never overlapping two policy runs on the same table.
type Manager struct {
	store    PolicyApplier
	bus      *telemetry.Bus
	policies []Policy
	exporter ColdExporter

	mu      sync.Mutex
	running map[string]bool
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithColdExporter marks rows as exported to cold storage immediately
// before they age out of the Drop policy. Omit to skip the export step.
func WithColdExporter(exporter ColdExporter) Option {
	return func(m *Manager) { m.exporter = exporter }
}

// New constructs a Manager. Pass nil policies to use DefaultPolicies.
func New(store PolicyApplier, bus *telemetry.Bus, policies []Policy, opts ...Option) *Manager {
	if policies == nil {
		policies = DefaultPolicies()
	}
	m := &Manager{store: store, bus: bus, policies: policies, running: make(map[string]bool)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes every policy once per interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) {
	for _, p := range m.policies {
		if !m.tryLock(p.Table) {
			continue
		}
		m.apply(ctx, p)
		m.unlock(p.Table)
	}
}

func (m *Manager) tryLock(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[table] {
		return false
	}
	m.running[table] = true
	return true
}

func (m *Manager) unlock(table string) {
	m.mu.Lock()
	delete(m.running, table)
	m.mu.Unlock()
}

func (m *Manager) apply(ctx context.Context, p Policy) {
	if err := m.store.Compress(ctx, p.Table, p.CompressAfter); err != nil {
		m.report(p.Table, "compress", "error", err)
	} else {
		m.report(p.Table, "compress", "ok", nil)
	}

	if m.exporter != nil {
		if err := m.exporter.Export(ctx, p.Table, time.Now().Add(-p.DropAfter)); err != nil {
			m.report(p.Table, "cold_export", "error", err)
		} else {
			m.report(p.Table, "cold_export", "ok", nil)
		}
	}

	if err := m.store.Drop(ctx, p.Table, p.DropAfter); err != nil {
		m.report(p.Table, "drop", "error", err)
	} else {
		m.report(p.Table, "drop", "ok", nil)
	}
}

func (m *Manager) report(table, policy, outcome string, err error) {
	metrics.RetentionOutcomes.WithLabelValues(table, policy, outcome).Inc()
	fields := map[string]interface{}{"table": table, "policy": policy, "outcome": outcome}
	if err != nil {
		fields["error"] = fmt.Sprint(err)
	}
	m.bus.Publish(telemetry.Event{Kind: telemetry.KindRetention, Component: "retention", Fields: fields})
}
