// Package metrics registers the Prometheus collectors exposed on the
// control plane's /metrics endpoint. Grounded on
// SreemukhMantripragada-trading-platform's shared.NewCounter/NewGauge/
// NewHist helpers: each metric is constructed once at package init and
// registered against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StreamFramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_stream_frames_in_total",
		Help: "Inbound websocket frames observed per shard.",
	}, []string{"shard"})

	StreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_stream_reconnects_total",
		Help: "Reconnect attempts per shard.",
	}, []string{"shard"})

	StreamBackpressure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_stream_backpressure_pauses_total",
		Help: "Times a Stream Client paused reads because its queue hit the high-water mark.",
	}, []string{"shard"})

	DepthResyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_depth_resyncs_total",
		Help: "Depth snapshot resyncs: each symbol's initial snapshot and every chain break.",
	}, []string{"symbol"})

	NormalizerRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_normalizer_rejects_total",
		Help: "Events rejected by the Event Normalizer for failing invariants.",
	}, []string{"channel", "reason"})

	BatchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_batch_flushes_total",
		Help: "Batch Writer flush operations per table and outcome.",
	}, []string{"table", "outcome"})

	BatchFlushRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_batch_flush_rows_total",
		Help: "Rows committed per table by the Batch Writer.",
	}, []string{"table"})

	BatchFlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestd_batch_flush_duration_seconds",
		Help:    "Batch Writer flush latency per table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	QuarantinedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_quarantined_batches_total",
		Help: "Poison sub-batches quarantined after bisection.",
	}, []string{"table"})

	AggregatorRollupSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_aggregator_rollup_seconds_total",
		Help: "Closed seconds rolled up per table.",
	}, []string{"table"})

	GridCoverage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestd_grid_coverage_ratio",
		Help: "Fraction of expected rows present in the 24h flat grid for the last refresh.",
	}, []string{"symbol"})

	RetentionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_retention_outcomes_total",
		Help: "Retention policy executions per table and outcome.",
	}, []string{"table", "policy", "outcome"})

	ValidatorFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestd_validator_failing_symbols",
		Help: "Count of symbols currently failing each validator check.",
	}, []string{"check"})

	TelemetryDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_telemetry_disconnects_total",
		Help: "Telemetry Bus subscribers disconnected for being too slow.",
	})
)

func init() {
	prometheus.MustRegister(
		StreamFramesIn,
		StreamReconnects,
		StreamBackpressure,
		DepthResyncs,
		NormalizerRejects,
		BatchFlushes,
		BatchFlushRows,
		BatchFlushDuration,
		QuarantinedBatches,
		AggregatorRollupSeconds,
		GridCoverage,
		RetentionOutcomes,
		ValidatorFailures,
		TelemetryDisconnects,
	)
}
