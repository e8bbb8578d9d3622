// Package normalize implements the Event Normalizer: a stateless
// transform from Stream Client raw frames to internal model records. It
// resolves symbol ids via the Symbol Registry and rejects events that fail
// the data model's invariants, publishing a rate-limited telemetry warning
// rather than ever writing an invalid row.
package normalize

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"ingestd/internal/metrics"
	"ingestd/internal/model"
	"ingestd/internal/stream"
	"ingestd/internal/telemetry"
)

// SymbolResolver is the subset of registry.Registry the Normalizer needs.
type SymbolResolver interface {
	Resolve(ctx context.Context, venue, code string) (int64, error)
}

// Output is a single resolved, validated record ready for the Batch
// Writer. Exactly one of the typed fields is set.
type Output struct {
	Table      string
	BookTicker *model.BookTicker
	Trade      *model.Trade
	Depth      *model.DepthDelta
	MarkPrice  *model.MarkPrice
	ForceOrder *model.ForceOrder
}

// Normalizer converts stream.RawEvent into Output, dropping events that
// fail invariants.
type Normalizer struct {
	venue    string
	resolver SymbolResolver
	limiter  *rate.Limiter
	bus      *telemetry.Bus
}

// New constructs a Normalizer. The telemetry warning for rejected events
// is rate-limited per Normalizer to one per second on average, with bursts
// of up to five, so a noisy feed cannot flood the bus.
func New(venue string, resolver SymbolResolver, bus *telemetry.Bus) *Normalizer {
	return &Normalizer{
		venue:    venue,
		resolver: resolver,
		limiter:  rate.NewLimiter(rate.Limit(1), 5),
		bus:      bus,
	}
}

// Normalize resolves evt's symbol id and returns the committed-row shape,
// or ok=false when the event is rejected.
func (n *Normalizer) Normalize(ctx context.Context, evt stream.RawEvent) (Output, bool) {
	symbolID, err := n.resolver.Resolve(ctx, n.venue, evt.Symbol)
	if err != nil {
		n.reject(evt.Channel, "registry_unavailable")
		return Output{}, false
	}

	switch evt.Channel {
	case model.ChannelBookTicker:
		bt := *evt.BookTicker
		bt.SymbolID = symbolID
		if !bt.Valid() {
			n.reject(evt.Channel, "invariant_violation")
			return Output{}, false
		}
		return Output{Table: "book_ticker", BookTicker: &bt}, true

	case model.ChannelAggTrade:
		tr := *evt.Trade
		tr.SymbolID = symbolID
		if !tr.Valid() {
			n.reject(evt.Channel, "invariant_violation")
			return Output{}, false
		}
		return Output{Table: "trades", Trade: &tr}, true

	case model.ChannelDepth:
		dd := *evt.Depth
		dd.SymbolID = symbolID
		return Output{Table: "depth_deltas", Depth: &dd}, true

	case model.ChannelMarkPrice:
		mp := *evt.MarkPrice
		mp.SymbolID = symbolID
		if mp.MarkPrice <= 0 || mp.IndexPrice <= 0 {
			n.reject(evt.Channel, "invariant_violation")
			return Output{}, false
		}
		return Output{Table: "mark_prices", MarkPrice: &mp}, true

	case model.ChannelForceOrder:
		fo := *evt.ForceOrder
		fo.SymbolID = symbolID
		if fo.Price <= 0 || fo.Qty <= 0 {
			n.reject(evt.Channel, "invariant_violation")
			return Output{}, false
		}
		return Output{Table: "force_orders", ForceOrder: &fo}, true

	default:
		n.reject(evt.Channel, "unknown_channel")
		return Output{}, false
	}
}

func (n *Normalizer) reject(channel, reason string) {
	metrics.NormalizerRejects.WithLabelValues(channel, reason).Inc()
	if n.limiter.Allow() {
		n.bus.Publish(telemetry.Event{
			Kind:      telemetry.KindDegraded,
			Component: "normalizer",
			At:        time.Now().UTC(),
			Fields:    map[string]interface{}{"channel": channel, "reason": reason},
		})
	}
}
