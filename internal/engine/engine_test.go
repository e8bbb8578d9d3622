package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/model"
	"ingestd/internal/store/writer"
	"ingestd/internal/telemetry"
)

func TestShardIndexFromComponent(t *testing.T) {
	require.Equal(t, 3, shardIndexFromComponent("stream:3"))
	require.Equal(t, 0, shardIndexFromComponent("not-a-shard-label"))
}

func TestPriceLevelsJSON(t *testing.T) {
	levels := []model.PriceLevel{{Price: 100.5, Qty: 2}, {Price: 100.25, Qty: 1.5}}
	out := priceLevelsJSON(levels)
	require.JSONEq(t, `[{"price":100.5,"qty":2},{"price":100.25,"qty":1.5}]`, string(out))

	require.Equal(t, []byte("[]"), priceLevelsJSON(nil))
}

func TestSnapshotRatesComputesPerSecondDelta(t *testing.T) {
	e := &Engine{
		counts:     map[string]int64{"book_ticker": 20},
		lastCounts: map[string]int64{"book_ticker": 0},
		lastRateAt: time.Now().Add(-2 * time.Second),
	}

	rates := e.snapshotRates()
	require.InDelta(t, 10, rates["book_ticker"], 1)

	again := e.snapshotRates()
	require.InDelta(t, 0, again["book_ticker"], 0.01)
}

func TestConsumeTelemetryUpdatesShardState(t *testing.T) {
	bus := telemetry.New(4)
	sub := bus.Subscribe()
	e := &Engine{shardStates: make(map[string]string)}

	go e.consumeTelemetry(sub)

	bus.Publish(telemetry.Event{
		Kind:      telemetry.KindConnectionState,
		Component: "stream:0",
		Fields:    map[string]interface{}{"state": "connected"},
	})

	require.Eventually(t, func() bool {
		e.shardStatesMu.Lock()
		defer e.shardStatesMu.Unlock()
		return e.shardStates["stream:0"] == "connected"
	}, time.Second, 5*time.Millisecond)

	sub.Close()
}

func TestConsumeTelemetryReturnsOnDisconnectInsteadOfLeaking(t *testing.T) {
	bus := telemetry.New(1)
	sub := bus.Subscribe()

	// Overflow the depth-1 queue with nothing consuming it yet, which
	// disconnects the subscriber: the queue stays readable (closing it
	// would race a concurrent Publish send) but Done closes.
	bus.Publish(telemetry.Event{Kind: telemetry.KindConnectionState, Component: "stream:0"})
	bus.Publish(telemetry.Event{Kind: telemetry.KindConnectionState, Component: "stream:1"})

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("expected the bus to disconnect the subscriber")
	}

	e := &Engine{shardStates: make(map[string]string)}
	done := make(chan struct{})
	go func() {
		e.consumeTelemetry(sub)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumeTelemetry never returned for an already-disconnected subscriber")
	}
}

func TestRegisterUpsertersDeclaresEveryTable(t *testing.T) {
	w := writer.New(nil, nil, writer.Config{Size: 1, MaxAge: time.Second})
	registerUpserters(w)

	for _, table := range []string{"book_ticker", "trades", "depth_deltas", "mark_prices", "force_orders", "bt_1s", "trade_1s", "core_1s_24h"} {
		require.True(t, w.HasTable(table), "expected %s to be registered", table)
	}
}
