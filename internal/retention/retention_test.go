package retention

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/telemetry"
)

type fakeApplier struct {
	compressCalls atomic.Int64
	dropErr       error
}

func (f *fakeApplier) Compress(ctx context.Context, table string, after time.Duration) error {
	f.compressCalls.Add(1)
	return nil
}

func (f *fakeApplier) Drop(ctx context.Context, table string, after time.Duration) error {
	return f.dropErr
}

func TestRunOnceAppliesEveryPolicy(t *testing.T) {
	applier := &fakeApplier{}
	m := New(applier, telemetry.New(8), []Policy{
		{Table: "book_ticker", CompressAfter: time.Hour, DropAfter: time.Hour},
		{Table: "trades", CompressAfter: time.Hour, DropAfter: time.Hour},
	})

	m.runOnce(context.Background())

	require.EqualValues(t, 2, applier.compressCalls.Load())
}

func TestRunOnceReportsDropError(t *testing.T) {
	applier := &fakeApplier{dropErr: errors.New("boom")}
	bus := telemetry.New(8)
	sub := bus.Subscribe()
	defer sub.Close()

	m := New(applier, bus, []Policy{{Table: "depth_deltas", CompressAfter: time.Hour, DropAfter: time.Hour}})
	m.runOnce(context.Background())

	for {
		select {
		case evt := <-sub.Events:
			if evt.Fields["policy"] == "drop" {
				require.Equal(t, "error", evt.Fields["outcome"])
				require.Equal(t, "boom", evt.Fields["error"])
				return
			}
		case <-time.After(time.Second):
			t.Fatal("expected a telemetry event for the drop outcome")
		}
	}
}

func TestTryLockPreventsConcurrentRunsOnSameTable(t *testing.T) {
	m := New(&fakeApplier{}, telemetry.New(8), nil)
	require.True(t, m.tryLock("book_ticker"))
	require.False(t, m.tryLock("book_ticker"))
	m.unlock("book_ticker")
	require.True(t, m.tryLock("book_ticker"))
}
