package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/model"
)

type fakeSink struct {
	bt1s    []model.BookTicker1s
	trade1s []model.Trade1s
	grid    []model.Core1s24h
}

func (f *fakeSink) WriteBookTicker1s(ctx context.Context, row model.BookTicker1s) {
	f.bt1s = append(f.bt1s, row)
}
func (f *fakeSink) WriteTrade1s(ctx context.Context, row model.Trade1s) {
	f.trade1s = append(f.trade1s, row)
}
func (f *fakeSink) WriteCore1s24h(ctx context.Context, row model.Core1s24h) {
	f.grid = append(f.grid, row)
}

type fakeGridSource struct {
	symbolIDs []int64
	bt        map[int64][]model.BookTicker1s
	trade     map[int64][]model.Trade1s
}

func (f *fakeGridSource) ActiveSymbolIDs(ctx context.Context) ([]int64, error) {
	return f.symbolIDs, nil
}

func (f *fakeGridSource) BookTicker1sRange(ctx context.Context, symbolID int64, from, to time.Time) ([]model.BookTicker1s, error) {
	return f.bt[symbolID], nil
}

func (f *fakeGridSource) Trade1sRange(ctx context.Context, symbolID int64, from, to time.Time) ([]model.Trade1s, error) {
	return f.trade[symbolID], nil
}

func TestRefreshGridWritesOneRowPerSecond(t *testing.T) {
	to := FloorSecond(time.Now())
	from := to.Add(-3 * time.Second)

	sink := &fakeSink{}
	source := &fakeGridSource{
		symbolIDs: []int64{7},
		bt:        map[int64][]model.BookTicker1s{7: {{SymbolID: 7, TSSecond: from, CloseMid: 50, SpreadAvg: 0.5, UpdateCount: 1}}},
		trade:     map[int64][]model.Trade1s{7: {{SymbolID: 7, TSSecond: from, Count: 1, VolumeSum: 1, VWAP: 50}}},
	}

	a := New(Config{GridWindow: 3 * time.Second}, sink, source)
	a.refreshGrid(context.Background())

	require.Len(t, sink.grid, 3, "one row per second in [from, to)")
	for _, row := range sink.grid {
		require.Equal(t, int64(7), row.SymbolID)
	}
}

func TestRunGridRefresherNoopsWithoutSource(t *testing.T) {
	sink := &fakeSink{}
	a := New(Config{}, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.RunGridRefresher(ctx)

	require.Empty(t, sink.grid)
}

func TestRunGridRefresherRefreshesImmediatelyOnStart(t *testing.T) {
	to := FloorSecond(time.Now())
	from := to.Add(-2 * time.Second)

	sink := &fakeSink{}
	source := &fakeGridSource{
		symbolIDs: []int64{1},
		bt:        map[int64][]model.BookTicker1s{1: {{SymbolID: 1, TSSecond: from, CloseMid: 10, UpdateCount: 1}}},
		trade:     map[int64][]model.Trade1s{1: {}},
	}

	a := New(Config{GridWindow: 2 * time.Second, GridRefresh: time.Hour}, sink, source)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a.RunGridRefresher(ctx)

	require.NotEmpty(t, sink.grid, "the first refresh runs immediately, before the first tick")
}
