package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/model"
)

func TestBookTickerWindowOHLCAndTieBreak(t *testing.T) {
	second := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &bookTickerWindow{second: second}

	w.observe(model.BookTicker{SymbolID: 1, TSExchange: second, UpdateID: 1, BestBid: 100, BestAsk: 102, BidQty: 1, AskQty: 1})
	w.observe(model.BookTicker{SymbolID: 1, TSExchange: second, UpdateID: 5, BestBid: 100, BestAsk: 104, BidQty: 1, AskQty: 1})
	w.observe(model.BookTicker{SymbolID: 1, TSExchange: second.Add(500 * time.Millisecond), BestBid: 99, BestAsk: 101, BidQty: 1, AskQty: 1})

	row := w.close()
	require.Equal(t, 102.0, row.OpenMid) // update id 5 wins the tie at the same ts_exchange
	require.Equal(t, 100.0, row.CloseMid)
	require.InDelta(t, 102.0, row.HighMid, 0.001)
	require.Equal(t, int64(3), row.UpdateCount)
}

func TestTradeWindowVWAPAndSides(t *testing.T) {
	w := &tradeWindow{}
	w.observe(model.Trade{SymbolID: 1, Price: 100, Qty: 1, BuyerMaker: false})
	w.observe(model.Trade{SymbolID: 1, Price: 110, Qty: 1, BuyerMaker: true})

	row := w.close()
	require.Equal(t, int64(2), row.Count)
	require.InDelta(t, 105.0, row.VWAP, 0.001)
	require.Equal(t, 1.0, row.BuyVolume)
	require.Equal(t, 1.0, row.SellVolume)
}

func TestBuildGridCarriesForwardAndNullsVWAP(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(3 * time.Second)

	bt := []model.BookTicker1s{
		{SymbolID: 1, TSSecond: from, CloseMid: 100, SpreadAvg: 1, UpdateCount: 2},
	}
	trade := []model.Trade1s{
		{SymbolID: 1, TSSecond: from, Count: 1, VolumeSum: 2, VWAP: 100},
	}

	grid := BuildGrid(1, from, to, bt, trade)
	require.Len(t, grid, 3)
	require.Equal(t, 100.0, grid[0].MidFFill)
	require.NotNil(t, grid[0].VWAP)
	require.Equal(t, 100.0, grid[1].MidFFill, "second 1 carries forward mid from second 0")
	require.Nil(t, grid[1].VWAP, "second with no trades has null vwap")
	require.Equal(t, int64(0), grid[1].TradeCount)
}
