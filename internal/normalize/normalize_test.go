package normalize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestd/internal/model"
	"ingestd/internal/stream"
	"ingestd/internal/telemetry"
)

type fakeResolver struct{ id int64 }

func (f fakeResolver) Resolve(ctx context.Context, venue, code string) (int64, error) {
	return f.id, nil
}

func TestNormalizeAcceptsValidBookTicker(t *testing.T) {
	n := New("binance", fakeResolver{id: 7}, telemetry.New(8))
	evt := stream.RawEvent{
		Channel: model.ChannelBookTicker,
		Symbol:  "BTCUSDT",
		BookTicker: &model.BookTicker{
			BestBid: 100, BestAsk: 101, BidQty: 1, AskQty: 1,
		},
	}

	out, ok := n.Normalize(context.Background(), evt)
	require.True(t, ok)
	require.Equal(t, int64(7), out.BookTicker.SymbolID)
	require.Equal(t, "book_ticker", out.Table)
}

func TestNormalizeRejectsInvertedBook(t *testing.T) {
	n := New("binance", fakeResolver{id: 1}, telemetry.New(8))
	evt := stream.RawEvent{
		Channel: model.ChannelBookTicker,
		Symbol:  "BTCUSDT",
		BookTicker: &model.BookTicker{
			BestBid: 101, BestAsk: 100, BidQty: 1, AskQty: 1,
		},
	}

	_, ok := n.Normalize(context.Background(), evt)
	require.False(t, ok)
}

func TestNormalizeRejectsNonPositiveTrade(t *testing.T) {
	n := New("binance", fakeResolver{id: 1}, telemetry.New(8))
	evt := stream.RawEvent{
		Channel: model.ChannelAggTrade,
		Symbol:  "BTCUSDT",
		Trade:   &model.Trade{Price: 0, Qty: 5},
	}

	_, ok := n.Normalize(context.Background(), evt)
	require.False(t, ok)
}
