package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCombinedStreamURLIncludesOptionalChannels(t *testing.T) {
	c := &Client{cfg: Config{
		WSBase:     "wss://fstream.binance.com",
		Symbols:    []string{"BTCUSDT"},
		MarkPrice:  true,
		ForceOrder: true,
	}}

	url := c.combinedStreamURL()
	require.Contains(t, url, "btcusdt@bookTicker")
	require.Contains(t, url, "btcusdt@aggTrade")
	require.Contains(t, url, "btcusdt@depth@100ms")
	require.Contains(t, url, "btcusdt@markPrice@1s")
	require.Contains(t, url, "btcusdt@forceOrder")
}

func TestToPriceLevelsSkipsMalformedEntries(t *testing.T) {
	levels := toPriceLevels([][]string{{"100.5", "2"}, {"bad"}, {"101", "3"}})
	require.Len(t, levels, 2)
	require.Equal(t, 100.5, levels[0].Price)
	require.Equal(t, 3.0, levels[1].Qty)
}

func TestMsToTimeIsUTC(t *testing.T) {
	ts := msToTime(1700000000000)
	require.Equal(t, "UTC", ts.Location().String())
}
