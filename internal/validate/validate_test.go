package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateFreshSymbolPasses(t *testing.T) {
	v := New(Config{})
	stats := []SymbolStats{{
		SymbolID:         1,
		Code:             "BTCUSDT",
		LastTSExchange:   time.Now().UTC(),
		EventsLastMinute: 10,
		EventsLastHour:   600,
	}}

	result := v.Validate(context.Background(), stats)
	require.True(t, result.Pass)
	require.True(t, result.Verdicts[0].Pass())
}

func TestValidateStaleSymbolFailsFreshnessOnly(t *testing.T) {
	v := New(Config{FreshnessMax: time.Minute, FrequencyMin: time.Minute})
	stats := []SymbolStats{{
		SymbolID:         1,
		Code:             "ETHUSDT",
		LastTSExchange:   time.Now().UTC().Add(-6 * time.Minute),
		EventsLastMinute: 5,
		EventsLastHour:   300,
	}}

	result := v.Validate(context.Background(), stats)
	require.False(t, result.Pass)
	require.False(t, result.Verdicts[0].Freshness)
	require.True(t, result.Verdicts[0].Frequency)
}

func TestValidateMixedSymbolsReportIndependently(t *testing.T) {
	v := New(Config{})
	now := time.Now().UTC()
	stats := []SymbolStats{
		{SymbolID: 1, Code: "BTCUSDT", LastTSExchange: now, EventsLastMinute: 1},
		{SymbolID: 2, Code: "DEADUSDT", LastTSExchange: now.Add(-time.Hour), EventsLastMinute: 0},
	}

	result := v.Validate(context.Background(), stats)
	require.False(t, result.Pass)
	require.True(t, result.Verdicts[0].Pass())
	require.False(t, result.Verdicts[1].Pass())
}
