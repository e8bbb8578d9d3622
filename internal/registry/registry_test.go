package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ingestd/internal/model"
)

func TestListActiveFiltersDeactivated(t *testing.T) {
	r := &Registry{
		byKey: map[cacheKey]int64{},
		byID: map[int64]model.Symbol{
			1: {ID: 1, Venue: "binance", Code: "BTCUSDT", Active: true},
			2: {ID: 2, Venue: "binance", Code: "ETHUSDT", Active: true},
		},
		active: map[int64]bool{1: true, 2: true},
	}

	require.Len(t, r.ListActive(), 2)

	r.active[2] = false
	r.byID[2] = model.Symbol{ID: 2, Venue: "binance", Code: "ETHUSDT", Active: false}

	active := r.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, "BTCUSDT", active[0].Code)
}

func TestLookupMissing(t *testing.T) {
	r := New(nil)
	_, ok := r.Lookup(999)
	require.False(t, ok)
}
