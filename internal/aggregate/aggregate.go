// Package aggregate implements the Aggregator: per-second bt_1s/trade_1s
// rollups from raw events, and the 24h flat-grid refresh with
// last-observation-carried-forward gap fill. Grounded on
// SreemukhMantripragada-trading-platform's bar_aggregator_1m worker
// (per-symbol in-memory window state, ticker-driven close-and-flush), here
// keyed by symbol+second instead of symbol+minute and split into the two
// rollup kinds spec.md §4.6 names.
package aggregate

import (
	"time"

	"ingestd/internal/model"
)

// bookTickerWindow accumulates one symbol's open second of BookTicker
// events toward a BookTicker1s row.
type bookTickerWindow struct {
	symbolID    int64
	second      time.Time
	openMid     float64
	openAt      time.Time
	openUpdate  int64
	highMid     float64
	lowMid      float64
	closeMid    float64
	closeAt     time.Time
	closeUpdate int64
	spreadSum   float64
	spreadMin   float64
	spreadMax   float64
	count       int64
	vwNumerator float64
	vwDenom     float64
}

// observe folds one BookTicker event into the window using the tie-break
// rule: earliest ts_exchange wins open, latest wins close; ties broken by
// larger update id, then by insertion order (the caller's natural feed
// order, since this method is called in arrival order).
func (w *bookTickerWindow) observe(bt model.BookTicker) {
	mid := bt.Mid()
	spread := bt.Spread()

	if w.count == 0 {
		w.symbolID = bt.SymbolID
		w.openMid, w.openAt, w.openUpdate = mid, bt.TSExchange, bt.UpdateID
		w.closeMid, w.closeAt, w.closeUpdate = mid, bt.TSExchange, bt.UpdateID
		w.highMid, w.lowMid = mid, mid
		w.spreadMin, w.spreadMax = spread, spread
	} else {
		if bt.TSExchange.Before(w.openAt) || (bt.TSExchange.Equal(w.openAt) && bt.UpdateID > w.openUpdate) {
			w.openMid, w.openAt, w.openUpdate = mid, bt.TSExchange, bt.UpdateID
		}
		if bt.TSExchange.After(w.closeAt) || (bt.TSExchange.Equal(w.closeAt) && bt.UpdateID > w.closeUpdate) {
			w.closeMid, w.closeAt, w.closeUpdate = mid, bt.TSExchange, bt.UpdateID
		}
		if mid > w.highMid {
			w.highMid = mid
		}
		if mid < w.lowMid {
			w.lowMid = mid
		}
		if spread < w.spreadMin {
			w.spreadMin = spread
		}
		if spread > w.spreadMax {
			w.spreadMax = spread
		}
	}

	qty := bt.BidQty + bt.AskQty
	w.vwNumerator += mid * qty
	w.vwDenom += qty
	w.spreadSum += spread
	w.count++
}

func (w *bookTickerWindow) close() model.BookTicker1s {
	vwMid := w.closeMid
	if w.vwDenom > 0 {
		vwMid = w.vwNumerator / w.vwDenom
	}
	return model.BookTicker1s{
		SymbolID:    w.symbolID,
		TSSecond:    w.second,
		OpenMid:     w.openMid,
		HighMid:     w.highMid,
		LowMid:      w.lowMid,
		CloseMid:    w.closeMid,
		SpreadMin:   w.spreadMin,
		SpreadMax:   w.spreadMax,
		SpreadAvg:   w.spreadSum / float64(w.count),
		UpdateCount: w.count,
		VWMid:       vwMid,
	}
}

// tradeWindow accumulates one symbol's open second of Trade events toward
// a Trade1s row.
type tradeWindow struct {
	symbolID   int64
	second     time.Time
	count      int64
	volumeSum  float64
	valueSum   float64
	buyVolume  float64
	sellVolume float64
	minPrice   float64
	maxPrice   float64
}

func (w *tradeWindow) observe(tr model.Trade) {
	if w.count == 0 {
		w.symbolID = tr.SymbolID
		w.minPrice, w.maxPrice = tr.Price, tr.Price
	} else {
		if tr.Price < w.minPrice {
			w.minPrice = tr.Price
		}
		if tr.Price > w.maxPrice {
			w.maxPrice = tr.Price
		}
	}
	w.count++
	w.volumeSum += tr.Qty
	w.valueSum += tr.Price * tr.Qty
	if tr.BuyerMaker {
		w.sellVolume += tr.Qty
	} else {
		w.buyVolume += tr.Qty
	}
}

func (w *tradeWindow) close() model.Trade1s {
	vwap := 0.0
	if w.volumeSum > 0 {
		vwap = w.valueSum / w.volumeSum
	}
	return model.Trade1s{
		SymbolID:   w.symbolID,
		TSSecond:   w.second,
		Count:      w.count,
		VolumeSum:  w.volumeSum,
		ValueSum:   w.valueSum,
		VWAP:       vwap,
		BuyVolume:  w.buyVolume,
		SellVolume: w.sellVolume,
		MinPrice:   w.minPrice,
		MaxPrice:   w.maxPrice,
	}
}

// FloorSecond truncates t to the start of its containing second, UTC.
func FloorSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// BuildGrid fills a 24h flat grid for one symbol from its closed bt_1s
// rows, applying LOCF for mid/spread across seconds with no observation
// and leaving vwap null where trade_count is 0. rows must be sorted
// ascending by TSSecond; bt and trade slices need not share timestamps.
func BuildGrid(symbolID int64, from, to time.Time, bt []model.BookTicker1s, trade []model.Trade1s) []model.Core1s24h {
	btBySecond := make(map[time.Time]model.BookTicker1s, len(bt))
	for _, row := range bt {
		btBySecond[row.TSSecond] = row
	}
	tradeBySecond := make(map[time.Time]model.Trade1s, len(trade))
	for _, row := range trade {
		tradeBySecond[row.TSSecond] = row
	}

	var lastMid, lastSpread float64
	haveObservation := false

	out := make([]model.Core1s24h, 0, int(to.Sub(from)/time.Second))
	for ts := from; ts.Before(to); ts = ts.Add(time.Second) {
		row := model.Core1s24h{SymbolID: symbolID, TSSecond: ts}

		if b, ok := btBySecond[ts]; ok {
			lastMid, lastSpread = b.CloseMid, b.SpreadAvg
			haveObservation = true
			row.UpdateCount = b.UpdateCount
		}
		if haveObservation {
			row.MidFFill = lastMid
			row.SpreadFFill = lastSpread
		}

		if tr, ok := tradeBySecond[ts]; ok {
			row.TradeCount = tr.Count
			row.VolumeSum = tr.VolumeSum
			if tr.Count > 0 {
				vwap := tr.VWAP
				row.VWAP = &vwap
			}
		}

		out = append(out, row)
	}
	return out
}
