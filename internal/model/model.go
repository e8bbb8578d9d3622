// Package model defines the internal record shapes that flow from the
// Event Normalizer into the Batch Writer and Aggregator. Every type here is
// a committed-row shape: fields map directly onto store columns.
package model

import "time"

// Symbol is the canonical (venue, code) -> internal id mapping owned by the
// Symbol Registry. Rows are created lazily and never deleted, only
// deactivated.
type Symbol struct {
	ID             int64     `json:"id"`
	Venue          string    `json:"venue"`
	Code           string    `json:"code"`
	InstrumentType string    `json:"instrument_type"`
	BaseAsset      string    `json:"base_asset"`
	QuoteAsset     string    `json:"quote_asset"`
	Active         bool      `json:"active"`
	PriceTick      float64   `json:"price_tick,omitempty"`
	QtyStep        float64   `json:"qty_step,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// BookTicker is the top-of-book event. Uniqueness key: (SymbolID,
// TSExchange, UpdateID). UpdateID is 0 when the venue does not provide one.
type BookTicker struct {
	SymbolID   int64     `json:"symbol_id"`
	TSExchange time.Time `json:"ts_exchange"`
	TSIngest   time.Time `json:"ts_ingest"`
	UpdateID   int64     `json:"update_id"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	BidQty     float64   `json:"bid_qty"`
	AskQty     float64   `json:"ask_qty"`
}

// Spread returns BestAsk - BestBid.
func (b BookTicker) Spread() float64 { return b.BestAsk - b.BestBid }

// Mid returns the arithmetic mean of BestAsk and BestBid.
func (b BookTicker) Mid() float64 { return (b.BestAsk + b.BestBid) / 2 }

// Valid reports whether b satisfies the BookTicker invariants: best_ask >=
// best_bid > 0 and both quantities are non-negative.
func (b BookTicker) Valid() bool {
	return b.BestBid > 0 && b.BestAsk >= b.BestBid && b.BidQty >= 0 && b.AskQty >= 0
}

// Trade is an aggregate trade event. Uniqueness key: (SymbolID, AggTradeID).
type Trade struct {
	SymbolID   int64     `json:"symbol_id"`
	TSExchange time.Time `json:"ts_exchange"`
	TSIngest   time.Time `json:"ts_ingest"`
	AggTradeID int64     `json:"agg_trade_id"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	BuyerMaker bool      `json:"buyer_is_maker"`
}

// Valid reports whether t satisfies price > 0 and qty > 0.
func (t Trade) Valid() bool { return t.Price > 0 && t.Qty > 0 }

// PriceLevel is a single [price, qty] entry in a depth delta.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthDelta is an incremental order book update. Uniqueness key:
// (SymbolID, TSExchange, FinalUpdateID). PrevFinalUpdateID is nil when the
// wire frame carries no (or a zero) "pu" value.
type DepthDelta struct {
	SymbolID          int64        `json:"symbol_id"`
	TSExchange        time.Time    `json:"ts_exchange"`
	TSIngest          time.Time    `json:"ts_ingest"`
	FirstUpdateID     int64        `json:"first_update_id"`
	FinalUpdateID     int64        `json:"final_update_id"`
	PrevFinalUpdateID *int64       `json:"prev_final_update_id,omitempty"`
	Bids              []PriceLevel `json:"bids"`
	Asks              []PriceLevel `json:"asks"`
}

// ContinuesFrom reports whether d is the immediate successor of prev in the
// update-id chain: d.FirstUpdateID == prev.FinalUpdateID + 1.
func (d DepthDelta) ContinuesFrom(prev DepthDelta) bool {
	return d.FirstUpdateID == prev.FinalUpdateID+1
}

// MarkPrice is the optional mark/index/funding channel event. Unique by
// (SymbolID, TSExchange).
type MarkPrice struct {
	SymbolID        int64      `json:"symbol_id"`
	TSExchange      time.Time  `json:"ts_exchange"`
	TSIngest        time.Time  `json:"ts_ingest"`
	MarkPrice       float64    `json:"mark_price"`
	IndexPrice      float64    `json:"index_price"`
	FundingRate     *float64   `json:"funding_rate,omitempty"`
	NextFundingTime *time.Time `json:"next_funding_time,omitempty"`
}

// ForceOrder is the optional liquidation channel event. Uniqueness key:
// (SymbolID, TSExchange, Side, Price, Qty).
type ForceOrder struct {
	SymbolID   int64     `json:"symbol_id"`
	TSExchange time.Time `json:"ts_exchange"`
	TSIngest   time.Time `json:"ts_ingest"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	RawPayload []byte    `json:"raw_payload,omitempty"`
}

// BookTicker1s is the per-second bt_1s rollup. Keyed by (SymbolID,
// TSSecond).
type BookTicker1s struct {
	SymbolID    int64     `json:"symbol_id"`
	TSSecond    time.Time `json:"ts_second"`
	OpenMid     float64   `json:"open_mid"`
	HighMid     float64   `json:"high_mid"`
	LowMid      float64   `json:"low_mid"`
	CloseMid    float64   `json:"close_mid"`
	SpreadMin   float64   `json:"spread_min"`
	SpreadMax   float64   `json:"spread_max"`
	SpreadAvg   float64   `json:"spread_avg"`
	UpdateCount int64     `json:"update_count"`
	VWMid       float64   `json:"vw_mid"`
}

// Trade1s is the per-second trade_1s rollup. Keyed by (SymbolID, TSSecond).
type Trade1s struct {
	SymbolID   int64     `json:"symbol_id"`
	TSSecond   time.Time `json:"ts_second"`
	Count      int64     `json:"count"`
	VolumeSum  float64   `json:"volume_sum"`
	ValueSum   float64   `json:"value_sum"`
	VWAP       float64   `json:"vwap"`
	BuyVolume  float64   `json:"buy_volume"`
	SellVolume float64   `json:"sell_volume"`
	MinPrice   float64   `json:"min_price"`
	MaxPrice   float64   `json:"max_price"`
}

// ImbalanceRatio returns (buy-sell)/(buy+sell), or 0 when both are zero.
func (t Trade1s) ImbalanceRatio() float64 {
	total := t.BuyVolume + t.SellVolume
	if total == 0 {
		return 0
	}
	return (t.BuyVolume - t.SellVolume) / total
}

// Core1s24h is a single row of the gap-filled 24h flat grid. Exactly one
// row exists per (SymbolID, TSSecond) within the rolling window.
type Core1s24h struct {
	SymbolID    int64     `json:"symbol_id"`
	TSSecond    time.Time `json:"ts_second"`
	MidFFill    float64   `json:"mid_ffill"`
	SpreadFFill float64   `json:"spread_ffill"`
	TradeCount  int64     `json:"trade_count"`
	VolumeSum   float64   `json:"volume_sum"`
	VWAP        *float64  `json:"vwap,omitempty"`
	UpdateCount int64     `json:"update_count"`
}

// Channel names match the venue's literal combined-stream suffixes.
const (
	ChannelBookTicker = "bookTicker"
	ChannelAggTrade   = "aggTrade"
	ChannelDepth      = "depth"
	ChannelMarkPrice  = "markPrice"
	ChannelForceOrder = "forceOrder"
)
