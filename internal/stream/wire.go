package stream

// Wire frame shapes for Binance USDS-M Futures combined websocket streams.
// Field names mirror the venue's literal JSON keys (abbreviated, per their
// API docs) rather than Go conventions, since these structs exist only to
// decode the wire and are never referenced outside this package's decoder. Each
// channel has a distinct payload shape, so frames are dispatched on the "e"
// discriminator before being unmarshaled into the matching struct.

// combinedFrame wraps every message on the combined-stream endpoint; Data
// is re-unmarshaled per channel once eventType is known.
type combinedFrame struct {
	Stream string        `json:"stream"`
	Data   eventEnvelope `json:"data"`
}

// eventEnvelope captures only the fields common to every channel so the
// dispatcher can decide which concrete payload to decode.
type eventEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

type bookTickerPayload struct {
	UpdateID  int64  `json:"u"`
	Symbol    string `json:"s"`
	BestBid   string `json:"b"`
	BidQty    string `json:"B"`
	BestAsk   string `json:"a"`
	AskQty    string `json:"A"`
	EventTime int64  `json:"E"`
	TradeTime int64  `json:"T"`
}

type aggTradePayload struct {
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	BuyerMaker   bool   `json:"m"`
}

type depthUpdatePayload struct {
	EventTime         int64      `json:"E"`
	TransactionTime   int64      `json:"T"`
	Symbol            string     `json:"s"`
	FirstUpdateID     int64      `json:"U"`
	FinalUpdateID     int64      `json:"u"`
	PrevFinalUpdateID int64      `json:"pu"`
	Bids              [][]string `json:"b"`
	Asks              [][]string `json:"a"`
}

type markPricePayload struct {
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type forceOrderPayload struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol string `json:"s"`
		Side   string `json:"S"`
		Price  string `json:"p"`
		Qty    string `json:"q"`
		Time   int64  `json:"T"`
	} `json:"o"`
}

// depthSnapshot mirrors the REST depth snapshot response shape. The resync
// flow does not decode into it: fetchDepthSnapshot reads LastUpdateID
// straight from go-binance/v2/futures.DepthService.Do's response.
type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}
