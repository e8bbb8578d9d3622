// Package stream implements the Stream Client: one persistent duplex
// websocket connection per shard, subscribed to a declared set of
// channel+symbol pairs, emitting typed raw frames to the Event Normalizer.
// Grounded on the teacher's reader/binance_reader.go dial-and-read loop,
// generalized to the explicit state machine spec.md §4.2 requires and to
// blocking backpressure instead of the teacher's drop-on-full channel send.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"ingestd/internal/metrics"
	"ingestd/internal/model"
	"ingestd/internal/telemetry"
	"ingestd/logger"
)

// State is a Stream Client connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RawEvent is the typed frame handed to the Event Normalizer, carrying the
// per-connection monotone sequence number the spec requires.
type RawEvent struct {
	Shard      int
	Seq        uint64
	Channel    string
	Symbol     string
	TSExchange time.Time
	TSIngest   time.Time

	BookTicker *model.BookTicker
	Trade      *model.Trade
	Depth      *model.DepthDelta
	MarkPrice  *model.MarkPrice
	ForceOrder *model.ForceOrder
}

// Config parameterizes a single shard's Stream Client.
type Config struct {
	ShardIndex  int
	WSBase      string
	RESTBase    string
	Symbols     []string
	MarkPrice   bool
	ForceOrder  bool
	QueueSize   int
	IdleTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client is one shard's duplex connection and the depth resync state for
// every symbol it owns.
type Client struct {
	cfg Config
	bus *telemetry.Bus

	rest *futures.Client

	state   atomic.Int32
	seq     uint64
	out     chan RawEvent
	depthMu sync.Mutex
	depth   map[string]*depthState
}

type depthState struct {
	resynced     bool
	lastFinalID  int64
	snapshotDone bool
}

// New constructs a Client for one shard. Call Run to start the connect
// loop; Run blocks until ctx is canceled.
func New(cfg Config, bus *telemetry.Bus) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	c := &Client{
		cfg:   cfg,
		bus:   bus,
		rest:  futures.NewClient("", ""),
		out:   make(chan RawEvent, cfg.QueueSize),
		depth: make(map[string]*depthState),
	}
	c.rest.BaseURL = cfg.RESTBase
	c.state.Store(int32(Disconnected))
	return c
}

// Events exposes the outbound normalized-frame queue. The Event Normalizer
// ranges over this channel.
func (c *Client) Events() <-chan RawEvent { return c.out }

// State returns the client's current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.bus.Publish(telemetry.Event{
		Kind:      telemetry.KindConnectionState,
		Component: c.shardLabel(),
		Fields:    map[string]interface{}{"state": s.String()},
	})
}

func (c *Client) shardLabel() string {
	return fmt.Sprintf("stream:%d", c.cfg.ShardIndex)
}

// Run drives the connect/read/reconnect loop until ctx is canceled. On
// cancellation it transitions through Draining before returning.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := c.cfg.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			metrics.StreamReconnects.WithLabelValues(c.shardLabel()).Inc()
			c.setState(Reconnecting)
			if !c.sleepBackoff(ctx, &backoff, maxBackoff) {
				return
			}
			continue
		}

		c.setState(Connected)
		backoff = c.cfg.BackoffBase
		if backoff <= 0 {
			backoff = 500 * time.Millisecond
		}

		err = c.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setState(Draining)
			return
		}

		metrics.StreamReconnects.WithLabelValues(c.shardLabel()).Inc()
		c.setState(Reconnecting)
		if err != nil {
			c.bus.Publish(telemetry.Event{
				Kind:      telemetry.KindDegraded,
				Component: c.shardLabel(),
				Fields:    map[string]interface{}{"error": err.Error()},
			})
		}
		if !c.sleepBackoff(ctx, &backoff, maxBackoff) {
			return
		}
	}
}

// sleepBackoff waits a full-jitter exponential backoff, doubling backoff
// for the next attempt. Returns false if ctx was canceled while waiting.
func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration, max time.Duration) bool {
	wait := time.Duration(rand.Int63n(int64(*backoff) + 1))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > max {
		*backoff = max
	}
	return true
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := c.combinedStreamURL()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	if c.cfg.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		})
	}
	return conn, nil
}

func (c *Client) combinedStreamURL() string {
	var streams []string
	for _, sym := range c.cfg.Symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@bookTicker", lower+"@aggTrade", lower+"@depth@100ms")
		if c.cfg.MarkPrice {
			streams = append(streams, lower+"@markPrice@1s")
		}
		if c.cfg.ForceOrder {
			streams = append(streams, lower+"@forceOrder")
		}
	}
	base := strings.TrimRight(c.cfg.WSBase, "/")
	return base + "/stream?streams=" + strings.Join(streams, "/")
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if c.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
				return err
			}
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		metrics.StreamFramesIn.WithLabelValues(c.shardLabel()).Inc()
		logger.IncrementStreamRead(len(data))

		var frame combinedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // single-event protocol error: dropped and implicitly counted via frame metrics mismatch
		}

		evt, ok := c.decode(ctx, frame.Data.EventType, data)
		if !ok {
			continue
		}

		if !c.emit(ctx, evt) {
			return ctx.Err()
		}
	}
}

// emit hands evt to the Normalizer's queue, blocking (never dropping) when
// the queue is at capacity, and surfacing the pause to telemetry.
func (c *Client) emit(ctx context.Context, evt RawEvent) bool {
	select {
	case c.out <- evt:
		return true
	default:
	}

	metrics.StreamBackpressure.WithLabelValues(c.shardLabel()).Inc()
	c.bus.Publish(telemetry.Event{
		Kind:      telemetry.KindDegraded,
		Component: c.shardLabel(),
		Fields:    map[string]interface{}{"reason": "backpressure_pause"},
	})

	select {
	case c.out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) decode(ctx context.Context, eventType string, raw json.RawMessage) (RawEvent, bool) {
	now := time.Now().UTC()
	seq := atomic.AddUint64(&c.seq, 1)

	switch eventType {
	case model.ChannelBookTicker:
		var env struct {
			Data bookTickerPayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return RawEvent{}, false
		}
		p := env.Data
		bid, _ := strconv.ParseFloat(p.BestBid, 64)
		ask, _ := strconv.ParseFloat(p.BestAsk, 64)
		bidQty, _ := strconv.ParseFloat(p.BidQty, 64)
		askQty, _ := strconv.ParseFloat(p.AskQty, 64)
		bt := &model.BookTicker{
			TSExchange: msToTime(p.EventTime),
			TSIngest:   now,
			UpdateID:   p.UpdateID,
			BestBid:    bid,
			BestAsk:    ask,
			BidQty:     bidQty,
			AskQty:     askQty,
		}
		return RawEvent{Shard: c.cfg.ShardIndex, Seq: seq, Channel: model.ChannelBookTicker, Symbol: p.Symbol, TSExchange: bt.TSExchange, TSIngest: now, BookTicker: bt}, true

	case model.ChannelAggTrade:
		var env struct {
			Data aggTradePayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return RawEvent{}, false
		}
		p := env.Data
		price, _ := strconv.ParseFloat(p.Price, 64)
		qty, _ := strconv.ParseFloat(p.Quantity, 64)
		tr := &model.Trade{
			TSExchange: msToTime(p.TradeTime),
			TSIngest:   now,
			AggTradeID: p.AggTradeID,
			Price:      price,
			Qty:        qty,
			BuyerMaker: p.BuyerMaker,
		}
		return RawEvent{Shard: c.cfg.ShardIndex, Seq: seq, Channel: model.ChannelAggTrade, Symbol: p.Symbol, TSExchange: tr.TSExchange, TSIngest: now, Trade: tr}, true

	case "depthUpdate":
		var env struct {
			Data depthUpdatePayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return RawEvent{}, false
		}
		p := env.Data
		dd := c.applyDepthResyncPolicy(ctx, p)
		if dd == nil {
			return RawEvent{}, false
		}
		return RawEvent{Shard: c.cfg.ShardIndex, Seq: seq, Channel: model.ChannelDepth, Symbol: p.Symbol, TSExchange: dd.TSExchange, TSIngest: now, Depth: dd}, true

	case model.ChannelMarkPrice:
		var env struct {
			Data markPricePayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return RawEvent{}, false
		}
		p := env.Data
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		index, _ := strconv.ParseFloat(p.IndexPrice, 64)
		mp := &model.MarkPrice{
			TSExchange: msToTime(p.EventTime),
			TSIngest:   now,
			MarkPrice:  mark,
			IndexPrice: index,
		}
		if p.FundingRate != "" {
			if fr, err := strconv.ParseFloat(p.FundingRate, 64); err == nil {
				mp.FundingRate = &fr
			}
		}
		if p.NextFundingTime > 0 {
			t := msToTime(p.NextFundingTime)
			mp.NextFundingTime = &t
		}
		return RawEvent{Shard: c.cfg.ShardIndex, Seq: seq, Channel: model.ChannelMarkPrice, Symbol: p.Symbol, TSExchange: mp.TSExchange, TSIngest: now, MarkPrice: mp}, true

	case "forceOrder":
		var env struct {
			Data forceOrderPayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return RawEvent{}, false
		}
		p := env.Data
		price, _ := strconv.ParseFloat(p.Order.Price, 64)
		qty, _ := strconv.ParseFloat(p.Order.Qty, 64)
		fo := &model.ForceOrder{
			TSExchange: msToTime(p.EventTime),
			TSIngest:   now,
			Side:       p.Order.Side,
			Price:      price,
			Qty:        qty,
			RawPayload: append([]byte(nil), raw...),
		}
		return RawEvent{Shard: c.cfg.ShardIndex, Seq: seq, Channel: model.ChannelForceOrder, Symbol: p.Order.Symbol, TSExchange: fo.TSExchange, TSIngest: now, ForceOrder: fo}, true

	default:
		return RawEvent{}, false
	}
}

// applyDepthResyncPolicy enforces the update-id chain invariant for p's
// symbol, requesting a REST snapshot and discarding pre-snapshot events
// when the chain is broken.
func (c *Client) applyDepthResyncPolicy(ctx context.Context, p depthUpdatePayload) *model.DepthDelta {
	c.depthMu.Lock()
	st, ok := c.depth[p.Symbol]
	if !ok {
		st = &depthState{}
		c.depth[p.Symbol] = st
	}
	c.depthMu.Unlock()

	c.depthMu.Lock()
	broken := st.resynced && p.FirstUpdateID != st.lastFinalID+1
	needsSnapshot := !st.resynced
	c.depthMu.Unlock()

	if needsSnapshot || broken {
		metrics.DepthResyncs.WithLabelValues(p.Symbol).Inc()
		lastID, err := c.fetchDepthSnapshot(ctx, p.Symbol)
		if err != nil {
			return nil
		}
		c.depthMu.Lock()
		st.resynced = true
		st.lastFinalID = lastID
		c.depthMu.Unlock()

		if p.FinalUpdateID <= lastID {
			return nil
		}
	}

	c.depthMu.Lock()
	st.lastFinalID = p.FinalUpdateID
	c.depthMu.Unlock()

	var prev *int64
	if p.PrevFinalUpdateID > 0 {
		v := p.PrevFinalUpdateID
		prev = &v
	}

	return &model.DepthDelta{
		TSExchange:        msToTime(p.EventTime),
		TSIngest:          time.Now().UTC(),
		FirstUpdateID:     p.FirstUpdateID,
		FinalUpdateID:     p.FinalUpdateID,
		PrevFinalUpdateID: prev,
		Bids:              toPriceLevels(p.Bids),
		Asks:              toPriceLevels(p.Asks),
	}
}

func (c *Client) fetchDepthSnapshot(ctx context.Context, symbol string) (int64, error) {
	res, err := c.rest.NewDepthService().Symbol(symbol).Limit(1000).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream: depth snapshot %s: %w", symbol, err)
	}
	return res.LastUpdateID, nil
}

func toPriceLevels(raw [][]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		qty, _ := strconv.ParseFloat(lvl[1], 64)
		out = append(out, model.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
