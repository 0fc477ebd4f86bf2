package models

import (
	"encoding/json"
	"time"
)

// CombinedStreamMessage is the envelope carried by a combined-stream
// websocket subscription: {"stream":"btcusdt@depth@100ms","data":{...}}.
type CombinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WsDepthEvent mirrors the depthUpdate websocket payload.
type WsDepthEvent struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// WsAggTradeEvent mirrors the aggTrade websocket payload.
type WsAggTradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// WsKlineEvent mirrors the kline websocket payload.
type WsKlineEvent struct {
	Event     string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Kline     WsKline `json:"k"`
}

// WsKline is the candle body inside a kline event.
type WsKline struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Close       string `json:"c"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	TradeCount  int64  `json:"n"`
	Closed      bool   `json:"x"`
}

// WsForceOrderEvent mirrors the forceOrder websocket payload from the
// derivatives stream.
type WsForceOrderEvent struct {
	Event     string             `json:"e"`
	EventTime int64              `json:"E"`
	Order     WsLiquidationOrder `json:"o"`
}

// WsLiquidationOrder is the order body inside a forceOrder event.
type WsLiquidationOrder struct {
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	OrderType string `json:"o"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// DepthDiffEvent is a decoded depth update routed to a symbol's book
// manager. Bids and asks are deltas; quantity "0" removes a level.
type DepthDiffEvent struct {
	Symbol        string
	EventTime     int64 // ms
	RecvTime      time.Time
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// DepthSnapshot is a point-in-time full book from the REST depth endpoint.
type DepthSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
	FetchedAt    time.Time
}

// ParseLevels converts the exchange's [[price, qty], ...] wire arrays,
// silently skipping malformed pairs.
func ParseLevels(raw [][]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, PriceLevel{Price: pair[0], Quantity: pair[1]})
	}
	return levels
}
