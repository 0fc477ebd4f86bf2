package models

import "time"

// Kind identifies the data stream a record belongs to. File names, buffer
// partitions and parquet schemas are all keyed by it.
type Kind string

const (
	KindOrderbook   Kind = "orderbook"
	KindTrade       Kind = "trade"
	KindKline       Kind = "kline"
	KindLiquidation Kind = "liquidation"
	KindFunding     Kind = "funding"
)

// Record is the unit the Buffer accumulates and the Flusher persists.
// Records are immutable once constructed.
type Record interface {
	RecordSymbol() string
	RecordKind() Kind
	// RecordTime is the local receive time, used for flush time ranges.
	RecordTime() time.Time
	// ByteSize is an approximation of the in-memory payload size, used for
	// the buffer memory threshold.
	ByteSize() int
}

// PriceLevel is a single price/quantity pair as quoted by the exchange.
// Quantities and prices stay strings end to end so no precision is lost
// between the wire and the stored file.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// DepthLevelRecord is the top-N view of a symbol's book, captured after an
// applied diff. Owned by the Buffer until flushed.
type DepthLevelRecord struct {
	Symbol       string
	EventTime    int64 // exchange event time, ms
	RecvTime     time.Time
	LastUpdateID int64
	Bids         []PriceLevel // price descending
	Asks         []PriceLevel // price ascending
}

func (r DepthLevelRecord) RecordSymbol() string  { return r.Symbol }
func (r DepthLevelRecord) RecordKind() Kind      { return KindOrderbook }
func (r DepthLevelRecord) RecordTime() time.Time { return r.RecvTime }

func (r DepthLevelRecord) ByteSize() int {
	size := 64 + len(r.Symbol)
	for _, l := range r.Bids {
		size += 32 + len(l.Price) + len(l.Quantity)
	}
	for _, l := range r.Asks {
		size += 32 + len(l.Price) + len(l.Quantity)
	}
	return size
}

// TradeRecord is a single aggregated trade.
type TradeRecord struct {
	Symbol       string
	TradeID      int64
	Price        string
	Quantity     string
	FirstTradeID int64
	LastTradeID  int64
	TradeTime    int64 // ms
	RecvTime     time.Time
	IsBuyerMaker bool
}

func (r TradeRecord) RecordSymbol() string  { return r.Symbol }
func (r TradeRecord) RecordKind() Kind      { return KindTrade }
func (r TradeRecord) RecordTime() time.Time { return r.RecvTime }
func (r TradeRecord) ByteSize() int {
	return 96 + len(r.Symbol) + len(r.Price) + len(r.Quantity)
}

// KlineRecord is a closed candle. Open candles are never buffered.
type KlineRecord struct {
	Symbol      string
	OpenTime    int64 // ms
	CloseTime   int64 // ms
	Open        string
	High        string
	Low         string
	Close       string
	Volume      string
	QuoteVolume string
	TradeCount  int64
	RecvTime    time.Time
}

func (r KlineRecord) RecordSymbol() string  { return r.Symbol }
func (r KlineRecord) RecordKind() Kind      { return KindKline }
func (r KlineRecord) RecordTime() time.Time { return r.RecvTime }
func (r KlineRecord) ByteSize() int {
	return 96 + len(r.Symbol) + len(r.Open) + len(r.High) + len(r.Low) +
		len(r.Close) + len(r.Volume) + len(r.QuoteVolume)
}

// LiquidationRecord is a forced order from the derivatives market.
type LiquidationRecord struct {
	Symbol    string
	Side      string
	OrderType string
	Price     string
	Quantity  string
	TradeTime int64 // ms
	RecvTime  time.Time
}

func (r LiquidationRecord) RecordSymbol() string  { return r.Symbol }
func (r LiquidationRecord) RecordKind() Kind      { return KindLiquidation }
func (r LiquidationRecord) RecordTime() time.Time { return r.RecvTime }
func (r LiquidationRecord) ByteSize() int {
	return 80 + len(r.Symbol) + len(r.Side) + len(r.OrderType) + len(r.Price) + len(r.Quantity)
}

// FundingRateRecord is a periodic funding snapshot from the premium index
// endpoint.
type FundingRateRecord struct {
	Symbol          string
	FundingRate     string
	MarkPrice       string
	IndexPrice      string
	FundingTime     int64 // ms
	NextFundingTime int64 // ms
	RecvTime        time.Time
}

func (r FundingRateRecord) RecordSymbol() string  { return r.Symbol }
func (r FundingRateRecord) RecordKind() Kind      { return KindFunding }
func (r FundingRateRecord) RecordTime() time.Time { return r.RecvTime }
func (r FundingRateRecord) ByteSize() int {
	return 64 + len(r.Symbol) + len(r.FundingRate) + len(r.MarkPrice) + len(r.IndexPrice)
}

// FlushResult describes one committed file. Produced by the Flusher after a
// successful atomic rename, consumed by the integrity logger and the syncer.
type FlushResult struct {
	ID        string
	Path      string
	Symbol    string
	Kind      Kind
	Rows      int
	SHA256    string
	FileSize  int64
	TimeStart time.Time
	TimeEnd   time.Time
}

// GapEvent reports a detected update-id discontinuity on a symbol.
type GapEvent struct {
	Symbol     string
	ExpectedID int64
	ActualID   int64
	Size       int64
	Timestamp  time.Time
}

// ConnState is the connection lifecycle phase reported to observers.
type ConnState string

const (
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateReconnected  ConnState = "reconnected"
)

// ConnectivityEvent reports a websocket connection state change.
type ConnectivityEvent struct {
	State     ConnState
	Market    string // "spot" or "futures"
	Reason    string
	Downtime  time.Duration
	Timestamp time.Time
}
