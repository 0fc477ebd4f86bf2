package flusher

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"bookflow/models"
)

// Prices and quantities are stored as UTF8 strings, exactly as quoted on the
// wire.

// depthRow is one price level of a top-N book view. A book update of N bid
// and M ask levels becomes N+M rows sharing the same last_update_id.
type depthRow struct {
	Symbol       string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime    int64  `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RecvTime     int64  `parquet:"name=recv_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	LastUpdateID int64  `parquet:"name=last_update_id, type=INT64"`
	Side         string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level        int32  `parquet:"name=level, type=INT32"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity     string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type tradeRow struct {
	Symbol       string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID      int64  `parquet:"name=trade_id, type=INT64"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity     string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	FirstTradeID int64  `parquet:"name=first_trade_id, type=INT64"`
	LastTradeID  int64  `parquet:"name=last_trade_id, type=INT64"`
	TradeTime    int64  `parquet:"name=trade_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RecvTime     int64  `parquet:"name=recv_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	IsBuyerMaker bool   `parquet:"name=is_buyer_maker, type=BOOLEAN"`
}

type klineRow struct {
	Symbol      string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime    int64  `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	CloseTime   int64  `parquet:"name=close_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open        string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High        string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low         string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close       string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume      string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteVolume string `parquet:"name=quote_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeCount  int64  `parquet:"name=trade_count, type=INT64"`
	RecvTime    int64  `parquet:"name=recv_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type liquidationRow struct {
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderType string `parquet:"name=order_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity  string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeTime int64  `parquet:"name=trade_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RecvTime  int64  `parquet:"name=recv_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type fundingRow struct {
	Symbol          string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingRate     string `parquet:"name=funding_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarkPrice       string `parquet:"name=mark_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	IndexPrice      string `parquet:"name=index_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingTime     int64  `parquet:"name=funding_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	NextFundingTime int64  `parquet:"name=next_funding_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RecvTime        int64  `parquet:"name=recv_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter keeps the parquet serialization entirely in memory so the
// checksum covers the exact bytes that reach disk.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// createParquet serializes a batch of one kind into SNAPPY-compressed
// parquet bytes. Returns the bytes and the row count.
func createParquet(kind models.Kind, records []models.Record) ([]byte, int64, error) {
	mw := newMemFileWriter()

	var schema interface{}
	switch kind {
	case models.KindOrderbook:
		schema = new(depthRow)
	case models.KindTrade:
		schema = new(tradeRow)
	case models.KindKline:
		schema = new(klineRow)
	case models.KindLiquidation:
		schema = new(liquidationRow)
	case models.KindFunding:
		schema = new(fundingRow)
	default:
		return nil, 0, fmt.Errorf("no parquet schema for kind %q", kind)
	}

	pw, err := writer.NewParquetWriter(mw, schema, 4)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var rows int64
	for _, r := range records {
		for _, row := range toRows(r) {
			if err := pw.Write(row); err != nil {
				return nil, 0, err
			}
			rows++
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}
	return mw.Bytes(), rows, nil
}

func toRows(r models.Record) []interface{} {
	switch v := r.(type) {
	case models.DepthLevelRecord:
		rows := make([]interface{}, 0, len(v.Bids)+len(v.Asks))
		recv := v.RecvTime.UnixMilli()
		for i, l := range v.Bids {
			rows = append(rows, depthRow{
				Symbol: v.Symbol, EventTime: v.EventTime, RecvTime: recv,
				LastUpdateID: v.LastUpdateID, Side: "bid", Level: int32(i + 1),
				Price: l.Price, Quantity: l.Quantity,
			})
		}
		for i, l := range v.Asks {
			rows = append(rows, depthRow{
				Symbol: v.Symbol, EventTime: v.EventTime, RecvTime: recv,
				LastUpdateID: v.LastUpdateID, Side: "ask", Level: int32(i + 1),
				Price: l.Price, Quantity: l.Quantity,
			})
		}
		return rows
	case models.TradeRecord:
		return []interface{}{tradeRow{
			Symbol: v.Symbol, TradeID: v.TradeID, Price: v.Price, Quantity: v.Quantity,
			FirstTradeID: v.FirstTradeID, LastTradeID: v.LastTradeID,
			TradeTime: v.TradeTime, RecvTime: v.RecvTime.UnixMilli(),
			IsBuyerMaker: v.IsBuyerMaker,
		}}
	case models.KlineRecord:
		return []interface{}{klineRow{
			Symbol: v.Symbol, OpenTime: v.OpenTime, CloseTime: v.CloseTime,
			Open: v.Open, High: v.High, Low: v.Low, Close: v.Close,
			Volume: v.Volume, QuoteVolume: v.QuoteVolume, TradeCount: v.TradeCount,
			RecvTime: v.RecvTime.UnixMilli(),
		}}
	case models.LiquidationRecord:
		return []interface{}{liquidationRow{
			Symbol: v.Symbol, Side: v.Side, OrderType: v.OrderType,
			Price: v.Price, Quantity: v.Quantity,
			TradeTime: v.TradeTime, RecvTime: v.RecvTime.UnixMilli(),
		}}
	case models.FundingRateRecord:
		return []interface{}{fundingRow{
			Symbol: v.Symbol, FundingRate: v.FundingRate, MarkPrice: v.MarkPrice,
			IndexPrice: v.IndexPrice, FundingTime: v.FundingTime,
			NextFundingTime: v.NextFundingTime, RecvTime: v.RecvTime.UnixMilli(),
		}}
	default:
		return nil
	}
}
