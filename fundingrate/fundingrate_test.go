package fundingrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"bookflow/buffer"
	"bookflow/config"
	"bookflow/models"
)

func newTestCollector(fetch fetchFunc, symbols ...string) (*Collector, *buffer.Buffer) {
	buf := buffer.New(config.BufferConfig{})
	c := New(config.FundingConfig{Enabled: true, Interval: time.Hour}, symbols, buf)
	c.fetch = fetch
	return c, buf
}

func TestCollectAllBuffersRecords(t *testing.T) {
	var requested []string
	c, buf := newTestCollector(func(ctx context.Context, symbol string) (*futures.PremiumIndex, error) {
		requested = append(requested, symbol)
		return &futures.PremiumIndex{
			Symbol:          symbol,
			LastFundingRate: "0.0001",
			MarkPrice:       "50000.1",
			IndexPrice:      "50000.0",
			Time:            1700000000000,
			NextFundingTime: 1700028800000,
		}, nil
	}, "btcusdt", "ethusdt")

	c.collectAll(context.Background())

	if len(requested) != 2 || requested[0] != "BTCUSDT" || requested[1] != "ETHUSDT" {
		t.Errorf("requested = %v, want uppercase symbols", requested)
	}
	batches := buf.SnapshotAndClear()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want one per symbol", len(batches))
	}
	for _, b := range batches {
		if b.Key.Kind != models.KindFunding || len(b.Records) != 1 {
			t.Errorf("batch = %+v", b.Key)
		}
		rec := b.Records[0].(models.FundingRateRecord)
		if rec.FundingRate != "0.0001" || rec.NextFundingTime != 1700028800000 {
			t.Errorf("record = %+v", rec)
		}
		if rec.Symbol != "btcusdt" && rec.Symbol != "ethusdt" {
			t.Errorf("symbol not normalized: %q", rec.Symbol)
		}
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	c, _ := newTestCollector(func(ctx context.Context, symbol string) (*futures.PremiumIndex, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient error")
		}
		return &futures.PremiumIndex{Symbol: symbol, LastFundingRate: "0.0002"}, nil
	}, "btcusdt")

	rec, err := c.fetchWithRetry(context.Background(), "btcusdt")
	if err != nil {
		t.Fatalf("fetchWithRetry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if rec.FundingRate != "0.0002" {
		t.Errorf("record = %+v", rec)
	}
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	c, buf := newTestCollector(func(ctx context.Context, symbol string) (*futures.PremiumIndex, error) {
		attempts++
		return nil, fmt.Errorf("down")
	}, "btcusdt")

	c.collectAll(context.Background())

	if attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxAttempts)
	}
	if buf.Len() != 0 {
		t.Errorf("failed fetch still buffered a record")
	}
}
