package orderbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"bookflow/config"
	"bookflow/models"
)

// RestFetcher fetches depth snapshots through the exchange REST API. One
// instance is shared by all symbol managers; the limiter keeps concurrent
// resyncs within the endpoint's request weight allowance.
type RestFetcher struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewRestFetcher builds a fetcher with the configured request rate limit.
func NewRestFetcher(cfg config.OrderbookConfig) *RestFetcher {
	rps := cfg.SnapshotRateLimit
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.SnapshotBurst
	if burst < 1 {
		burst = 1
	}
	return &RestFetcher{
		client:  binance.NewClient("", ""),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// FetchDepth retrieves a full depth snapshot for the symbol.
func (f *RestFetcher) FetchDepth(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	res, err := f.client.NewDepthService().
		Symbol(strings.ToUpper(symbol)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth request for %s: %w", symbol, err)
	}

	snap := &models.DepthSnapshot{
		Symbol:       strings.ToUpper(symbol),
		LastUpdateID: res.LastUpdateID,
		Bids:         make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:         make([]models.PriceLevel, 0, len(res.Asks)),
		FetchedAt:    time.Now().UTC(),
	}
	for _, b := range res.Bids {
		snap.Bids = append(snap.Bids, models.PriceLevel{Price: b.Price, Quantity: b.Quantity})
	}
	for _, a := range res.Asks {
		snap.Asks = append(snap.Asks, models.PriceLevel{Price: a.Price, Quantity: a.Quantity})
	}
	return snap, nil
}
