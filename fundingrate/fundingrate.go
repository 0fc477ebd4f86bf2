package fundingrate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"bookflow/buffer"
	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

const maxAttempts = 3

// fetchFunc retrieves the premium index for one symbol. Swappable in tests.
type fetchFunc func(ctx context.Context, symbol string) (*futures.PremiumIndex, error)

// Collector polls the premium index endpoint on a funding-period cadence and
// buffers one FundingRateRecord per symbol per cycle.
type Collector struct {
	cfg     config.FundingConfig
	symbols []string
	buf     *buffer.Buffer
	fetch   fetchFunc

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

// New creates a funding rate collector backed by the futures REST API.
func New(cfg config.FundingConfig, symbols []string, buf *buffer.Buffer) *Collector {
	client := futures.NewClient("", "")
	return &Collector{
		cfg:     cfg,
		symbols: symbols,
		buf:     buf,
		fetch: func(ctx context.Context, symbol string) (*futures.PremiumIndex, error) {
			res, err := client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
			if err != nil {
				return nil, err
			}
			if len(res) == 0 {
				return nil, fmt.Errorf("empty premium index response for %s", symbol)
			}
			return res[0], nil
		},
		log: logger.GetLogger(),
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("funding rate collector already running")
	}
	c.running = true
	c.mu.Unlock()

	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 8 * time.Hour
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.collectAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collectAll(ctx)
			}
		}
	}()

	c.log.WithComponent("funding_rate").WithFields(logger.Fields{
		"symbols":  c.symbols,
		"interval": interval.String(),
	}).Info("funding rate collector started")
	return nil
}

// Stop waits for the polling loop to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
	c.log.WithComponent("funding_rate").Info("funding rate collector stopped")
}

func (c *Collector) collectAll(ctx context.Context) {
	for _, symbol := range c.symbols {
		if ctx.Err() != nil {
			return
		}
		record, err := c.fetchWithRetry(ctx, symbol)
		if err != nil {
			c.log.WithComponent("funding_rate").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("funding rate fetch failed")
			continue
		}
		c.buf.Append(*record)
	}
}

// fetchWithRetry attempts the premium index request up to three times with
// exponential backoff between attempts.
func (c *Collector) fetchWithRetry(ctx context.Context, symbol string) (*models.FundingRateRecord, error) {
	b := &backoff.Backoff{Min: time.Second, Max: 10 * time.Second, Factor: 2}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		idx, err := c.fetch(reqCtx, strings.ToUpper(symbol))
		cancel()
		if err == nil {
			return &models.FundingRateRecord{
				Symbol:          strings.ToLower(symbol),
				FundingRate:     idx.LastFundingRate,
				MarkPrice:       idx.MarkPrice,
				IndexPrice:      idx.IndexPrice,
				FundingTime:     idx.Time,
				NextFundingTime: idx.NextFundingTime,
				RecvTime:        time.Now(),
			}, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}
