package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"bookflow/buffer"
	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/orderbook"
)

// Collector maintains the combined-stream websocket subscriptions and routes
// decoded events: depth diffs to the per-symbol book managers, everything
// else straight into the buffer.
type Collector struct {
	cfg       config.CollectorConfig
	symbols   []string
	buf       *buffer.Buffer
	managers  map[string]*orderbook.Manager
	onConn    func(models.ConnectivityEvent)
	onMessage func(symbol string)

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	malformed int64
	log       *logger.Log
}

// New creates a collector for the given symbols. managers is keyed by
// lowercase symbol; onConn may be nil.
func New(cfg config.CollectorConfig, symbols []string, buf *buffer.Buffer,
	managers map[string]*orderbook.Manager, onConn func(models.ConnectivityEvent)) *Collector {
	return &Collector{
		cfg:      cfg,
		symbols:  symbols,
		buf:      buf,
		managers: managers,
		onConn:   onConn,
		log:      logger.GetLogger(),
	}
}

// Start opens the spot connection and, if configured, the futures connection.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.connectionLoop("spot", CombinedStreamURL(c.cfg.SpotURL, SpotStreams(c.symbols)))

	if c.cfg.UseFutures {
		c.wg.Add(1)
		go c.connectionLoop("futures", CombinedStreamURL(c.cfg.FuturesURL, FuturesStreams(c.symbols)))
	}

	c.log.WithComponent("collector").WithFields(logger.Fields{
		"symbols":     c.symbols,
		"use_futures": c.cfg.UseFutures,
	}).Info("collector started")
	return nil
}

// Stop waits for the connection loops to exit. The caller cancels the
// context passed to Start first.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.log.WithComponent("collector").Info("collector stopped")
}

// SpotStreams lists the spot combined-stream names for the symbols.
func SpotStreams(symbols []string) []string {
	streams := make([]string, 0, 3*len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(s)
		streams = append(streams,
			s+"@depth@100ms",
			s+"@aggTrade",
			s+"@kline_1m",
		)
	}
	return streams
}

// FuturesStreams lists the futures combined-stream names for the symbols.
func FuturesStreams(symbols []string) []string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@forceOrder")
	}
	return streams
}

// CombinedStreamURL builds the combined-stream endpoint for a set of streams.
func CombinedStreamURL(base string, streams []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// connectionLoop dials, reads until failure and reconnects with capped
// jittered backoff. Book managers are resynced after every reconnect of the
// depth-carrying connection since diffs may have been missed.
func (c *Collector) connectionLoop(market, url string) {
	defer c.wg.Done()

	log := c.log.WithComponent("collector").WithFields(logger.Fields{"market": market})
	b := &backoff.Backoff{
		Min:    c.cfg.Reconnect.BaseDelay,
		Max:    c.cfg.Reconnect.MaxDelay,
		Factor: c.cfg.Reconnect.Factor,
		Jitter: c.cfg.Reconnect.Jitter,
	}

	connected := false
	var disconnectedAt time.Time

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, url, nil)
		if err != nil {
			d := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": d.String()}).Warn("websocket dial failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		if !connected {
			connected = true
			c.emitConn(models.ConnectivityEvent{
				State:     models.ConnStateConnected,
				Market:    market,
				Timestamp: time.Now(),
			})
			log.Info("websocket connected")
		} else {
			downtime := time.Since(disconnectedAt)
			c.emitConn(models.ConnectivityEvent{
				State:     models.ConnStateReconnected,
				Market:    market,
				Downtime:  downtime,
				Timestamp: time.Now(),
			})
			log.WithFields(logger.Fields{"downtime": downtime.String()}).Info("websocket reconnected")
			if market == "spot" {
				c.resyncManagers()
			}
		}

		reason := c.readLoop(conn, market, log)
		conn.Close()
		if c.ctx.Err() != nil {
			return
		}

		disconnectedAt = time.Now()
		c.emitConn(models.ConnectivityEvent{
			State:     models.ConnStateDisconnected,
			Market:    market,
			Reason:    reason,
			Timestamp: disconnectedAt,
		})
		log.WithFields(logger.Fields{"reason": reason}).Warn("websocket disconnected")
	}
}

// readLoop pumps messages until the connection fails, the idle deadline
// passes or decoding breaks repeatedly. Returns the disconnect reason.
func (c *Collector) readLoop(conn *websocket.Conn, market string, log *logger.Entry) string {
	idle := c.cfg.IdleTimeout
	if idle <= 0 {
		idle = time.Minute
	}

	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	// Ping keepalive; the server's pong refreshes the read deadline.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	decodeFailures := 0
	for {
		if c.ctx.Err() != nil {
			return "shutdown"
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Sprintf("read: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(idle))

		if err := c.handleMessage(payload); err != nil {
			decodeFailures++
			c.mu.Lock()
			c.malformed++
			c.mu.Unlock()
			log.WithError(err).WithFields(logger.Fields{
				"consecutive": decodeFailures,
			}).Warn("malformed stream message dropped")
			if c.cfg.DecodeFailureThreshold > 0 && decodeFailures >= c.cfg.DecodeFailureThreshold {
				return "consecutive decode failures"
			}
			continue
		}
		decodeFailures = 0
	}
}

// handleMessage decodes one combined-stream envelope and routes its event.
func (c *Collector) handleMessage(payload []byte) error {
	var envelope models.CombinedStreamMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("empty data for stream %q", envelope.Stream)
	}
	logger.RecordStreamMessage(envelope.Stream, len(payload))

	if c.onMessage != nil {
		symbol := envelope.Stream
		if i := strings.IndexByte(symbol, '@'); i > 0 {
			symbol = symbol[:i]
		}
		c.onMessage(symbol)
	}

	// Both fields are declared so the case-insensitive key matching of
	// encoding/json cannot land the numeric "E" in the string "e" field.
	var probe struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(envelope.Data, &probe); err != nil {
		return fmt.Errorf("event probe: %w", err)
	}
	recv := time.Now()

	switch probe.Event {
	case "depthUpdate":
		var evt models.WsDepthEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			return fmt.Errorf("depthUpdate: %w", err)
		}
		symbol := strings.ToLower(evt.Symbol)
		manager, ok := c.managers[symbol]
		if !ok {
			return fmt.Errorf("depthUpdate for unknown symbol %q", evt.Symbol)
		}
		manager.SubmitDiff(models.DepthDiffEvent{
			Symbol:        symbol,
			EventTime:     evt.EventTime,
			RecvTime:      recv,
			FirstUpdateID: evt.FirstUpdateID,
			FinalUpdateID: evt.FinalUpdateID,
			Bids:          models.ParseLevels(evt.Bids),
			Asks:          models.ParseLevels(evt.Asks),
		})

	case "aggTrade":
		var evt models.WsAggTradeEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			return fmt.Errorf("aggTrade: %w", err)
		}
		c.buf.Append(models.TradeRecord{
			Symbol:       strings.ToLower(evt.Symbol),
			TradeID:      evt.TradeID,
			Price:        evt.Price,
			Quantity:     evt.Quantity,
			FirstTradeID: evt.FirstTradeID,
			LastTradeID:  evt.LastTradeID,
			TradeTime:    evt.TradeTime,
			RecvTime:     recv,
			IsBuyerMaker: evt.IsBuyerMaker,
		})

	case "kline":
		var evt models.WsKlineEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			return fmt.Errorf("kline: %w", err)
		}
		// Open candles are repeated every update; only the closed one counts.
		if !evt.Kline.Closed {
			return nil
		}
		c.buf.Append(models.KlineRecord{
			Symbol:      strings.ToLower(evt.Symbol),
			OpenTime:    evt.Kline.OpenTime,
			CloseTime:   evt.Kline.CloseTime,
			Open:        evt.Kline.Open,
			High:        evt.Kline.High,
			Low:         evt.Kline.Low,
			Close:       evt.Kline.Close,
			Volume:      evt.Kline.Volume,
			QuoteVolume: evt.Kline.QuoteVolume,
			TradeCount:  evt.Kline.TradeCount,
			RecvTime:    recv,
		})

	case "forceOrder":
		var evt models.WsForceOrderEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			return fmt.Errorf("forceOrder: %w", err)
		}
		c.buf.Append(models.LiquidationRecord{
			Symbol:    strings.ToLower(evt.Order.Symbol),
			Side:      evt.Order.Side,
			OrderType: evt.Order.OrderType,
			Price:     evt.Order.Price,
			Quantity:  evt.Order.Quantity,
			TradeTime: evt.Order.TradeTime,
			RecvTime:  recv,
		})

	default:
		return fmt.Errorf("unknown event %q on stream %q", probe.Event, envelope.Stream)
	}
	return nil
}

func (c *Collector) resyncManagers() {
	for _, m := range c.managers {
		m.Resync("websocket reconnect")
	}
}

func (c *Collector) emitConn(evt models.ConnectivityEvent) {
	if c.onConn != nil {
		c.onConn(evt)
	}
}

// OnMessage registers a callback invoked with the symbol of every routed
// stream message. Must be set before Start.
func (c *Collector) OnMessage(fn func(symbol string)) {
	c.onMessage = fn
}

// Malformed returns the lifetime count of dropped undecodable messages.
func (c *Collector) Malformed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.malformed
}
