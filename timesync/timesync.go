package timesync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"

	"bookflow/config"
	"bookflow/logger"
)

// serverTimeFunc returns the exchange server time in milliseconds.
// Swappable in tests.
type serverTimeFunc func(ctx context.Context) (int64, error)

// Measurement is one clock comparison against the exchange.
type Measurement struct {
	Timestamp time.Time `json:"timestamp"`
	OffsetMs  float64   `json:"offset_ms"`
	RTTMs     float64   `json:"rtt_ms"`
}

// Monitor periodically measures the local clock offset against the exchange
// server time and the request round trip, appending measurements to a daily
// JSON file. Offsets beyond the threshold raise an alert.
type Monitor struct {
	cfg        config.TimeSyncConfig
	dir        string
	serverTime serverTimeFunc
	onAlert    func(offset time.Duration)

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

// New creates a monitor writing measurement files into dir. onAlert may be
// nil.
func New(cfg config.TimeSyncConfig, dir string, onAlert func(offset time.Duration)) (*Monitor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create timesync dir: %w", err)
	}
	client := binance.NewClient("", "")
	return &Monitor{
		cfg: cfg,
		dir: dir,
		serverTime: func(ctx context.Context) (int64, error) {
			return client.NewServerTimeService().Do(ctx)
		},
		onAlert: onAlert,
		log:     logger.GetLogger(),
	}, nil
}

// Start launches the measurement loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("time sync monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.measureOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.measureOnce(ctx)
			}
		}
	}()

	m.log.WithComponent("timesync").WithFields(logger.Fields{
		"interval":  interval.String(),
		"threshold": m.cfg.AlertThreshold.String(),
	}).Info("time sync monitor started")
	return nil
}

// Stop waits for the measurement loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
	m.log.WithComponent("timesync").Info("time sync monitor stopped")
}

func (m *Monitor) measureOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	t1 := time.Now()
	serverMs, err := m.serverTime(reqCtx)
	t2 := time.Now()
	if err != nil {
		m.log.WithComponent("timesync").WithError(err).Warn("server time request failed")
		return
	}

	offset, rtt := Offset(t1, t2, serverMs)
	if err := m.saveMeasurement(Measurement{
		Timestamp: t2.UTC(),
		OffsetMs:  float64(offset.Microseconds()) / 1000,
		RTTMs:     float64(rtt.Microseconds()) / 1000,
	}); err != nil {
		m.log.WithComponent("timesync").WithError(err).Warn("measurement save failed")
	}

	threshold := m.cfg.AlertThreshold
	if threshold <= 0 {
		threshold = 100 * time.Millisecond
	}
	abs := offset
	if abs < 0 {
		abs = -abs
	}
	if abs > threshold {
		m.log.WithComponent("timesync").WithFields(logger.Fields{
			"offset": offset.String(),
			"rtt":    rtt.String(),
		}).Warn("clock offset beyond threshold")
		if m.onAlert != nil {
			m.onAlert(offset)
		}
	}
}

// saveMeasurement appends to time_sync_YYYYMMDD.json.
func (m *Monitor) saveMeasurement(entry Measurement) error {
	path := filepath.Join(m.dir, fmt.Sprintf("time_sync_%s.json", time.Now().UTC().Format("20060102")))

	var entries []Measurement
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &entries)
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Offset computes the clock offset and round trip of a server-time request
// issued at t1 and answered at t2. The server time is assumed to hold at the
// midpoint of the request.
func Offset(t1, t2 time.Time, serverTimeMs int64) (offset, rtt time.Duration) {
	rtt = t2.Sub(t1)
	localMid := t1.Add(rtt / 2)
	server := time.UnixMilli(serverTimeMs)
	return server.Sub(localMid), rtt
}
