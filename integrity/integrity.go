package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

// Period stats are capped so a flapping stream cannot grow memory without
// bound; the oldest half is dropped on overflow.
const maxGapBuffer = 10000

type gapEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	ExpectedID int64     `json:"expected_id"`
	ActualID   int64     `json:"actual_id"`
	Size       int64     `json:"size"`
}

type reconnectEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Market    string    `json:"market"`
	Reason    string    `json:"reason"`
	Downtime  string    `json:"downtime,omitempty"`
}

type flushEntry struct {
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	Rows      int       `json:"rows"`
	FileSize  int64     `json:"file_size"`
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`
}

type syncEntry struct {
	File      string    `json:"file"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger accumulates data-integrity events and writes them out as periodic
// JSON stats files plus a daily summary.
type Logger struct {
	dir string

	mu            sync.Mutex
	gaps          []gapEntry
	reconnects    []reconnectEntry
	flushes       []flushEntry
	syncs         []syncEntry
	messageCounts map[string]int64
	resyncs       int64

	totalGaps       int64
	totalReconnects int64
	totalFlushes    int64
	totalResyncs    int64

	running bool
	wg      sync.WaitGroup
	stop    chan struct{}
	log     *logger.Log
}

// New creates an integrity logger writing into dir.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create integrity dir: %w", err)
	}
	return &Logger{
		dir:           dir,
		messageCounts: make(map[string]int64),
		stop:          make(chan struct{}),
		log:           logger.GetLogger(),
	}, nil
}

// Start launches the hourly stats writer and the daily summary writer.
func (l *Logger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("integrity logger already running")
	}
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.loop(ctx, time.Hour, l.WritePeriodicStats)
	l.wg.Add(1)
	go l.loop(ctx, 24*time.Hour, l.WriteDailySummary)

	l.log.WithComponent("integrity").WithFields(logger.Fields{"dir": l.dir}).Info("integrity logger started")
	return nil
}

// Stop ends the writer loops and persists a final stats file.
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stop)
	l.wg.Wait()
	if err := l.WritePeriodicStats(); err != nil {
		l.log.WithComponent("integrity").WithError(err).Warn("final stats write failed")
	}
	l.log.WithComponent("integrity").Info("integrity logger stopped")
}

func (l *Logger) loop(ctx context.Context, interval time.Duration, write func() error) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if err := write(); err != nil {
				l.log.WithComponent("integrity").WithError(err).Warn("integrity write failed")
			}
		}
	}
}

// RecordGap notes a detected update-id discontinuity.
func (l *Logger) RecordGap(g models.GapEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.gaps) >= maxGapBuffer {
		l.gaps = append([]gapEntry(nil), l.gaps[len(l.gaps)/2:]...)
	}
	l.gaps = append(l.gaps, gapEntry{
		Timestamp:  g.Timestamp,
		Symbol:     g.Symbol,
		ExpectedID: g.ExpectedID,
		ActualID:   g.ActualID,
		Size:       g.Size,
	})
	l.totalGaps++
}

// RecordConnectivity notes disconnects and reconnects; plain connects are
// not integrity events.
func (l *Logger) RecordConnectivity(e models.ConnectivityEvent) {
	if e.State == models.ConnStateConnected {
		return
	}
	entry := reconnectEntry{Timestamp: e.Timestamp, Market: e.Market, Reason: e.Reason}
	if e.Downtime > 0 {
		entry.Downtime = e.Downtime.String()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnects = append(l.reconnects, entry)
	l.totalReconnects++
}

// RecordFlush notes one committed file.
func (l *Logger) RecordFlush(r models.FlushResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushes = append(l.flushes, flushEntry{
		Symbol:    r.Symbol,
		Kind:      string(r.Kind),
		Rows:      r.Rows,
		FileSize:  r.FileSize,
		TimeStart: r.TimeStart,
		TimeEnd:   r.TimeEnd,
	})
	l.totalFlushes++
}

// RecordSync notes an upload attempt outcome for a committed file.
func (l *Logger) RecordSync(file, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncs = append(l.syncs, syncEntry{File: file, Status: status, Timestamp: time.Now().UTC()})
}

// RecordResync notes a book resynchronization.
func (l *Logger) RecordResync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resyncs++
	l.totalResyncs++
}

// IncrementMessageCount counts one received stream message for the symbol.
func (l *Logger) IncrementMessageCount(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messageCounts[symbol]++
}

// WritePeriodicStats writes the current period to stats_YYYYMMDD_HH.json and
// resets the period counters.
func (l *Logger) WritePeriodicStats() error {
	l.mu.Lock()
	stats := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"gaps":            l.gaps,
		"gap_count":       len(l.gaps),
		"reconnects":      l.reconnects,
		"reconnect_count": len(l.reconnects),
		"resync_count":    l.resyncs,
		"flush_stats":     l.flushes,
		"sync_events":     l.syncs,
		"message_counts":  l.messageCounts,
	}
	l.gaps = nil
	l.reconnects = nil
	l.flushes = nil
	l.syncs = nil
	l.resyncs = 0
	l.messageCounts = make(map[string]int64)
	l.mu.Unlock()

	name := fmt.Sprintf("stats_%s.json", time.Now().UTC().Format("20060102_15"))
	return writeJSON(filepath.Join(l.dir, name), stats)
}

// WriteDailySummary writes lifetime totals to daily_YYYYMMDD.json.
func (l *Logger) WriteDailySummary() error {
	l.mu.Lock()
	summary := map[string]interface{}{
		"date":             time.Now().UTC().Format("2006-01-02"),
		"total_gaps":       l.totalGaps,
		"total_reconnects": l.totalReconnects,
		"total_flushes":    l.totalFlushes,
		"total_resyncs":    l.totalResyncs,
	}
	l.mu.Unlock()

	name := fmt.Sprintf("daily_%s.json", time.Now().UTC().Format("20060102"))
	return writeJSON(filepath.Join(l.dir, name), summary)
}

// Coverage returns the fraction of a window covered by data, clamping gap
// time into [0, total].
func Coverage(total, gaps time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	if gaps < 0 {
		gaps = 0
	}
	if gaps > total {
		gaps = total
	}
	return float64(total-gaps) / float64(total)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
