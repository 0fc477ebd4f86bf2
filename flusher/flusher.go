package flusher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookflow/buffer"
	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

const checksumIndexName = "checksums.jsonl"

// Flusher drains the buffer into local parquet files. Files appear atomically:
// the bytes are fully serialized and checksummed in memory, written to a
// temporary name, fsynced and renamed. A reader never observes a partial
// file under its final name.
type Flusher struct {
	cfg     config.FlusherConfig
	bufCfg  config.BufferConfig
	buf     *buffer.Buffer
	results func(models.FlushResult)
	onAlert func(string)

	mu       sync.Mutex
	running  bool
	failures int

	wg   sync.WaitGroup
	stop chan struct{}
	log  *logger.Log
}

// New creates a flusher draining buf into cfg.DataDir. results receives each
// committed file; onAlert receives a message after the configured number of
// consecutive flush failures. Either callback may be nil.
func New(cfg config.FlusherConfig, bufCfg config.BufferConfig, buf *buffer.Buffer,
	results func(models.FlushResult), onAlert func(string)) (*Flusher, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Flusher{
		cfg:     cfg,
		bufCfg:  bufCfg,
		buf:     buf,
		results: results,
		onAlert: onAlert,
		stop:    make(chan struct{}),
		log:     logger.GetLogger(),
	}, nil
}

// Start launches the periodic flush loop and the memory monitor.
func (f *Flusher) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("flusher already running")
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.flushLoop()

	f.wg.Add(1)
	go f.memoryMonitor()

	f.log.WithComponent("flusher").WithFields(logger.Fields{
		"interval": f.cfg.Interval.String(),
		"data_dir": f.cfg.DataDir,
	}).Info("flusher started")
	return nil
}

// Stop ends the loops and performs a final forced flush so no buffered
// record is lost on shutdown.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stop)
	f.wg.Wait()
	f.Flush()
	f.log.WithComponent("flusher").Info("flusher stopped")
}

func (f *Flusher) flushLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.Flush()
		}
	}
}

// memoryMonitor forces a flush whenever buffered data crosses the memory
// threshold, independent of the periodic interval.
func (f *Flusher) memoryMonitor() {
	defer f.wg.Done()
	interval := f.bufCfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if f.buf.NeedsForceFlush() {
				f.log.WithComponent("flusher").WithFields(logger.Fields{
					"buffered_bytes": f.buf.EstimatedBytes(),
				}).Warn("memory threshold exceeded, forcing flush")
				f.Flush()
			}
		}
	}
}

// Flush drains every non-empty partition to disk. Batches that fail are
// restored to the buffer and retried on the next cycle.
func (f *Flusher) Flush() {
	batches := f.buf.SnapshotAndClear()
	if len(batches) == 0 {
		return
	}

	failed := 0
	for _, batch := range batches {
		if err := f.flushBatch(batch); err != nil {
			f.log.WithComponent("flusher").WithError(err).WithFields(logger.Fields{
				"symbol":  batch.Key.Symbol,
				"kind":    string(batch.Key.Kind),
				"records": len(batch.Records),
			}).Error("flush failed, batch restored")
			f.buf.Restore(batch)
			failed++
		}
	}

	f.mu.Lock()
	if failed > 0 {
		f.failures++
	} else {
		f.failures = 0
	}
	failures := f.failures
	f.mu.Unlock()

	if failed > 0 && f.cfg.FailureAlertThreshold > 0 &&
		failures >= f.cfg.FailureAlertThreshold && f.onAlert != nil {
		f.onAlert(fmt.Sprintf("flush failed %d times in a row (%d batches held in memory)",
			failures, failed))
	}
}

func (f *Flusher) flushBatch(batch buffer.Batch) error {
	start := time.Now()

	data, rows, err := createParquet(batch.Key.Kind, batch.Records)
	if err != nil {
		return fmt.Errorf("serialize parquet: %w", err)
	}

	sum := sha256.Sum256(data)
	id := uuid.New().String()
	name := fmt.Sprintf("%s_%s_%s_%s.parquet",
		strings.ToUpper(batch.Key.Symbol),
		batch.Key.Kind,
		start.UTC().Format("20060102_1504"),
		id[:8])
	path := filepath.Join(f.cfg.DataDir, name)

	if err := writeAtomic(path, data); err != nil {
		return err
	}

	first, last := timeRange(batch.Records)
	result := models.FlushResult{
		ID:        id,
		Path:      path,
		Symbol:    batch.Key.Symbol,
		Kind:      batch.Key.Kind,
		Rows:      int(rows),
		SHA256:    hex.EncodeToString(sum[:]),
		FileSize:  int64(len(data)),
		TimeStart: first,
		TimeEnd:   last,
	}

	if err := f.appendChecksum(result); err != nil {
		// The data file is committed; a missing index line is recoverable.
		f.log.WithComponent("flusher").WithError(err).Warn("checksum index append failed")
	}

	logger.IncrementFlush(result.FileSize)
	f.log.WithComponent("flusher").WithFields(logger.Fields{
		"file":        name,
		"rows":        result.Rows,
		"bytes":       result.FileSize,
		"sha256":      result.SHA256[:12],
		"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
	}).Info("batch flushed")

	if f.results != nil {
		f.results(result)
	}
	return nil
}

// writeAtomic writes data under a temporary name, fsyncs and renames it into
// place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// appendChecksum adds one line to the append-only checksum index.
func (f *Flusher) appendChecksum(result models.FlushResult) error {
	line, err := json.Marshal(struct {
		ID        string    `json:"id"`
		File      string    `json:"file"`
		Symbol    string    `json:"symbol"`
		Kind      string    `json:"kind"`
		Rows      int       `json:"rows"`
		SHA256    string    `json:"sha256"`
		FileSize  int64     `json:"file_size"`
		TimeStart time.Time `json:"time_start"`
		TimeEnd   time.Time `json:"time_end"`
	}{
		ID:        result.ID,
		File:      filepath.Base(result.Path),
		Symbol:    result.Symbol,
		Kind:      string(result.Kind),
		Rows:      result.Rows,
		SHA256:    result.SHA256,
		FileSize:  result.FileSize,
		TimeStart: result.TimeStart,
		TimeEnd:   result.TimeEnd,
	})
	if err != nil {
		return err
	}

	index, err := os.OpenFile(filepath.Join(f.cfg.DataDir, checksumIndexName),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer index.Close()
	_, err = index.Write(append(line, '\n'))
	return err
}

func timeRange(records []models.Record) (first, last time.Time) {
	for _, r := range records {
		t := r.RecordTime()
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	return first, last
}
