package flusher

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bookflow/buffer"
	"bookflow/config"
	"bookflow/models"
)

func testFlusherConfig(dir string) config.FlusherConfig {
	return config.FlusherConfig{
		Interval:              time.Hour,
		DataDir:               dir,
		FailureAlertThreshold: 2,
	}
}

func testBufferConfig() config.BufferConfig {
	return config.BufferConfig{MemoryThresholdMB: 1, CheckInterval: 10 * time.Millisecond}
}

type resultSink struct {
	mu      sync.Mutex
	results []models.FlushResult
}

func (s *resultSink) add(r models.FlushResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *resultSink) all() []models.FlushResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FlushResult(nil), s.results...)
}

func depthRecord(symbol string) models.DepthLevelRecord {
	return models.DepthLevelRecord{
		Symbol:       symbol,
		EventTime:    time.Now().UnixMilli(),
		RecvTime:     time.Now(),
		LastUpdateID: 42,
		Bids: []models.PriceLevel{
			{Price: "100.0", Quantity: "1.0"},
			{Price: "99.5", Quantity: "2.0"},
		},
		Asks: []models.PriceLevel{{Price: "100.5", Quantity: "1.5"}},
	}
}

func TestFlushCommitsCheckedFile(t *testing.T) {
	dir := t.TempDir()
	buf := buffer.New(testBufferConfig())
	sink := &resultSink{}
	f, err := New(testFlusherConfig(dir), testBufferConfig(), buf, sink.add, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	buf.Append(depthRecord("btcusdt"))
	buf.Append(depthRecord("btcusdt"))
	f.Flush()

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Rows != 6 { // 2 records x 3 levels
		t.Errorf("rows = %d, want 6", r.Rows)
	}
	if !strings.HasPrefix(filepath.Base(r.Path), "BTCUSDT_orderbook_") {
		t.Errorf("file name = %s, want BTCUSDT_orderbook_ prefix", filepath.Base(r.Path))
	}

	data, err := os.ReadFile(r.Path)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != r.SHA256 {
		t.Errorf("file sha256 = %s, result says %s", got, r.SHA256)
	}
	if int64(len(data)) != r.FileSize {
		t.Errorf("file size = %d, result says %d", len(data), r.FileSize)
	}

	entries, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer not drained: %d records", buf.Len())
	}
}

func TestFlushAppendsChecksumIndex(t *testing.T) {
	dir := t.TempDir()
	buf := buffer.New(testBufferConfig())
	sink := &resultSink{}
	f, err := New(testFlusherConfig(dir), testBufferConfig(), buf, sink.add, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	buf.Append(depthRecord("btcusdt"))
	f.Flush()
	buf.Append(models.TradeRecord{Symbol: "ethusdt", TradeID: 7, Price: "1", Quantity: "2", RecvTime: time.Now()})
	f.Flush()

	index, err := os.Open(filepath.Join(dir, checksumIndexName))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer index.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(index)
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("index line not json: %v", err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 2 {
		t.Fatalf("index lines = %d, want 2", len(lines))
	}
	if lines[0]["symbol"] != "btcusdt" || lines[0]["kind"] != "orderbook" {
		t.Errorf("first line = %v", lines[0])
	}
	if lines[1]["kind"] != "trade" {
		t.Errorf("second line = %v", lines[1])
	}
	for _, r := range sink.all() {
		if r.SHA256 == "" || r.ID == "" {
			t.Errorf("result missing id or checksum: %+v", r)
		}
	}
}

func TestFlushFailureRestoresBatch(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	buf := buffer.New(testBufferConfig())
	alerts := 0
	f, err := New(testFlusherConfig(dataDir), testBufferConfig(), buf, nil, func(string) { alerts++ })
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Replace the data dir with a regular file so every write fails.
	if err := os.RemoveAll(dataDir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dataDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	buf.Append(depthRecord("btcusdt"))
	f.Flush()

	if buf.Len() != 1 {
		t.Fatalf("buffer = %d records, want failed batch restored", buf.Len())
	}
	if alerts != 0 {
		t.Errorf("alert fired below threshold")
	}

	f.Flush()
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1 after threshold reached", alerts)
	}
	if buf.Len() != 1 {
		t.Errorf("buffer = %d records after second failure", buf.Len())
	}

	// Recovery: restore the directory and the held batch flushes cleanly.
	if err := os.Remove(dataDir); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	f.Flush()
	if buf.Len() != 0 {
		t.Errorf("buffer = %d records after recovery", buf.Len())
	}
}

func TestMemoryMonitorForcesFlush(t *testing.T) {
	dir := t.TempDir()
	bufCfg := testBufferConfig() // 1MB threshold, 10ms checks
	buf := buffer.New(bufCfg)
	sink := &resultSink{}
	f, err := New(testFlusherConfig(dir), bufCfg, buf, sink.add, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	rec := depthRecord("btcusdt")
	for i := 0; i < 4096; i++ {
		rec.Bids = append(rec.Bids, models.PriceLevel{Price: "10000.00000000", Quantity: "1.00000000"})
	}
	for !buf.NeedsForceFlush() {
		buf.Append(rec)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(sink.all()) == 0 {
		t.Fatalf("memory threshold crossed but no flush happened")
	}
}

func TestStopPerformsFinalFlush(t *testing.T) {
	dir := t.TempDir()
	buf := buffer.New(testBufferConfig())
	sink := &resultSink{}
	f, err := New(testFlusherConfig(dir), testBufferConfig(), buf, sink.add, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.Start(); err == nil {
		t.Fatalf("expected error on second start")
	}

	buf.Append(depthRecord("btcusdt"))
	f.Stop()

	if len(sink.all()) != 1 {
		t.Fatalf("results = %d, want final flush on stop", len(sink.all()))
	}
	if buf.Len() != 0 {
		t.Errorf("buffer not empty after stop")
	}
}
