package integrity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookflow/models"
)

func TestCoverage(t *testing.T) {
	cases := []struct {
		total, gaps time.Duration
		want        float64
	}{
		{time.Hour, 0, 1.0},
		{time.Hour, 30 * time.Minute, 0.5},
		{time.Hour, time.Hour, 0.0},
		{time.Hour, 2 * time.Hour, 0.0}, // clamped
		{time.Hour, -time.Minute, 1.0}, // clamped
		{0, time.Minute, 0.0},
		{-time.Hour, 0, 0.0},
	}
	for _, c := range cases {
		if got := Coverage(c.total, c.gaps); got != c.want {
			t.Errorf("Coverage(%v, %v) = %v, want %v", c.total, c.gaps, got, c.want)
		}
	}
}

func TestPeriodicStatsWriteAndReset(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	l.RecordGap(models.GapEvent{Symbol: "btcusdt", ExpectedID: 100, ActualID: 105, Size: 4, Timestamp: time.Now()})
	l.RecordConnectivity(models.ConnectivityEvent{State: models.ConnStateDisconnected, Market: "spot", Reason: "read timeout", Timestamp: time.Now()})
	l.RecordConnectivity(models.ConnectivityEvent{State: models.ConnStateConnected, Market: "spot", Timestamp: time.Now()})
	l.RecordResync()
	l.RecordFlush(models.FlushResult{Symbol: "btcusdt", Kind: models.KindTrade, Rows: 10, FileSize: 1234})
	l.RecordSync("BTCUSDT_trade.parquet", "uploaded")
	l.IncrementMessageCount("btcusdt")
	l.IncrementMessageCount("btcusdt")

	if err := l.WritePeriodicStats(); err != nil {
		t.Fatalf("write stats: %v", err)
	}

	name := fmt.Sprintf("stats_%s.json", time.Now().UTC().Format("20060102_15"))
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("stats file: %v", err)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("stats json: %v", err)
	}
	if stats["gap_count"].(float64) != 1 {
		t.Errorf("gap_count = %v", stats["gap_count"])
	}
	// Connected events are not integrity events.
	if stats["reconnect_count"].(float64) != 1 {
		t.Errorf("reconnect_count = %v", stats["reconnect_count"])
	}
	if stats["resync_count"].(float64) != 1 {
		t.Errorf("resync_count = %v", stats["resync_count"])
	}
	counts := stats["message_counts"].(map[string]interface{})
	if counts["btcusdt"].(float64) != 2 {
		t.Errorf("message_counts = %v", counts)
	}

	// The period resets; totals survive for the daily summary.
	if err := l.WritePeriodicStats(); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, name))
	json.Unmarshal(data, &stats)
	if stats["gap_count"].(float64) != 0 {
		t.Errorf("period not reset: gap_count = %v", stats["gap_count"])
	}

	if err := l.WriteDailySummary(); err != nil {
		t.Fatalf("daily: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(dir, fmt.Sprintf("daily_%s.json", time.Now().UTC().Format("20060102"))))
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	var daily map[string]interface{}
	json.Unmarshal(data, &daily)
	if daily["total_gaps"].(float64) != 1 || daily["total_flushes"].(float64) != 1 {
		t.Errorf("daily summary = %v", daily)
	}
}

func TestGapBufferBounded(t *testing.T) {
	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < maxGapBuffer+10; i++ {
		l.RecordGap(models.GapEvent{Symbol: "btcusdt", ExpectedID: int64(i)})
	}
	l.mu.Lock()
	n := len(l.gaps)
	total := l.totalGaps
	l.mu.Unlock()
	if n > maxGapBuffer {
		t.Errorf("gap buffer = %d, want capped at %d", n, maxGapBuffer)
	}
	if total != int64(maxGapBuffer+10) {
		t.Errorf("totalGaps = %d, want lifetime count kept", total)
	}
}
