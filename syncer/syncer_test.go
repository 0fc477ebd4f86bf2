package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "bookflow/config"
	"bookflow/models"
)

type fakeS3 struct {
	mu       sync.Mutex
	keys     []string
	failures int
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("simulated upload failure")
	}
	f.keys = append(f.keys, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func testStorageConfig() appconfig.StorageConfig {
	return appconfig.StorageConfig{
		S3: appconfig.S3Config{
			Enabled: true,
			Bucket:  "bookflow-data",
			Region:  "us-east-1",
			Prefix:  "raw",
		},
		CleanupDays: 7,
	}
}

func writeParquet(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("parquet-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSyncPendingUploadsAndRecords(t *testing.T) {
	dir := t.TempDir()
	client := &fakeS3{}
	var statuses []string
	s := newWithClient(testStorageConfig(), dir, time.Hour, client, func(file, status string) {
		statuses = append(statuses, status)
	})

	p := writeParquet(t, dir, "BTCUSDT_trade_20260827_1200_abcd1234.parquet")
	s.Enqueue(models.FlushResult{
		Path:      p,
		Symbol:    "btcusdt",
		Kind:      models.KindTrade,
		TimeStart: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC),
	})
	s.syncPending()

	if len(client.keys) != 1 {
		t.Fatalf("uploads = %d, want 1", len(client.keys))
	}
	want := "raw/trade/btcusdt/20260827/BTCUSDT_trade_20260827_1200_abcd1234.parquet"
	if client.keys[0] != want {
		t.Errorf("s3 key = %s, want %s", client.keys[0], want)
	}
	if len(statuses) != 1 || statuses[0] != "uploaded" {
		t.Errorf("statuses = %v", statuses)
	}
	if !s.synced[p] {
		t.Errorf("file not marked synced")
	}
}

func TestSyncPendingRequeuesFailures(t *testing.T) {
	dir := t.TempDir()
	client := &fakeS3{failures: 1}
	var statuses []string
	s := newWithClient(testStorageConfig(), dir, time.Hour, client, func(file, status string) {
		statuses = append(statuses, status)
	})

	p := writeParquet(t, dir, "a.parquet")
	s.Enqueue(models.FlushResult{Path: p, Symbol: "btcusdt", Kind: models.KindTrade})

	s.syncPending()
	if len(s.pending) != 1 {
		t.Fatalf("pending = %d, want failed upload re-queued", len(s.pending))
	}
	if s.synced[p] {
		t.Errorf("failed file marked synced")
	}

	s.syncPending()
	if len(s.pending) != 0 || !s.synced[p] {
		t.Errorf("retry did not succeed: pending=%d synced=%v", len(s.pending), s.synced[p])
	}
	if strings.Join(statuses, ",") != "failed,uploaded" {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestSyncPendingSkipsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	client := &fakeS3{}
	s := newWithClient(testStorageConfig(), dir, time.Hour, client, nil)

	s.Enqueue(models.FlushResult{Path: filepath.Join(dir, "gone.parquet"), Symbol: "x", Kind: models.KindTrade})
	s.syncPending()

	if len(client.keys) != 0 || len(s.pending) != 0 {
		t.Errorf("vanished file not dropped: uploads=%d pending=%d", len(client.keys), len(s.pending))
	}
}

func TestCleanupRemovesOnlyOldSyncedFiles(t *testing.T) {
	dir := t.TempDir()
	s := newWithClient(testStorageConfig(), dir, time.Hour, &fakeS3{}, nil)

	oldSynced := writeParquet(t, dir, "old_synced.parquet")
	oldUnsynced := writeParquet(t, dir, "old_unsynced.parquet")
	freshSynced := writeParquet(t, dir, "fresh_synced.parquet")

	old := time.Now().Add(-8 * 24 * time.Hour)
	for _, p := range []string{oldSynced, oldUnsynced} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}
	s.synced[oldSynced] = true
	s.synced[freshSynced] = true

	s.cleanupOldFiles()

	if _, err := os.Stat(oldSynced); !os.IsNotExist(err) {
		t.Errorf("old synced file not deleted")
	}
	if _, err := os.Stat(oldUnsynced); err != nil {
		t.Errorf("unsynced file deleted")
	}
	if _, err := os.Stat(freshSynced); err != nil {
		t.Errorf("fresh file deleted")
	}
}

func TestFilesToDelete(t *testing.T) {
	files := []FileInfo{
		{Path: "a", AgeDays: 10, Synced: true},
		{Path: "b", AgeDays: 10, Synced: false},
		{Path: "c", AgeDays: 3, Synced: true},
		{Path: "d", AgeDays: 7, Synced: true},
	}
	got := FilesToDelete(files, 7)
	if len(got) != 2 || got[0] != "a" || got[1] != "d" {
		t.Errorf("FilesToDelete = %v, want [a d]", got)
	}
	if out := FilesToDelete(nil, 7); out != nil {
		t.Errorf("empty input = %v", out)
	}
}
