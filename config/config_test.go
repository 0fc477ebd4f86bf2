package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `bookflow:
  name: "TestApp"
  version: "1.0"
symbols: ["btcusdt", "ETHUSDT"]
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bookflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bookflow.Name)
	}
	if cfg.Flusher.Interval != time.Hour {
		t.Errorf("unexpected default flush interval: %s", cfg.Flusher.Interval)
	}
	if cfg.Buffer.MemoryThresholdMB != 500 {
		t.Errorf("unexpected default memory threshold: %d", cfg.Buffer.MemoryThresholdMB)
	}
	if cfg.Orderbook.TopLevels != 20 {
		t.Errorf("unexpected default top levels: %d", cfg.Orderbook.TopLevels)
	}
	if cfg.Symbols[1] != "ethusdt" {
		t.Errorf("symbols should be lowercased, got %v", cfg.Symbols)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	path := writeTempConfig(t, `bookflow:
  version: "1.0"
symbols: ["btcusdt"]
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}

func TestLoadConfigInvalidSymbol(t *testing.T) {
	path := writeTempConfig(t, `bookflow:
  name: "TestApp"
  version: "1.0"
symbols: ["btc/usdt"]
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for invalid symbol")
	}
}

func TestLoadConfigS3RequiresBucket(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`storage:
  s3:
    enabled: true
    region: "us-east-1"
    access_key_id: "k"
    secret_access_key: "s"
`)
	t.Setenv("S3_BUCKET", "")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing bucket")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`storage:
  s3:
    enabled: true
    bucket: "from-yaml"
    region: "us-east-1"
    access_key_id: "k"
    secret_access_key: "s"
`)
	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "from-env" {
		t.Errorf("expected env bucket override, got %s", cfg.Storage.S3.Bucket)
	}
	if cfg.Telegram.BotToken != "token-env" {
		t.Errorf("expected env telegram token, got %s", cfg.Telegram.BotToken)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"my-bucket", "data.lake.01", "abc"}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("expected '%s' to be valid", name)
		}
	}
	invalid := []string{"ab", "-bucket", "bucket-", "UPPER", strings.Repeat("a", 64), "a..b"}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("expected '%s' to be invalid", name)
		}
	}
}
