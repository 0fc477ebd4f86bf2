package envrecord

import (
	"encoding/json"
	"os"
	"runtime"
	"testing"

	"bookflow/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Bookflow.Name = "bookflow"
	cfg.Bookflow.Version = "1.0.0"
	cfg.Symbols = []string{"btcusdt"}
	cfg.Storage.S3.Bucket = "bookflow-data"
	cfg.Storage.S3.SecretAccessKey = "super-secret"
	cfg.Telegram.BotToken = "123:abc"
	return cfg
}

func TestRecordWritesMaskedMetadata(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testConfig(), dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	path, err := r.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("json: %v", err)
	}

	system := meta["system"].(map[string]interface{})
	if system["os"] != runtime.GOOS || system["arch"] != runtime.GOARCH {
		t.Errorf("system = %v", system)
	}
	rt := meta["runtime"].(map[string]interface{})
	if rt["go_version"] != runtime.Version() {
		t.Errorf("runtime = %v", rt)
	}

	cfg := meta["config"].(map[string]interface{})
	storage := cfg["storage"].(map[string]interface{})
	if storage["secret_access_key"] != "***" {
		t.Errorf("secret not masked: %v", storage["secret_access_key"])
	}
	if storage["s3_bucket"] != "bookflow-data" {
		t.Errorf("bucket = %v", storage["s3_bucket"])
	}
	tg := cfg["telegram"].(map[string]interface{})
	if tg["bot_token"] != "***" {
		t.Errorf("token not masked: %v", tg["bot_token"])
	}
	if tg["chat_id"] != "" {
		t.Errorf("empty chat id should stay empty, got %v", tg["chat_id"])
	}
}
