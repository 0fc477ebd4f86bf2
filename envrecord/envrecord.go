package envrecord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"bookflow/config"
	"bookflow/logger"
)

// Recorder writes a one-shot JSON snapshot of the host and the effective
// configuration at startup, so recorded data can later be tied to the exact
// environment that produced it.
type Recorder struct {
	cfg *config.Config
	dir string
	log *logger.Log
}

// New creates a recorder writing into dir.
func New(cfg *config.Config, dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create envrecord dir: %w", err)
	}
	return &Recorder{cfg: cfg, dir: dir, log: logger.GetLogger()}, nil
}

// Record writes environment_YYYYMMDD_HHMMSS.json and returns its path.
func (r *Recorder) Record() (string, error) {
	now := time.Now().UTC()
	hostname, _ := os.Hostname()

	metadata := map[string]interface{}{
		"timestamp": now.Format(time.RFC3339),
		"system": map[string]interface{}{
			"os":        runtime.GOOS,
			"arch":      runtime.GOARCH,
			"cpu_count": runtime.NumCPU(),
			"hostname":  hostname,
		},
		"runtime": map[string]interface{}{
			"go_version": runtime.Version(),
			"pid":        os.Getpid(),
		},
		"config": maskedConfig(r.cfg),
	}

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(r.dir, fmt.Sprintf("environment_%s.json", now.Format("20060102_150405")))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}

	r.log.WithComponent("envrecord").WithFields(logger.Fields{"file": path}).Info("environment recorded")
	return path, nil
}

// maskedConfig exposes the effective settings with credentials replaced.
func maskedConfig(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
		"symbols": cfg.Symbols,
		"collector": map[string]interface{}{
			"spot_url":    cfg.Collector.SpotURL,
			"futures_url": cfg.Collector.FuturesURL,
			"use_futures": cfg.Collector.UseFutures,
		},
		"orderbook": map[string]interface{}{
			"snapshot_depth": cfg.Orderbook.SnapshotDepth,
			"top_levels":     cfg.Orderbook.TopLevels,
		},
		"buffer": map[string]interface{}{
			"memory_threshold_mb": cfg.Buffer.MemoryThresholdMB,
		},
		"flusher": map[string]interface{}{
			"interval": cfg.Flusher.Interval.String(),
			"data_dir": cfg.Flusher.DataDir,
		},
		"storage": map[string]interface{}{
			"s3_enabled":        cfg.Storage.S3.Enabled,
			"s3_bucket":         cfg.Storage.S3.Bucket,
			"s3_region":         cfg.Storage.S3.Region,
			"access_key_id":     mask(cfg.Storage.S3.AccessKeyID),
			"secret_access_key": mask(cfg.Storage.S3.SecretAccessKey),
			"cleanup_days":      cfg.Storage.CleanupDays,
		},
		"telegram": map[string]interface{}{
			"bot_token": mask(cfg.Telegram.BotToken),
			"chat_id":   mask(cfg.Telegram.ChatID),
		},
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
