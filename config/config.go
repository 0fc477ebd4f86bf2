package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookflow  ServiceConfig   `yaml:"bookflow"`
	Symbols   []string        `yaml:"symbols"`
	Collector CollectorConfig `yaml:"collector"`
	Orderbook OrderbookConfig `yaml:"orderbook"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Flusher   FlusherConfig   `yaml:"flusher"`
	Funding   FundingConfig   `yaml:"funding"`
	TimeSync  TimeSyncConfig  `yaml:"time_sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type CollectorConfig struct {
	SpotURL                string          `yaml:"spot_url"`
	FuturesURL             string          `yaml:"futures_url"`
	UseFutures             bool            `yaml:"use_futures"`
	IdleTimeout            time.Duration   `yaml:"idle_timeout"`
	DecodeFailureThreshold int             `yaml:"decode_failure_threshold"`
	Reconnect              ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Factor    float64       `yaml:"factor"`
	Jitter    bool          `yaml:"jitter"`
}

type OrderbookConfig struct {
	SnapshotDepth     int           `yaml:"snapshot_depth"`
	TopLevels         int           `yaml:"top_levels"`
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout"`
	ResyncGrace       time.Duration `yaml:"resync_grace"`
	MaxPendingDiffs   int           `yaml:"max_pending_diffs"`
	SnapshotRateLimit float64       `yaml:"snapshot_rate_limit"`
	SnapshotBurst     int           `yaml:"snapshot_burst"`
}

type BufferConfig struct {
	MemoryThresholdMB int           `yaml:"memory_threshold_mb"`
	CheckInterval     time.Duration `yaml:"check_interval"`
}

type FlusherConfig struct {
	Interval              time.Duration `yaml:"interval"`
	DataDir               string        `yaml:"data_dir"`
	FailureAlertThreshold int           `yaml:"failure_alert_threshold"`
}

type FundingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type TimeSyncConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	AlertThreshold time.Duration `yaml:"alert_threshold"`
}

type StorageConfig struct {
	S3          S3Config `yaml:"s3"`
	CleanupDays int      `yaml:"cleanup_days"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Namespace         string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
	Dir    string `yaml:"dir"`
}

// LoadConfig reads, defaults, env-overrides and validates the configuration.
// Validation failures abort startup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	for i, s := range config.Symbols {
		config.Symbols[i] = strings.ToLower(strings.TrimSpace(s))
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Symbols: []string{"btcusdt", "ethusdt", "xrpusdt"},
		Collector: CollectorConfig{
			SpotURL:                "wss://stream.binance.com:9443/stream",
			FuturesURL:             "wss://fstream.binance.com/stream",
			UseFutures:             true,
			IdleTimeout:            30 * time.Second,
			DecodeFailureThreshold: 20,
			Reconnect: ReconnectConfig{
				BaseDelay: time.Second,
				MaxDelay:  60 * time.Second,
				Factor:    2,
				Jitter:    true,
			},
		},
		Orderbook: OrderbookConfig{
			SnapshotDepth:     1000,
			TopLevels:         20,
			SnapshotTimeout:   10 * time.Second,
			ResyncGrace:       3 * time.Second,
			MaxPendingDiffs:   4096,
			SnapshotRateLimit: 2,
			SnapshotBurst:     4,
		},
		Buffer: BufferConfig{
			MemoryThresholdMB: 500,
			CheckInterval:     30 * time.Second,
		},
		Flusher: FlusherConfig{
			Interval:              time.Hour,
			DataDir:               "./data",
			FailureAlertThreshold: 3,
		},
		Funding: FundingConfig{
			Enabled:  true,
			Interval: 8 * time.Hour,
		},
		TimeSync: TimeSyncConfig{
			Enabled:        true,
			Interval:       10 * time.Minute,
			AlertThreshold: 100 * time.Millisecond,
		},
		Storage: StorageConfig{
			CleanupDays: 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Dir:    "./logs",
		},
	}
}

func applyEnvOverrides(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		config.Telegram.BotToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		config.Telegram.ChatID = strings.TrimSpace(v)
	}
}

var symbolRegexp = regexp.MustCompile(`^[a-z0-9]+$`)

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, s := range cfg.Symbols {
		if !symbolRegexp.MatchString(s) {
			return fmt.Errorf("symbol '%s' is invalid", s)
		}
	}

	if cfg.Collector.SpotURL == "" {
		return fmt.Errorf("collector.spot_url is required")
	}
	if cfg.Collector.UseFutures && cfg.Collector.FuturesURL == "" {
		return fmt.Errorf("collector.futures_url is required when use_futures is set")
	}
	if cfg.Collector.IdleTimeout <= 0 {
		return fmt.Errorf("collector.idle_timeout must be greater than 0")
	}
	if cfg.Collector.Reconnect.BaseDelay <= 0 || cfg.Collector.Reconnect.MaxDelay < cfg.Collector.Reconnect.BaseDelay {
		return fmt.Errorf("collector.reconnect delays are invalid")
	}

	if cfg.Orderbook.SnapshotDepth <= 0 {
		return fmt.Errorf("orderbook.snapshot_depth must be greater than 0")
	}
	if cfg.Orderbook.TopLevels <= 0 {
		return fmt.Errorf("orderbook.top_levels must be greater than 0")
	}
	if cfg.Orderbook.ResyncGrace <= 0 {
		return fmt.Errorf("orderbook.resync_grace must be greater than 0")
	}

	if cfg.Buffer.MemoryThresholdMB <= 0 {
		return fmt.Errorf("buffer.memory_threshold_mb must be greater than 0")
	}

	if cfg.Flusher.Interval <= 0 {
		return fmt.Errorf("flusher.interval must be greater than 0")
	}
	if cfg.Flusher.DataDir == "" {
		return fmt.Errorf("flusher.data_dir is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
