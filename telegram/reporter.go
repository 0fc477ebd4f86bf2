package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

const defaultAPIBase = "https://api.telegram.org"

// Reporter sends status messages through the Telegram Bot API. It is fully
// passive: every failure is logged and swallowed so reporting can never
// interfere with collection.
type Reporter struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
	log     *logger.Log
}

// New creates a reporter. With an empty token or chat id the reporter is
// disabled and every Send becomes a no-op.
func New(cfg config.TelegramConfig) *Reporter {
	return &Reporter{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger.GetLogger(),
	}
}

// Enabled reports whether messages will actually be sent.
func (r *Reporter) Enabled() bool {
	return r.token != "" && r.chatID != ""
}

// Send posts one HTML-formatted message.
func (r *Reporter) Send(text string) {
	if !r.Enabled() {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    r.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		r.log.WithComponent("telegram").WithError(err).Warn("message marshal failed")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", r.apiBase, r.token)
	resp, err := r.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		r.log.WithComponent("telegram").WithError(err).Warn("message send failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.log.WithComponent("telegram").WithFields(logger.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
		}).Warn("message rejected")
	}
}

// SendStartup announces the service coming online with its key settings.
func (r *Reporter) SendStartup(cfg *config.Config) {
	symbols := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		symbols[i] = strings.ToUpper(s)
	}
	s3Status := "off"
	if cfg.Storage.S3.Enabled {
		s3Status = cfg.Storage.S3.Bucket
	}
	futures := "off"
	if cfg.Collector.UseFutures {
		futures = "on"
	}
	r.Send(fmt.Sprintf(
		"<b>%s online</b>\n%s\n\nsymbols: <code>%s</code>\nflush interval: %s\nbuffer limit: %dMB\ns3: %s\nfutures: %s",
		cfg.Bookflow.Name, nowUTC(),
		strings.Join(symbols, " "),
		cfg.Flusher.Interval, cfg.Buffer.MemoryThresholdMB, s3Status, futures))
}

// SendDisconnect raises a connection-lost alert.
func (r *Reporter) SendDisconnect(market, reason string) {
	r.Send(fmt.Sprintf(
		"<b>connection lost</b> (%s)\n%s\n\nreason: %s\nreconnecting...",
		market, nowUTC(), reason))
}

// SendReconnect reports a recovered connection with its downtime.
func (r *Reporter) SendReconnect(market string, downtime time.Duration) {
	severity := "minor"
	switch {
	case downtime >= 30*time.Second:
		severity = "severe"
	case downtime >= 5*time.Second:
		severity = "moderate"
	}
	r.Send(fmt.Sprintf(
		"<b>reconnected</b> (%s)\n%s\n\ndowntime: %.1fs (%s)",
		market, nowUTC(), downtime.Seconds(), severity))
}

// SendGap warns about a detected update-id discontinuity.
func (r *Reporter) SendGap(g models.GapEvent) {
	r.Send(fmt.Sprintf(
		"<b>gap detected</b>\n%s\n\nsymbol: <code>%s</code>\nexpected: <code>%d</code>\nactual: <code>%d</code>\nmissed: <b>%d</b>\nresyncing book",
		nowUTC(), g.Symbol, g.ExpectedID, g.ActualID, g.Size))
}

// SendAlert sends a free-form warning, e.g. repeated flush failures.
func (r *Reporter) SendAlert(message string) {
	r.Send(fmt.Sprintf("<b>alert</b>\n%s\n\n%s", nowUTC(), message))
}

// DailyStats is the input for the daily report.
type DailyStats struct {
	TotalRecords   int64
	GapCount       int64
	ReconnectCount int64
	Coverage       float64
	DiskUsageMB    float64
	MemoryUsageMB  float64
}

// SendDaily posts the daily health report.
func (r *Reporter) SendDaily(stats DailyStats) {
	health := "degraded"
	switch {
	case stats.GapCount == 0 && stats.ReconnectCount == 0:
		health = "excellent"
	case stats.GapCount <= 3 && stats.ReconnectCount <= 2:
		health = "good"
	}
	r.Send(fmt.Sprintf(
		"<b>daily report</b>\n%s\n\nhealth: %s\nrecords: <b>%d</b>\ngaps: %d\nreconnects: %d\ncoverage: <b>%.2f%%</b>\n%s\ndisk: %.1fMB / mem: %.1fMB",
		nowUTC(), health, stats.TotalRecords, stats.GapCount, stats.ReconnectCount,
		stats.Coverage*100, Bar(stats.Coverage, 10),
		stats.DiskUsageMB, stats.MemoryUsageMB))
}

// SendFlushSummary reports one flush cycle's committed files.
func (r *Reporter) SendFlushSummary(results []models.FlushResult) {
	if len(results) == 0 {
		return
	}
	var rows []string
	var totalRows int
	var totalBytes int64
	for _, res := range results {
		totalRows += res.Rows
		totalBytes += res.FileSize
		rows = append(rows, fmt.Sprintf("<code>%s/%s</code> %d rows, %s",
			res.Symbol, res.Kind, res.Rows, FormatBytes(res.FileSize)))
	}
	r.Send(fmt.Sprintf(
		"<b>flush complete</b>\n%s\n\ntotal: %d rows, %s\n%s",
		nowUTC(), totalRows, FormatBytes(totalBytes), strings.Join(rows, "\n")))
}

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
}

// Bar renders a ratio in [0, 1] as a fixed-width progress bar.
func Bar(ratio float64, length int) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(length))
	return strings.Repeat("█", filled) + strings.Repeat("░", length-filled)
}

// FormatBytes renders a byte count in a human-readable unit.
func FormatBytes(size int64) string {
	switch {
	case size < 1<<10:
		return fmt.Sprintf("%dB", size)
	case size < 1<<20:
		return fmt.Sprintf("%.1fKB", float64(size)/(1<<10))
	case size < 1<<30:
		return fmt.Sprintf("%.1fMB", float64(size)/(1<<20))
	default:
		return fmt.Sprintf("%.2fGB", float64(size)/(1<<30))
	}
}
