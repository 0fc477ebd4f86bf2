package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsCollector int64
	errorsFlusher   int64
	warnsCollector  int64
	warnsFlusher    int64
	gapsDetected    int64
	resyncs         int64
	flushFiles      int64
	flushBytes      int64
	uploads         int64
	streams         sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "collector") {
		atomic.AddInt64(&warnsCollector, 1)
	} else if strings.Contains(component, "flusher") {
		atomic.AddInt64(&warnsFlusher, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "collector") {
		atomic.AddInt64(&errorsCollector, 1)
	} else if strings.Contains(component, "flusher") {
		atomic.AddInt64(&errorsFlusher, 1)
	}
}

// IncrementGap counts a detected sequence gap.
func IncrementGap() {
	atomic.AddInt64(&gapsDetected, 1)
}

// IncrementResync counts an order book resynchronization.
func IncrementResync() {
	atomic.AddInt64(&resyncs, 1)
}

// IncrementFlush counts one committed file of the given size.
func IncrementFlush(size int64) {
	atomic.AddInt64(&flushFiles, 1)
	atomic.AddInt64(&flushBytes, size)
	recordStream("flush", int(size))
}

// IncrementUpload counts one cloud upload.
func IncrementUpload(size int64) {
	atomic.AddInt64(&uploads, 1)
	recordStream("upload", int(size))
}

// RecordStreamMessage accounts one received message on the named stream.
func RecordStreamMessage(name string, size int) {
	recordStream(name, size)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_collector": atomic.LoadInt64(&errorsCollector),
		"errors_flusher":   atomic.LoadInt64(&errorsFlusher),
		"warns_collector":  atomic.LoadInt64(&warnsCollector),
		"warns_flusher":    atomic.LoadInt64(&warnsFlusher),
		"gaps":             atomic.LoadInt64(&gapsDetected),
		"resyncs":          atomic.LoadInt64(&resyncs),
		"flush_files":      atomic.LoadInt64(&flushFiles),
		"flush_bytes":      atomic.LoadInt64(&flushBytes),
		"uploads":          atomic.LoadInt64(&uploads),
		"goroutines":       runtime.NumGoroutine(),
		"heap_mb":          int64(memStats.HeapAlloc) / 1024 / 1024,
		"streams":          streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("Gaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&gapsDetected)))},
		{MetricName: aws.String("Resyncs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&resyncs)))},
		{MetricName: aws.String("FlushFiles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&flushFiles)))},
		{MetricName: aws.String("FlushBytes"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(atomic.LoadInt64(&flushBytes)))},
		{MetricName: aws.String("Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&uploads)))},
	}

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
