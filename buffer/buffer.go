package buffer

import (
	"sync"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// Key partitions buffered records. Every flush file covers exactly one key.
type Key struct {
	Symbol string
	Kind   models.Kind
}

// Batch is an immutable slice of records handed over by SnapshotAndClear.
// The buffer never touches a batch again unless it comes back via Restore.
type Batch struct {
	Key     Key
	Records []models.Record
	Bytes   int64
}

// Buffer accumulates records per (symbol, kind) between flushes. All methods
// are safe for concurrent use; the exclusive sections are short so the
// collector's hot path never waits on a flush.
type Buffer struct {
	cfg config.BufferConfig

	mu        sync.Mutex
	records   map[Key][]models.Record
	byteSizes map[Key]int64
	total     int64

	appended int64
	log      *logger.Log
}

// New creates an empty buffer.
func New(cfg config.BufferConfig) *Buffer {
	return &Buffer{
		cfg:       cfg,
		records:   make(map[Key][]models.Record),
		byteSizes: make(map[Key]int64),
		log:       logger.GetLogger(),
	}
}

// Append adds one record to its partition.
func (b *Buffer) Append(r models.Record) {
	key := Key{Symbol: r.RecordSymbol(), Kind: r.RecordKind()}
	size := int64(r.ByteSize())

	b.mu.Lock()
	b.records[key] = append(b.records[key], r)
	b.byteSizes[key] += size
	b.total += size
	b.appended++
	b.mu.Unlock()
}

// SnapshotAndClear takes ownership of all non-empty partitions and leaves the
// buffer empty. Records appended concurrently land in the fresh maps, so each
// record is handed over exactly once.
func (b *Buffer) SnapshotAndClear() []Batch {
	b.mu.Lock()
	records := b.records
	byteSizes := b.byteSizes
	b.records = make(map[Key][]models.Record, len(records))
	b.byteSizes = make(map[Key]int64, len(byteSizes))
	b.total = 0
	b.mu.Unlock()

	batches := make([]Batch, 0, len(records))
	for key, recs := range records {
		if len(recs) == 0 {
			continue
		}
		batches = append(batches, Batch{Key: key, Records: recs, Bytes: byteSizes[key]})
	}
	return batches
}

// Restore puts a batch back after a failed flush. Restored records are placed
// ahead of records appended since the snapshot, keeping each partition in
// arrival order.
func (b *Buffer) Restore(batch Batch) {
	if len(batch.Records) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	newer := b.records[batch.Key]
	merged := make([]models.Record, 0, len(batch.Records)+len(newer))
	merged = append(merged, batch.Records...)
	merged = append(merged, newer...)
	b.records[batch.Key] = merged
	b.byteSizes[batch.Key] += batch.Bytes
	b.total += batch.Bytes

	b.log.WithComponent("buffer").WithFields(logger.Fields{
		"symbol":  batch.Key.Symbol,
		"kind":    string(batch.Key.Kind),
		"records": len(batch.Records),
	}).Warn("batch restored after failed flush")
}

// EstimatedBytes returns the approximate memory held by buffered records.
func (b *Buffer) EstimatedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// NeedsForceFlush reports whether buffered data exceeds the configured
// memory threshold.
func (b *Buffer) NeedsForceFlush() bool {
	threshold := int64(b.cfg.MemoryThresholdMB) << 20
	if threshold <= 0 {
		return false
	}
	return b.EstimatedBytes() >= threshold
}

// Len returns the total number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, recs := range b.records {
		n += len(recs)
	}
	return n
}

// Appended returns the lifetime count of appended records.
func (b *Buffer) Appended() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended
}
