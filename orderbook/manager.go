package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/jpillora/backoff"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// State is the synchronization phase of a symbol's book.
type State string

const (
	// StateUnsynced means no consistent book exists and no snapshot request
	// is in flight yet.
	StateUnsynced State = "UNSYNCED"
	// StateBuffering means diffs are being queued while a snapshot request
	// is in flight or awaiting reconciliation.
	StateBuffering State = "BUFFERING"
	// StateSynced means diffs are applied directly with strict sequence
	// validation.
	StateSynced State = "SYNCED"
)

// SnapshotFetcher retrieves a full depth snapshot over REST.
type SnapshotFetcher interface {
	FetchDepth(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error)
}

// Manager owns one symbol's book state and the snapshot/diff reconciliation
// protocol. Diffs are submitted by a single reader goroutine in arrival
// order; the snapshot fetch runs concurrently and re-enters through the same
// mutex, so state transitions are serialized.
type Manager struct {
	symbol  string
	cfg     config.OrderbookConfig
	fetcher SnapshotFetcher

	mu           sync.Mutex
	state        State
	book         *Book
	firstApplied bool
	pending      deque.Deque[models.DepthDiffEvent]
	snap         *models.DepthSnapshot
	fetching     bool
	graceTimer   *time.Timer

	resyncCount  int64
	gapCount     int64
	droppedDiffs int64

	emit     func(models.DepthLevelRecord)
	onGap    func(models.GapEvent)
	onResync func()

	ctx context.Context
	log *logger.Log
}

// NewManager creates a manager for one symbol. emit receives the top-N book
// view after every applied diff; onGap receives detected discontinuities.
// Either may be nil.
func NewManager(symbol string, cfg config.OrderbookConfig, fetcher SnapshotFetcher,
	emit func(models.DepthLevelRecord), onGap func(models.GapEvent)) *Manager {
	return &Manager{
		symbol:  symbol,
		cfg:     cfg,
		fetcher: fetcher,
		state:   StateUnsynced,
		emit:    emit,
		onGap:   onGap,
		log:     logger.GetLogger(),
	}
}

// OnResync registers a callback invoked each time a synced book falls back
// to UNSYNCED, whether from a gap, an overlap or an explicit Resync. Must be
// set before Start.
func (m *Manager) OnResync(fn func()) {
	m.onResync = fn
}

// Start begins the initial synchronization. The context bounds all snapshot
// requests issued by this manager.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.enterUnsynced("startup")
}

// Resync forces the book back to UNSYNCED, e.g. after a websocket reconnect
// when diffs may have been missed.
func (m *Manager) Resync(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateUnsynced || m.state == StateBuffering {
		return
	}
	m.enterUnsynced(reason)
}

// SubmitDiff feeds one depth diff through the state machine.
func (m *Manager) SubmitDiff(evt models.DepthDiffEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateSynced:
		m.handleSyncedDiff(evt)
	default:
		m.bufferDiff(evt)
		if m.snap != nil {
			m.tryReconcile()
		}
	}
}

// State returns the current synchronization phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastUpdateID returns the id of the last applied update, or 0 before the
// first sync.
func (m *Manager) LastUpdateID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil {
		return 0
	}
	return m.book.LastUpdateID()
}

// PendingLen returns the number of buffered diffs awaiting reconciliation.
func (m *Manager) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// ResyncCount returns how many times this manager entered UNSYNCED.
func (m *Manager) ResyncCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resyncCount
}

// TopLevels returns a consistent copy of the current top-N view, or nil
// slices while unsynced.
func (m *Manager) TopLevels() (bids, asks []models.PriceLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil {
		return nil, nil
	}
	return m.book.TopLevels(m.cfg.TopLevels)
}

func (m *Manager) handleSyncedDiff(evt models.DepthDiffEvent) {
	expected := m.book.LastUpdateID() + 1

	// Already-applied range, nothing to do.
	if evt.FinalUpdateID < expected {
		return
	}

	// The first diff after a snapshot may straddle the snapshot's update id;
	// every later diff must be exactly contiguous.
	if !m.firstApplied {
		if evt.FirstUpdateID <= expected {
			m.applyDiff(evt)
			m.firstApplied = true
			return
		}
	} else if evt.FirstUpdateID == expected {
		m.applyDiff(evt)
		return
	}

	if evt.FirstUpdateID > expected {
		// Updates were missed.
		gap := models.GapEvent{
			Symbol:     m.symbol,
			ExpectedID: expected,
			ActualID:   evt.FirstUpdateID,
			Size:       evt.FirstUpdateID - expected,
			Timestamp:  evt.RecvTime,
		}
		m.gapCount++
		logger.IncrementGap()
		m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
			"symbol":      m.symbol,
			"expected_id": gap.ExpectedID,
			"actual_id":   gap.ActualID,
			"gap_size":    gap.Size,
		}).Warn("sequence gap detected, resyncing")
		if m.onGap != nil {
			m.onGap(gap)
		}
	} else {
		// first_update_id < expected <= final_update_id after the first
		// applied diff: the stream replayed part of an applied range.
		m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
			"symbol":          m.symbol,
			"expected_id":     expected,
			"first_update_id": evt.FirstUpdateID,
			"final_update_id": evt.FinalUpdateID,
		}).Warn("overlapping diff in synced state, resyncing")
	}

	m.enterUnsynced("sequence inconsistency")
	m.bufferDiff(evt)
}

func (m *Manager) applyDiff(evt models.DepthDiffEvent) {
	m.book.Apply(&evt)
	if m.emit == nil {
		return
	}
	bids, asks := m.book.TopLevels(m.cfg.TopLevels)
	m.emit(models.DepthLevelRecord{
		Symbol:       m.symbol,
		EventTime:    evt.EventTime,
		RecvTime:     evt.RecvTime,
		LastUpdateID: m.book.LastUpdateID(),
		Bids:         bids,
		Asks:         asks,
	})
}

func (m *Manager) bufferDiff(evt models.DepthDiffEvent) {
	if m.cfg.MaxPendingDiffs > 0 && m.pending.Len() >= m.cfg.MaxPendingDiffs {
		m.pending.PopFront()
		m.droppedDiffs++
	}
	m.pending.PushBack(evt)
}

// enterUnsynced discards book state, counts the resync and kicks off a
// snapshot request. Pending diffs are kept; stale ones are discarded against
// the snapshot during reconciliation. Callers hold m.mu.
func (m *Manager) enterUnsynced(reason string) {
	m.book = nil
	m.snap = nil
	m.firstApplied = false
	wasSynced := m.state == StateSynced
	m.state = StateUnsynced
	m.resyncCount++
	logger.IncrementResync()
	// A resync is the loss of a synced book; the startup sync is not one.
	if m.onResync != nil && wasSynced {
		m.onResync()
	}
	m.stopGraceTimer()

	m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
		"symbol": m.symbol,
		"reason": reason,
		"resync": m.resyncCount,
	}).Info("entering resynchronization")

	m.requestSnapshot()
}

// requestSnapshot starts the fetch loop unless one is already in flight.
// Callers hold m.mu.
func (m *Manager) requestSnapshot() {
	if m.fetching || m.fetcher == nil || m.ctx == nil {
		return
	}
	m.fetching = true
	m.state = StateBuffering
	go m.fetchLoop()
}

// fetchLoop retries the REST snapshot with capped backoff until it succeeds
// or the manager's context ends. Resync is unbounded by design; each attempt
// is counted and logged.
func (m *Manager) fetchLoop() {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	log := m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{"symbol": m.symbol})

	for {
		if m.ctx.Err() != nil {
			m.mu.Lock()
			m.fetching = false
			m.mu.Unlock()
			return
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SnapshotTimeout)
		snap, err := m.fetcher.FetchDepth(ctx, m.symbol, m.cfg.SnapshotDepth)
		cancel()
		if err != nil {
			d := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": d.String()}).Warn("depth snapshot request failed")
			select {
			case <-m.ctx.Done():
				m.mu.Lock()
				m.fetching = false
				m.mu.Unlock()
				return
			case <-time.After(d):
			}
			continue
		}

		m.handleSnapshot(snap)
		return
	}
}

func (m *Manager) handleSnapshot(snap *models.DepthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetching = false
	if m.state == StateSynced {
		return
	}
	m.snap = snap
	if m.tryReconcile() {
		return
	}
	// No applicable diff yet: hold the snapshot, retry reconciliation on
	// each arriving diff, and re-request after the grace window.
	m.armGraceTimer()
}

// tryReconcile attempts to initialize the book from the held snapshot and
// drain the pending diff queue. Returns true once SYNCED. Callers hold m.mu.
func (m *Manager) tryReconcile() bool {
	s := m.snap.LastUpdateID

	// Discard diffs that are entirely covered by the snapshot.
	for m.pending.Len() > 0 && m.pending.Front().FinalUpdateID <= s {
		m.pending.PopFront()
	}

	if m.pending.Len() == 0 {
		return false
	}

	first := m.pending.Front()
	if first.FirstUpdateID > s+1 {
		// The snapshot predates the buffered stream; it must be refetched.
		return false
	}

	m.book = NewBook(m.snap)
	m.state = StateSynced
	m.firstApplied = false
	m.snap = nil
	m.stopGraceTimer()

	applied := 0
	for m.pending.Len() > 0 && m.state == StateSynced {
		evt := m.pending.PopFront()
		m.handleSyncedDiff(evt)
		applied++
	}

	if m.state == StateSynced {
		m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
			"symbol":         m.symbol,
			"last_update_id": m.book.LastUpdateID(),
			"applied_diffs":  applied,
			"snapshot_id":    s,
		}).Info("order book synchronized")
		return true
	}
	return false
}

// armGraceTimer schedules a snapshot re-request if reconciliation has not
// completed within the configured grace window. Callers hold m.mu.
func (m *Manager) armGraceTimer() {
	m.stopGraceTimer()
	m.graceTimer = time.AfterFunc(m.cfg.ResyncGrace, m.onGraceExpired)
}

func (m *Manager) stopGraceTimer() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Manager) onGraceExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSynced {
		return
	}
	m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
		"symbol": m.symbol,
	}).Warn("snapshot not reconciled within grace window, refetching")
	m.snap = nil
	m.requestSnapshot()
}
