package orderbook

import (
	"sort"
	"strconv"

	"bookflow/models"
)

// Book holds one symbol's reconstructed order book. Prices and quantities
// stay in their wire string form; parsing happens only for ordering and for
// the zero-quantity removal rule.
type Book struct {
	bids         map[string]string
	asks         map[string]string
	lastUpdateID int64
}

// NewBook initializes a book from a REST depth snapshot.
func NewBook(snap *models.DepthSnapshot) *Book {
	b := &Book{
		bids:         make(map[string]string, len(snap.Bids)),
		asks:         make(map[string]string, len(snap.Asks)),
		lastUpdateID: snap.LastUpdateID,
	}
	for _, l := range snap.Bids {
		b.bids[l.Price] = l.Quantity
	}
	for _, l := range snap.Asks {
		b.asks[l.Price] = l.Quantity
	}
	return b
}

// LastUpdateID returns the id of the last applied update.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Apply merges a diff into the book and advances lastUpdateID to the diff's
// final update id. A zero quantity removes the price level.
func (b *Book) Apply(diff *models.DepthDiffEvent) {
	applySide(b.bids, diff.Bids)
	applySide(b.asks, diff.Asks)
	b.lastUpdateID = diff.FinalUpdateID
}

func applySide(side map[string]string, updates []models.PriceLevel) {
	for _, u := range updates {
		qty, err := strconv.ParseFloat(u.Quantity, 64)
		if err != nil {
			continue
		}
		if qty == 0 {
			delete(side, u.Price)
		} else {
			side[u.Price] = u.Quantity
		}
	}
}

// TopLevels returns the top n bids (price descending) and asks (price
// ascending) as copies, safe to retain after further updates.
func (b *Book) TopLevels(n int) (bids, asks []models.PriceLevel) {
	return topN(b.bids, n, true), topN(b.asks, n, false)
}

func topN(side map[string]string, n int, descending bool) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(side))
	for price, qty := range side {
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		pi, _ := strconv.ParseFloat(levels[i].Price, 64)
		pj, _ := strconv.ParseFloat(levels[j].Price, 64)
		if descending {
			return pi > pj
		}
		return pi < pj
	})
	if n > 0 && len(levels) > n {
		levels = levels[:n]
	}
	return levels
}
