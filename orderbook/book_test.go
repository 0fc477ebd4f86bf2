package orderbook

import (
	"testing"

	"bookflow/models"
)

func testSnapshot() *models.DepthSnapshot {
	return &models.DepthSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 1000,
		Bids: []models.PriceLevel{
			{Price: "100.0", Quantity: "1.0"},
			{Price: "99.5", Quantity: "2.0"},
			{Price: "99.0", Quantity: "3.0"},
		},
		Asks: []models.PriceLevel{
			{Price: "100.5", Quantity: "1.5"},
			{Price: "101.0", Quantity: "2.5"},
			{Price: "101.5", Quantity: "3.5"},
		},
	}
}

func TestBookApplyUpdatesAndRemovals(t *testing.T) {
	b := NewBook(testSnapshot())

	b.Apply(&models.DepthDiffEvent{
		FirstUpdateID: 1001,
		FinalUpdateID: 1003,
		Bids: []models.PriceLevel{
			{Price: "100.0", Quantity: "5.0"},  // update
			{Price: "99.5", Quantity: "0.000"}, // removal
			{Price: "98.0", Quantity: "4.0"},   // insert
		},
		Asks: []models.PriceLevel{
			{Price: "100.5", Quantity: "0"},
		},
	})

	if got := b.LastUpdateID(); got != 1003 {
		t.Fatalf("LastUpdateID = %d, want 1003", got)
	}
	bids, asks := b.TopLevels(10)
	if len(bids) != 3 {
		t.Fatalf("bids = %v, want 3 levels", bids)
	}
	if bids[0].Price != "100.0" || bids[0].Quantity != "5.0" {
		t.Errorf("best bid = %v, want 100.0 x 5.0", bids[0])
	}
	for _, l := range bids {
		if l.Price == "99.5" {
			t.Errorf("zero-quantity level 99.5 not removed")
		}
	}
	if len(asks) != 2 || asks[0].Price != "101.0" {
		t.Errorf("asks = %v, want best ask 101.0", asks)
	}
}

func TestBookTopLevelsOrderingAndLimit(t *testing.T) {
	b := NewBook(testSnapshot())

	bids, asks := b.TopLevels(2)
	if len(bids) != 2 || len(asks) != 2 {
		t.Fatalf("top 2 returned %d bids, %d asks", len(bids), len(asks))
	}
	if bids[0].Price != "100.0" || bids[1].Price != "99.5" {
		t.Errorf("bids not descending: %v", bids)
	}
	if asks[0].Price != "100.5" || asks[1].Price != "101.0" {
		t.Errorf("asks not ascending: %v", asks)
	}
}

func TestBookTopLevelsCopiesState(t *testing.T) {
	b := NewBook(testSnapshot())
	bids, _ := b.TopLevels(1)

	b.Apply(&models.DepthDiffEvent{
		FirstUpdateID: 1001,
		FinalUpdateID: 1001,
		Bids:          []models.PriceLevel{{Price: "100.0", Quantity: "9.9"}},
	})

	if bids[0].Quantity != "1.0" {
		t.Errorf("earlier TopLevels result mutated: %v", bids[0])
	}
}

func TestBookApplySkipsUnparsableQuantity(t *testing.T) {
	b := NewBook(testSnapshot())
	b.Apply(&models.DepthDiffEvent{
		FirstUpdateID: 1001,
		FinalUpdateID: 1001,
		Bids:          []models.PriceLevel{{Price: "100.0", Quantity: "garbage"}},
	})
	bids, _ := b.TopLevels(1)
	if bids[0].Quantity != "1.0" {
		t.Errorf("unparsable quantity overwrote level: %v", bids[0])
	}
}
