// Package matching implements the Matching Engine: one
// price-time-priority order book per instrument, held behind a single
// per-instrument write-exclusion so submit/cancel never interleave for the
// same book; nothing inside the lock ever blocks.
//
// Levels are a sorted price slice with a FIFO queue per level and O(1)
// cancel via an order-id index, the same sorted-slice technique the
// storage subsystem's index package uses for its ordered timestamp map,
// since the keys are decimal.Decimal rather than a tree-friendly int64.
package matching

import (
	"container/list"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/pkg/types"
)

// restingOrder is one order resting in a book, queued FIFO within its price
// level.
type restingOrder struct {
	exchangeID    types.ExchangeOrderID
	orderID       types.OrderID
	account       types.AccountID
	towards       types.Towards
	postOnly      bool
	price         decimal.Decimal
	remaining     decimal.Decimal
	timestampNano int64
}

// priceLevel holds every resting order at one price, oldest first.
type priceLevel struct {
	price decimal.Decimal
	queue *list.List // of *restingOrder
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{price: price, queue: list.New()}
}

func (pl *priceLevel) totalVolume() decimal.Decimal {
	total := decimal.Zero
	for e := pl.queue.Front(); e != nil; e = e.Next() {
		total = total.Add(e.Value.(*restingOrder).remaining)
	}
	return total
}

func (pl *priceLevel) empty() bool { return pl.queue.Len() == 0 }

// levelBook is a side of the book: price levels sorted ascending.
type levelBook struct {
	levels []*priceLevel
	asc    bool // true = best is first element (asks), false = best is last (bids)
}

func newLevelBook(asc bool) *levelBook {
	return &levelBook{asc: asc}
}

// search returns the index of the level at price, and whether it exists.
func (lb *levelBook) search(price decimal.Decimal) (int, bool) {
	lo, hi := 0, len(lb.levels)
	for lo < hi {
		mid := (lo + hi) / 2
		if lb.levels[mid].price.LessThan(price) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(lb.levels) && lb.levels[lo].price.Equal(price) {
		return lo, true
	}
	return lo, false
}

// levelAt returns the level at price, creating it in sorted position if
// absent.
func (lb *levelBook) levelAt(price decimal.Decimal) *priceLevel {
	i, ok := lb.search(price)
	if ok {
		return lb.levels[i]
	}
	pl := newPriceLevel(price)
	lb.levels = append(lb.levels, nil)
	copy(lb.levels[i+1:], lb.levels[i:])
	lb.levels[i] = pl
	return pl
}

// removeLevel drops an emptied level at price, if present.
func (lb *levelBook) removeLevel(price decimal.Decimal) {
	i, ok := lb.search(price)
	if !ok {
		return
	}
	lb.levels = append(lb.levels[:i], lb.levels[i+1:]...)
}

// best returns the top-of-book level, or nil if the side is empty.
func (lb *levelBook) best() *priceLevel {
	if len(lb.levels) == 0 {
		return nil
	}
	if lb.asc {
		return lb.levels[0]
	}
	return lb.levels[len(lb.levels)-1]
}

// depth returns up to n levels from the top of book, best first.
func (lb *levelBook) depth(n int) []*priceLevel {
	out := make([]*priceLevel, 0, n)
	if lb.asc {
		for i := 0; i < len(lb.levels) && i < n; i++ {
			out = append(out, lb.levels[i])
		}
		return out
	}
	for i := len(lb.levels) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, lb.levels[i])
	}
	return out
}
