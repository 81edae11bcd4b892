package matching

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// SubmitResult reports the outcome of one OrderBook.Submit call.
type SubmitResult struct {
	ExchangeOrderID types.ExchangeOrderID
	Status          types.OrderStatus // Alive, PartiallyFilled, Filled, or Rejected
	Trades          []types.Trade
	RejectReason    string
}

type location struct {
	isBid bool
	elem  *list.Element
}

// OrderBook is one instrument's price-time-priority book. Every public
// method holds the book's mutex for its own duration only, matching the
// account package's per-entity write-exclusion discipline.
type OrderBook struct {
	mu         sync.Mutex
	instrument types.Instrument
	bids       *levelBook // asc=false: best bid is highest price
	asks       *levelBook // asc=true: best ask is lowest price
	index      map[types.ExchangeOrderID]*location

	clock    clock.Clock
	tradeSeq *clock.SequenceGen
}

// NewOrderBook creates an empty book for instr.
func NewOrderBook(instr types.Instrument, clk clock.Clock, tradeSeq *clock.SequenceGen) *OrderBook {
	return &OrderBook{
		instrument: instr,
		bids:       newLevelBook(false),
		asks:       newLevelBook(true),
		index:      make(map[types.ExchangeOrderID]*location),
		clock:      clk,
		tradeSeq:   tradeSeq,
	}
}

// Instrument returns the instrument this book matches.
func (b *OrderBook) Instrument() types.Instrument { return b.instrument }

// nextExchangeOrderID mints an id in the format
// "EX_{ts_ns}_{instrument}_{B|S}".
func (b *OrderBook) nextExchangeOrderID(side types.Side) types.ExchangeOrderID {
	tag := "B"
	if side == types.Sell {
		tag = "S"
	}
	return types.ExchangeOrderID(fmt.Sprintf("EX_%d_%s_%s", b.clock.NowNanos(), b.instrument.ID, tag))
}

// Submit admits a new order into the book, matching it against resting
// opposite-side orders per price-time priority before resting any
// unfilled remainder. Market orders never rest: any
// unfilled quantity at the end of matching is dropped. Post-only orders
// that would cross the book are rejected outright, never partially matched.
func (b *OrderBook) Submit(orderID types.OrderID, account types.AccountID, towards types.Towards, kind types.OrderKind, postOnly bool, price, volume decimal.Decimal) SubmitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	side := towards.Side()
	exID := b.nextExchangeOrderID(side)

	if postOnly && kind == types.OrderLimit && b.crosses(side, price) {
		return SubmitResult{ExchangeOrderID: exID, Status: types.OrderRejected, RejectReason: "post-only order would cross the book"}
	}

	remaining := volume
	var trades []types.Trade

	opposite := b.asks
	if side == types.Sell {
		opposite = b.bids
	}

	for remaining.Sign() > 0 {
		top := opposite.best()
		if top == nil {
			break
		}
		if kind == types.OrderLimit && !b.priceCrosses(side, price, top.price) {
			break
		}

		for remaining.Sign() > 0 && top.queue.Len() > 0 {
			front := top.queue.Front()
			resting := front.Value.(*restingOrder)

			fillVol := decimal.Min(remaining, resting.remaining)
			fillPrice := resting.price

			trade := types.Trade{
				TradeID:       b.tradeSeq.Next(),
				Instrument:    b.instrument.ID,
				Price:         fillPrice,
				Volume:        fillVol,
				TimestampNano: b.clock.NowNanos(),
			}
			if side == types.Buy {
				trade.BuyOrderID = orderID
				trade.SellOrderID = resting.orderID
			} else {
				trade.BuyOrderID = resting.orderID
				trade.SellOrderID = orderID
			}
			trades = append(trades, trade)

			remaining = remaining.Sub(fillVol)
			resting.remaining = resting.remaining.Sub(fillVol)

			if resting.remaining.Sign() <= 0 {
				top.queue.Remove(front)
				delete(b.index, resting.exchangeID)
			}
		}

		if top.empty() {
			opposite.removeLevel(top.price)
		}
	}

	status := types.OrderAlive
	switch {
	case remaining.Sign() <= 0:
		status = types.OrderFilled
	case len(trades) > 0:
		status = types.OrderPartiallyFilled
	case kind != types.OrderLimit:
		// A market order never rests; with nothing crossed there is
		// nothing to keep alive either.
		return SubmitResult{ExchangeOrderID: exID, Status: types.OrderRejected,
			RejectReason: "market order found no crossing liquidity"}
	}

	if remaining.Sign() > 0 && kind == types.OrderLimit {
		same := b.bids
		if side == types.Sell {
			same = b.asks
		}
		level := same.levelAt(price)
		ro := &restingOrder{
			exchangeID:    exID,
			orderID:       orderID,
			account:       account,
			towards:       towards,
			postOnly:      postOnly,
			price:         price,
			remaining:     remaining,
			timestampNano: b.clock.NowNanos(),
		}
		elem := level.queue.PushBack(ro)
		b.index[exID] = &location{isBid: side == types.Buy, elem: elem}
	}

	return SubmitResult{ExchangeOrderID: exID, Status: status, Trades: trades}
}

// crosses reports whether a new order on side at price would immediately
// cross the opposite side's best price.
func (b *OrderBook) crosses(side types.Side, price decimal.Decimal) bool {
	opposite := b.asks
	if side == types.Sell {
		opposite = b.bids
	}
	top := opposite.best()
	if top == nil {
		return false
	}
	return b.priceCrosses(side, price, top.price)
}

// priceCrosses reports whether a side order quoted at price crosses a resting
// order at oppositePrice: a buy crosses when its price is at or above the
// ask; a sell crosses when its price is at or below the bid.
func (b *OrderBook) priceCrosses(side types.Side, price, oppositePrice decimal.Decimal) bool {
	if side == types.Buy {
		return price.GreaterThanOrEqual(oppositePrice)
	}
	return price.LessThanOrEqual(oppositePrice)
}

// WouldSelfTrade reports whether a new order from account on side at price
// would cross against a resting order owned by the same account — the
// Coordinator's self-trade-prevention check. It lives
// here since the book is the only place that tracks which account owns
// each resting order.
func (b *OrderBook) WouldSelfTrade(side types.Side, kind types.OrderKind, price decimal.Decimal, account types.AccountID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	opposite := b.asks
	if side == types.Sell {
		opposite = b.bids
	}
	for _, lvl := range opposite.levels {
		if kind == types.OrderLimit && !b.priceCrosses(side, price, lvl.price) {
			continue
		}
		for e := lvl.queue.Front(); e != nil; e = e.Next() {
			if e.Value.(*restingOrder).account == account {
				return true
			}
		}
	}
	return false
}

// Cancel removes a resting order by its exchange-assigned id.
func (b *OrderBook) Cancel(exID types.ExchangeOrderID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.index[exID]
	if !ok {
		return xerrors.Rejection(xerrors.CodeOrderNotFound, "resting order not found")
	}
	resting := loc.elem.Value.(*restingOrder)

	side := b.bids
	if !loc.isBid {
		side = b.asks
	}
	level := levelAtNoCreate(side, resting.price)
	if level != nil {
		level.queue.Remove(loc.elem)
		if level.empty() {
			side.removeLevel(resting.price)
		}
	}
	delete(b.index, exID)
	return nil
}

func levelAtNoCreate(lb *levelBook, price decimal.Decimal) *priceLevel {
	i, ok := lb.search(price)
	if !ok {
		return nil
	}
	return lb.levels[i]
}

// BestBidAsk returns the top-of-book prices, with ok=false for a side that
// has no resting orders.
func (b *OrderBook) BestBidAsk() (bid decimal.Decimal, bidOK bool, ask decimal.Decimal, askOK bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if top := b.bids.best(); top != nil {
		bid, bidOK = top.price, true
	}
	if top := b.asks.best(); top != nil {
		ask, askOK = top.price, true
	}
	return
}

// DepthEntry is one level of book depth for a market-data snapshot.
type DepthEntry struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Depth returns up to n price levels per side, best first.
func (b *OrderBook) Depth(n int) (bids, asks []DepthEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, lvl := range b.bids.depth(n) {
		bids = append(bids, DepthEntry{Price: lvl.price, Volume: lvl.totalVolume()})
	}
	for _, lvl := range b.asks.depth(n) {
		asks = append(asks, DepthEntry{Price: lvl.price, Volume: lvl.totalVolume()})
	}
	return
}
