package matching

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Engine owns one OrderBook per instrument behind a single
// sync.RWMutex-guarded map; each book serializes its own mutations.
type Engine struct {
	mu       sync.RWMutex
	books    map[types.InstrumentID]*OrderBook
	clock    clock.Clock
	tradeSeq clock.SequenceGen
}

// NewEngine creates an empty matching engine.
func NewEngine(clk clock.Clock) *Engine {
	return &Engine{
		books: make(map[types.InstrumentID]*OrderBook),
		clock: clk,
	}
}

// AddInstrument registers a new book for instr. Fails if one already exists.
func (e *Engine) AddInstrument(instr types.Instrument) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[instr.ID]; ok {
		return xerrors.New(xerrors.KindValidation, "", "instrument already registered with matching engine")
	}
	e.books[instr.ID] = NewOrderBook(instr, e.clock, &e.tradeSeq)
	return nil
}

// Book resolves an instrument's order book, if registered.
func (e *Engine) Book(id types.InstrumentID) (*OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[id]
	return b, ok
}

// Submit routes a new order to its instrument's book.
func (e *Engine) Submit(instr types.InstrumentID, orderID types.OrderID, account types.AccountID, towards types.Towards, kind types.OrderKind, postOnly bool, price, volume decimal.Decimal) (SubmitResult, error) {
	book, ok := e.Book(instr)
	if !ok {
		return SubmitResult{}, xerrors.Rejection(xerrors.CodeInstrumentNotTrading, "instrument has no registered book")
	}
	return book.Submit(orderID, account, towards, kind, postOnly, price, volume), nil
}

// Cancel routes a cancel to its instrument's book.
func (e *Engine) Cancel(instr types.InstrumentID, exID types.ExchangeOrderID) error {
	book, ok := e.Book(instr)
	if !ok {
		return xerrors.Rejection(xerrors.CodeInstrumentNotTrading, "instrument has no registered book")
	}
	return book.Cancel(exID)
}
