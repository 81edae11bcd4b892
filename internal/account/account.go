// Package account implements the Account Core: per-user funds,
// positions, and the order-of-the-day book, each guarded by a per-account
// write-exclusion held only for the duration of one public method. One
// mutex per account, so unrelated accounts never serialize behind each
// other.
package account

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Account is the per-user ledger: balance, frozen/occupied margin, open
// positions, and the day's orders. Every public method takes Account's
// mutex for its own duration only, with no suspension points inside it.
type Account struct {
	id    types.AccountID
	clock clock.Clock

	mu sync.Mutex

	balance        decimal.Decimal
	frozenMargin   decimal.Decimal
	occupiedMargin decimal.Decimal
	cumCommission  decimal.Decimal
	cumCloseProfit decimal.Decimal

	positions map[types.InstrumentID]*types.Position
	day       *Daybook
}

// New creates an Account funded with initialCash and no open positions.
func New(id types.AccountID, initialCash decimal.Decimal, clk clock.Clock) *Account {
	return &Account{
		id:        id,
		clock:     clk,
		balance:   initialCash,
		positions: make(map[types.InstrumentID]*types.Position),
		day:       NewDaybook(),
	}
}

// ID returns the account identifier.
func (a *Account) ID() types.AccountID { return a.id }

// Snapshot is a point-in-time, lock-free copy of the mutable account fields
// — the shape the Notification Bus and Storage Subscriber convert into a
// record.AccountUpdateBody.
type Snapshot struct {
	Account        types.AccountID
	Balance        decimal.Decimal
	Available      decimal.Decimal
	FrozenMargin   decimal.Decimal
	OccupiedMargin decimal.Decimal
	CumCommission  decimal.Decimal
	CumCloseProfit decimal.Decimal
	RiskRatio      decimal.Decimal
}

// Snapshot returns the account's current state under its mutex.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Account) snapshotLocked() Snapshot {
	return Snapshot{
		Account:        a.id,
		Balance:        a.balance,
		Available:      a.availableLocked(),
		FrozenMargin:   a.frozenMargin,
		OccupiedMargin: a.occupiedMargin,
		CumCommission:  a.cumCommission,
		CumCloseProfit: a.cumCloseProfit,
		RiskRatio:      a.riskRatioLocked(),
	}
}

func (a *Account) availableLocked() decimal.Decimal {
	return a.balance.Sub(a.occupiedMargin).Sub(a.frozenMargin)
}

func (a *Account) riskRatioLocked() decimal.Decimal {
	if a.balance.Sign() <= 0 {
		if a.occupiedMargin.Sign() > 0 {
			return decimal.NewFromInt(1 << 30) // unbounded: flags liquidation
		}
		return decimal.Zero
	}
	return a.occupiedMargin.Div(a.balance)
}

// Position returns a copy of the account's position in instr, or a fresh
// zero position if none exists yet.
func (a *Account) Position(instr types.InstrumentID) types.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.positions[instr]; ok {
		return *p
	}
	return types.Position{Account: a.id, Instrument: instr}
}

// Positions returns a copy of every non-empty position the account holds.
func (a *Account) Positions() []types.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Position, 0, len(a.positions))
	for _, p := range a.positions {
		if p.LongTotal().IsZero() && p.ShortTotal().IsZero() {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Orders returns every order in today's book.
func (a *Account) Orders() []*types.Order {
	return a.day.All()
}

// OrderByID returns one of today's orders by id.
func (a *Account) OrderByID(id types.OrderID) (*types.Order, bool) {
	return a.day.Get(id)
}

func (a *Account) positionLocked(instr types.InstrumentID) *types.Position {
	p, ok := a.positions[instr]
	if !ok {
		p = &types.Position{Account: a.id, Instrument: instr}
		a.positions[instr] = p
	}
	return p
}

// SendOrder validates funds/position, freezes the required margin (opens)
// or reserves the closing bucket (closes), and admits order_id into the
// day-book with status Pending.
func (a *Account) SendOrder(
	instr types.Instrument,
	towards types.Towards,
	kind types.OrderKind,
	postOnly bool,
	price, volume decimal.Decimal,
	now time.Time,
) (types.Order, error) {
	if !towards.Valid() {
		return types.Order{}, xerrors.New(xerrors.KindValidation, "", "invalid towards code")
	}
	if volume.Sign() <= 0 {
		return types.Order{}, xerrors.New(xerrors.KindValidation, "", "volume must be positive")
	}
	if price.Sign() <= 0 && kind == types.OrderLimit {
		return types.Order{}, xerrors.New(xerrors.KindValidation, "", "limit price must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	margin := price.Mul(volume).Mul(instr.Multiplier).Mul(instr.MarginRate)

	var bucketLong bool
	var bucket closeBucket
	if towards.IsOpen() {
		if a.availableLocked().LessThan(margin) {
			return types.Order{}, xerrors.Rejection(xerrors.CodeInsufficientFunds,
				"available funds below required margin")
		}
	} else {
		var ok bool
		bucketLong, bucket, ok = closeTarget(towards)
		if !ok {
			return types.Order{}, xerrors.New(xerrors.KindValidation, "", "unrecognized closing towards code")
		}
		pos := a.positionLocked(instr.ID)
		if closeableVolume(pos, bucketLong, bucket).LessThan(volume) {
			return types.Order{}, xerrors.Rejection(xerrors.CodeInsufficientPosition,
				"closeable position volume below requested close volume")
		}
		freezeClose(pos, bucketLong, bucket, volume)
	}

	order := types.Order{
		OrderID:      types.NewOrderID(),
		Account:      a.id,
		Instrument:   instr.ID,
		Towards:      towards,
		Kind:         kind,
		PostOnly:     postOnly,
		Price:        price,
		Volume:       volume,
		FilledVolume: decimal.Zero,
		Status:       types.OrderPending,
		CreatedAt:    now,
	}
	if towards.IsOpen() {
		order.FrozenMargin = margin
		a.frozenMargin = a.frozenMargin.Add(margin)
	}

	a.day.Insert(&order)
	return order, nil
}

// OnOrderConfirm records the exchange-assigned id and transitions
// Pending→Alive. Idempotent: a repeated call with the same exchange id is a
// no-op success.
func (a *Account) OnOrderConfirm(orderID types.OrderID, exchangeOrderID types.ExchangeOrderID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.day.Get(orderID)
	if !ok {
		return xerrors.Rejection(xerrors.CodeOrderNotFound, "order not found")
	}
	if o.ExchangeOrderID == exchangeOrderID && o.Status != types.OrderPending {
		return nil // idempotent replay
	}
	o.ExchangeOrderID = exchangeOrderID
	if o.Status == types.OrderPending {
		o.Status = types.OrderAlive
	}
	return nil
}

// ReceiveDealSim applies one fill in sim mode: instantaneous realized PnL,
// proportional margin/position-freeze release, commission accrual, and the
// order-status transition to PartiallyFilled or Filled.
func (a *Account) ReceiveDealSim(
	orderID types.OrderID,
	instr types.Instrument,
	price, volume, commission decimal.Decimal,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.day.Get(orderID)
	if !ok {
		return xerrors.Rejection(xerrors.CodeOrderNotFound, "order not found")
	}
	if o.Status.Terminal() {
		return xerrors.Rejection(xerrors.CodeOrderNotCancellable, "order already in a terminal state")
	}
	if volume.GreaterThan(o.Remaining()) {
		return xerrors.New(xerrors.KindValidation, "", "fill volume exceeds remaining order volume")
	}

	pos := a.positionLocked(instr.ID)

	if o.Towards.IsOpen() {
		if o.Volume.Sign() > 0 {
			perUnit := o.FrozenMargin.Div(o.Volume)
			a.frozenMargin = a.frozenMargin.Sub(perUnit.Mul(volume))
		}
		applyOpen(pos, o.Towards.Side() == types.Buy, price, volume)
		a.occupiedMargin = a.occupiedMargin.Add(price.Mul(volume).Mul(instr.Multiplier).Mul(instr.MarginRate))
	} else {
		long, bucket, ok := closeTarget(o.Towards)
		if !ok {
			return xerrors.New(xerrors.KindValidation, "", "unrecognized closing towards code")
		}
		unfreezeClose(pos, long, bucket, volume)
		openPrice := applyClose(pos, long, bucket, volume)
		pnl := realizedPnL(long, openPrice, price, volume, instr.Multiplier)
		a.cumCloseProfit = a.cumCloseProfit.Add(pnl)
		a.balance = a.balance.Add(pnl)
		a.occupiedMargin = a.occupiedMargin.Sub(openPrice.Mul(volume).Mul(instr.Multiplier).Mul(instr.MarginRate))
		if a.occupiedMargin.Sign() < 0 {
			a.occupiedMargin = decimal.Zero
		}
	}

	a.balance = a.balance.Sub(commission)
	a.cumCommission = a.cumCommission.Add(commission)

	o.FilledVolume = o.FilledVolume.Add(volume)
	if o.Remaining().Sign() <= 0 {
		o.Status = types.OrderFilled
	} else {
		o.Status = types.OrderPartiallyFilled
	}
	return nil
}

// CancelOrder unfreezes the unfilled margin or position reservation and
// transitions the order to Cancelled. Valid only from Alive|PartiallyFilled.
func (a *Account) CancelOrder(orderID types.OrderID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.day.Get(orderID)
	if !ok {
		return xerrors.Rejection(xerrors.CodeOrderNotFound, "order not found")
	}
	if o.Status != types.OrderAlive && o.Status != types.OrderPartiallyFilled {
		return xerrors.Rejection(xerrors.CodeOrderNotCancellable, "order not in a cancellable state")
	}

	remaining := o.Remaining()
	if o.Towards.IsOpen() {
		if o.Volume.Sign() > 0 {
			perUnit := o.FrozenMargin.Div(o.Volume)
			a.frozenMargin = a.frozenMargin.Sub(perUnit.Mul(remaining))
		}
	} else {
		if long, bucket, ok := closeTarget(o.Towards); ok {
			pos := a.positionLocked(o.Instrument)
			unfreezeClose(pos, long, bucket, remaining)
		}
	}

	o.Status = types.OrderCancelled
	return nil
}
