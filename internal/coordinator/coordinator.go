package coordinator

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/account"
	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/matching"
	"github.com/exchange-core/matching-core/internal/notification"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Limits bundles the per-account policy checks the Coordinator enforces
// before an order reaches the Matching Engine, plus the settlement sweep's
// force-liquidation threshold.
type Limits struct {
	MaxOpenOrdersPerAccount   int
	RiskRatioCap              decimal.Decimal
	ForceLiquidationRiskRatio decimal.Decimal
}

// Coordinator is the single logical ingress for order flow.
type Coordinator struct {
	registry *Registry
	bus      *notification.Bus
	clock    clock.Clock
	seq      clock.SequenceGen
	limits   Limits

	mu          sync.Mutex
	rateLimits  map[types.AccountID]*account.RateLimiter
	rateLimitHz float64
	rateBurst   int

	settlementMu     sync.Mutex
	settlementPrices map[types.InstrumentID]decimal.Decimal
}

// New creates a Coordinator wired to registry and bus.
func New(registry *Registry, bus *notification.Bus, clk clock.Clock, limits Limits, rateLimitHz float64, rateBurst int) *Coordinator {
	return &Coordinator{
		registry:    registry,
		bus:         bus,
		clock:       clk,
		limits:      limits,
		rateLimits:  make(map[types.AccountID]*account.RateLimiter),
		rateLimitHz: rateLimitHz,
		rateBurst:   rateBurst,
	}
}

func (c *Coordinator) rateLimiterFor(acct types.AccountID) *account.RateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	rl, ok := c.rateLimits[acct]
	if !ok {
		rl = account.NewRateLimiter(c.rateLimitHz, c.rateBurst)
		c.rateLimits[acct] = rl
	}
	return rl
}

// SubmitResult is what the Coordinator returns to the caller after running
// the full pipeline.
type SubmitResult struct {
	Order           types.Order
	ExchangeOrderID types.ExchangeOrderID
	Status          types.OrderStatus
	Trades          []types.Trade
	Sequence        uint64
}

// SubmitOrder runs the full ingress pipeline: instrument-state validation,
// pre-trade risk checks, Account.SendOrder, submission to the Matching
// Engine, result application to both counterparties, and monotonic
// sequence assignment before hand-off to the Notification Bus.
//
// The caller's deadline travels in ctx and is honored only up to the
// point of admission: once SendOrder has frozen funds, the order exists
// and can only be removed by an explicit cancel.
func (c *Coordinator) SubmitOrder(
	ctx context.Context,
	acctID types.AccountID,
	instrID types.InstrumentID,
	towards types.Towards,
	kind types.OrderKind,
	postOnly bool,
	price, volume decimal.Decimal,
) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, xerrors.Wrap(xerrors.KindTransient, xerrors.CodeTimeout,
			"submission deadline expired before admission", err)
	}

	// Step 1: instrument-state validation.
	instr, ok := c.registry.Instrument(instrID)
	if !ok || instr.State != types.InstrumentTrading {
		return SubmitResult{}, xerrors.Rejection(xerrors.CodeInstrumentNotTrading, "instrument not open for trading")
	}

	// Step 2: pre-trade checks.
	acct, ok := c.registry.Account(acctID)
	if !ok {
		return SubmitResult{}, xerrors.Rejection(xerrors.CodeAccountNotFound, "account not found")
	}
	if !c.rateLimiterFor(acctID).Allow() {
		return SubmitResult{}, xerrors.Rejection(xerrors.CodeRiskLimitExceeded, "submission rate limit exceeded")
	}
	if c.limits.MaxOpenOrdersPerAccount > 0 {
		open := 0
		for _, o := range acct.Orders() {
			if !o.Status.Terminal() {
				open++
			}
		}
		if open >= c.limits.MaxOpenOrdersPerAccount {
			return SubmitResult{}, xerrors.Rejection(xerrors.CodeRiskLimitExceeded, "open-order cap exceeded")
		}
	}
	if book, ok := c.registry.Book(instrID); ok {
		side := towards.Side()
		if book.WouldSelfTrade(side, kind, price, acctID) {
			return SubmitResult{}, xerrors.Rejection(xerrors.CodeSelfTradeBlocked, "order would cross the account's own resting order")
		}
	}
	if !c.limits.RiskRatioCap.IsZero() {
		if acct.Snapshot().RiskRatio.GreaterThan(c.limits.RiskRatioCap) {
			return SubmitResult{}, xerrors.Rejection(xerrors.CodeRiskLimitExceeded, "account risk ratio above cap")
		}
	}

	// Step 3: Account.SendOrder — validates funds/position and reserves
	// margin or the closing bucket before the order is live anywhere. Last
	// deadline check: past this point the caller owns a live order.
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, xerrors.Wrap(xerrors.KindTransient, xerrors.CodeTimeout,
			"submission deadline expired before admission", err)
	}
	order, err := acct.SendOrder(instr, towards, kind, postOnly, price, volume, c.clock.Now())
	if err != nil {
		return SubmitResult{}, err
	}

	// Step 4: submit to the Matching Engine.
	mres, err := c.registry.matching.Submit(instrID, order.OrderID, acctID, towards, kind, postOnly, price, volume)
	if err != nil {
		// CancelOrder only accepts a confirmed order, so the still-Pending
		// order is confirmed first to make the unwind take effect.
		_ = acct.OnOrderConfirm(order.OrderID, "")
		_ = acct.CancelOrder(order.OrderID)
		return SubmitResult{}, err
	}

	// A reject carries no trades and no resting entry: unwind the frozen
	// margin and surface the book's reason, exactly like a Submit error.
	if mres.Status == types.OrderRejected {
		_ = acct.OnOrderConfirm(order.OrderID, mres.ExchangeOrderID)
		_ = acct.CancelOrder(order.OrderID)
		return SubmitResult{}, xerrors.Rejection(xerrors.CodeOrderRejected, mres.RejectReason)
	}

	// Step 5: result application — confirm the order, apply any fills to
	// both counterparties, and notify.
	if err := acct.OnOrderConfirm(order.OrderID, mres.ExchangeOrderID); err != nil {
		return SubmitResult{}, err
	}
	c.applyTrades(instr, order.OrderID, acctID, mres.Trades)

	// A market order's unfilled remainder never rests on the book, so the
	// account-side order must not stay open for it: cancel to release the
	// remainder's frozen margin.
	if kind != types.OrderLimit && mres.Status == types.OrderPartiallyFilled {
		if err := acct.CancelOrder(order.OrderID); err == nil {
			mres.Status = types.OrderCancelled
		}
	}

	// Step 6: monotonic sequence assignment, then hand off to C6.
	seqNum := c.seq.Next()
	c.publishOrderUpdate(seqNum, order, mres)

	return SubmitResult{
		Order:           order,
		ExchangeOrderID: mres.ExchangeOrderID,
		Status:          mres.Status,
		Trades:          mres.Trades,
		Sequence:        seqNum,
	}, nil
}

// applyTrades calls ReceiveDealSim on both sides of every trade and
// publishes a TradeExecuted notification for each.
func (c *Coordinator) applyTrades(instr types.Instrument, takerOrderID types.OrderID, takerAccount types.AccountID, trades []types.Trade) {
	for _, tr := range trades {
		c.applyFillToAccount(tr.BuyOrderID, instr, tr)
		c.applyFillToAccount(tr.SellOrderID, instr, tr)

		seqNum := c.seq.Next()
		c.bus.Publish(notification.Event{
			Record: record.Record{
				Kind:          record.KindTradeExecuted,
				Sequence:      seqNum,
				TimestampNano: c.clock.NowNanos(),
				InstrumentID:  instr.ID,
				Payload: record.EncodeTradeExecuted(record.TradeExecutedBody{
					TradeID:     tr.TradeID,
					Instrument:  instr.ID,
					BuyOrderID:  tr.BuyOrderID,
					SellOrderID: tr.SellOrderID,
					Price:       tr.Price,
					Volume:      tr.Volume,
				}),
			},
		})
	}
}

// applyFillToAccount resolves which account owns orderID (a trade carries
// only OrderIDs, not AccountIDs) and applies the fill via
// ReceiveDealSim, publishing the resulting account snapshot.
func (c *Coordinator) applyFillToAccount(orderID types.OrderID, instr types.Instrument, tr types.Trade) {
	acctID, acct, ok := c.registry.accounts.FindByOrder(orderID)
	if !ok {
		return
	}
	commission := tr.Price.Mul(tr.Volume).Mul(instr.Multiplier).Mul(instr.CommissionRate)
	if err := acct.ReceiveDealSim(orderID, instr, tr.Price, tr.Volume, commission); err != nil {
		return
	}

	seqNum := c.seq.Next()
	c.bus.Publish(notification.Event{
		Account: acctID,
		Record: record.Record{
			Kind:          record.KindAccountUpdate,
			Sequence:      seqNum,
			TimestampNano: c.clock.NowNanos(),
			Payload:       record.EncodeAccountUpdate(snapshotToBody(acct.Snapshot())),
		},
	})
}

func snapshotToBody(s account.Snapshot) record.AccountUpdateBody {
	return record.AccountUpdateBody{
		Account:        s.Account,
		Balance:        s.Balance,
		FrozenMargin:   s.FrozenMargin,
		OccupiedMargin: s.OccupiedMargin,
		CumCommission:  s.CumCommission,
		CumCloseProfit: s.CumCloseProfit,
	}
}

func (c *Coordinator) publishOrderUpdate(seqNum uint64, order types.Order, mres matching.SubmitResult) {
	c.bus.Publish(notification.Event{
		Account: order.Account,
		Record: record.Record{
			Kind:          record.KindOrderUpdate,
			Sequence:      seqNum,
			TimestampNano: c.clock.NowNanos(),
			InstrumentID:  order.Instrument,
			Payload: record.EncodeOrderUpdate(record.OrderUpdateBody{
				OrderID:         order.OrderID,
				ExchangeOrderID: mres.ExchangeOrderID,
				Status:          mres.Status,
				FilledVolume:    order.Volume.Sub(order.Remaining()).Add(sumFilled(mres.Trades)),
			}),
		},
	})
}

func sumFilled(trades []types.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Volume)
	}
	return total
}

// CancelOrder cancels orderID at both the Account Core and the Matching
// Engine.
func (c *Coordinator) CancelOrder(acctID types.AccountID, orderID types.OrderID) error {
	acct, ok := c.registry.Account(acctID)
	if !ok {
		return xerrors.Rejection(xerrors.CodeAccountNotFound, "account not found")
	}
	o, ok := acct.OrderByID(orderID)
	if !ok {
		return xerrors.Rejection(xerrors.CodeOrderNotFound, "order not found")
	}
	if o.ExchangeOrderID != "" {
		if err := c.registry.matching.Cancel(o.Instrument, o.ExchangeOrderID); err != nil && xerrors.CodeOf(err) != xerrors.CodeOrderNotFound {
			return err
		}
	}
	if err := acct.CancelOrder(orderID); err != nil {
		return err
	}

	seqNum := c.seq.Next()
	c.bus.Publish(notification.Event{
		Account: acctID,
		Record: record.Record{
			Kind:          record.KindOrderUpdate,
			Sequence:      seqNum,
			TimestampNano: c.clock.NowNanos(),
			InstrumentID:  o.Instrument,
			Payload: record.EncodeOrderUpdate(record.OrderUpdateBody{
				OrderID:         orderID,
				ExchangeOrderID: o.ExchangeOrderID,
				Status:          types.OrderCancelled,
				FilledVolume:    o.FilledVolume,
			}),
		},
	})
	return nil
}

// SetSettlementPrices stores the admin-supplied settlement prices consumed
// by the next RunDailySettlement sweep and publishes one
// SettlementPriceSet record per instrument so the prices are archived.
func (c *Coordinator) SetSettlementPrices(prices map[types.InstrumentID]decimal.Decimal) {
	copied := make(map[types.InstrumentID]decimal.Decimal, len(prices))
	for id, p := range prices {
		copied[id] = p
	}
	c.settlementMu.Lock()
	c.settlementPrices = copied
	c.settlementMu.Unlock()

	for id, p := range copied {
		seqNum := c.seq.Next()
		c.bus.Publish(notification.Event{
			Record: record.Record{
				Kind:          record.KindSettlementPriceSet,
				Sequence:      seqNum,
				TimestampNano: c.clock.NowNanos(),
				InstrumentID:  id,
				Payload: record.EncodeSettlementPriceSet(record.SettlementPriceSetBody{
					Instrument: id,
					Price:      p,
				}),
			},
		})
	}
}

// RunDailySettlement marks every account to the stored settlement prices,
// rolls today volumes into history, force-closes every account at or above
// the configured force-liquidation threshold, and publishes the settlement
// summary plus each settled account's snapshot.
func (c *Coordinator) RunDailySettlement() (account.SettlementResult, error) {
	c.settlementMu.Lock()
	prices := c.settlementPrices
	c.settlementPrices = nil
	c.settlementMu.Unlock()

	if len(prices) == 0 {
		return account.SettlementResult{}, xerrors.New(xerrors.KindValidation, "",
			"no settlement prices set")
	}
	if c.limits.ForceLiquidationRiskRatio.Sign() <= 0 {
		return account.SettlementResult{}, xerrors.New(xerrors.KindValidation, "",
			"force-liquidation risk ratio not configured")
	}

	res, err := c.registry.accounts.RunDailySettlement(prices, c.registry.Instruments(), c.limits.ForceLiquidationRiskRatio)
	if err != nil {
		return res, err
	}

	seqNum := c.seq.Next()
	c.bus.Publish(notification.Event{
		Record: record.Record{
			Kind:          record.KindDailySettlement,
			Sequence:      seqNum,
			TimestampNano: c.clock.NowNanos(),
			Payload: record.EncodeDailySettlement(record.DailySettlementBody{
				AccountsProcessed:  uint32(res.AccountsProcessed),
				AccountsLiquidated: uint32(res.AccountsLiquidated),
			}),
		},
	})

	for _, acct := range c.registry.accounts.All() {
		seqNum := c.seq.Next()
		c.bus.Publish(notification.Event{
			Account: acct.ID(),
			Record: record.Record{
				Kind:          record.KindAccountUpdate,
				Sequence:      seqNum,
				TimestampNano: c.clock.NowNanos(),
				Payload:       record.EncodeAccountUpdate(snapshotToBody(acct.Snapshot())),
			},
		})
	}
	return res, nil
}
