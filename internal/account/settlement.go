// settlement.go implements the daily settlement sweep: mark every position
// to its settlement price, roll today volumes into history, recompute each
// account's risk ratio, and force-close every account at or above the
// configured force-liquidation threshold.
package account

import (
	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// LiquidationEvent records one account's forced closure, for notification
// and WAL archival.
type LiquidationEvent struct {
	Account    types.AccountID
	Realized   decimal.Decimal
	ClosedQty  decimal.Decimal
}

// ForceClose synthesizes closing orders against every position at the
// supplied settlement prices and applies them directly (no resting order,
// no matching-engine round trip — a settlement-driven administrative
// action). Returns the liquidation event recording
// total realized PnL and quantity closed.
func (a *Account) ForceClose(prices map[types.InstrumentID]decimal.Decimal, instruments map[types.InstrumentID]types.Instrument) (LiquidationEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev := LiquidationEvent{Account: a.id}

	for instrID, pos := range a.positions {
		price, ok := prices[instrID]
		if !ok {
			continue
		}
		instr, ok := instruments[instrID]
		if !ok {
			return ev, xerrors.New(xerrors.KindValidation, "", "no instrument metadata for forced close")
		}

		longQty := pos.LongTotal()
		if longQty.Sign() > 0 {
			pnl := realizedPnL(true, pos.OpenPriceLong, price, longQty, instr.Multiplier)
			a.occupiedMargin = a.occupiedMargin.Sub(pos.OpenPriceLong.Mul(longQty).Mul(instr.Multiplier).Mul(instr.MarginRate))
			pos.LongToday, pos.LongHistory = decimal.Zero, decimal.Zero
			pos.FrozenLongToday, pos.FrozenLongHistory = decimal.Zero, decimal.Zero
			a.cumCloseProfit = a.cumCloseProfit.Add(pnl)
			a.balance = a.balance.Add(pnl)
			ev.Realized = ev.Realized.Add(pnl)
			ev.ClosedQty = ev.ClosedQty.Add(longQty)
		}

		shortQty := pos.ShortTotal()
		if shortQty.Sign() > 0 {
			pnl := realizedPnL(false, pos.OpenPriceShort, price, shortQty, instr.Multiplier)
			a.occupiedMargin = a.occupiedMargin.Sub(pos.OpenPriceShort.Mul(shortQty).Mul(instr.Multiplier).Mul(instr.MarginRate))
			pos.ShortToday, pos.ShortHistory = decimal.Zero, decimal.Zero
			pos.FrozenShortToday, pos.FrozenShortHistory = decimal.Zero, decimal.Zero
			a.cumCloseProfit = a.cumCloseProfit.Add(pnl)
			a.balance = a.balance.Add(pnl)
			ev.Realized = ev.Realized.Add(pnl)
			ev.ClosedQty = ev.ClosedQty.Add(shortQty)
		}
	}

	if a.occupiedMargin.Sign() < 0 {
		a.occupiedMargin = decimal.Zero
	}
	return ev, nil
}

// SettlementResult summarizes one RunDailySettlement sweep.
type SettlementResult struct {
	AccountsProcessed  int
	AccountsLiquidated int
	Liquidations       []LiquidationEvent
}

// RunDailySettlement marks every account's positions to the supplied
// settlement prices, rolls today-volumes into history-volumes, recomputes
// risk_ratio, and force-closes every account at or above
// forceLiquidationRiskRatio.
func (m *Manager) RunDailySettlement(
	prices map[types.InstrumentID]decimal.Decimal,
	instruments map[types.InstrumentID]types.Instrument,
	forceLiquidationRiskRatio decimal.Decimal,
) (SettlementResult, error) {
	var res SettlementResult

	for _, acct := range m.All() {
		res.AccountsProcessed++

		acct.mu.Lock()
		for instrID, pos := range acct.positions {
			price, havePrice := prices[instrID]
			if havePrice {
				instr, ok := instruments[instrID]
				if !ok {
					acct.mu.Unlock()
					return res, xerrors.New(xerrors.KindValidation, "", "no instrument metadata for settlement")
				}
				// Mark to the settlement price: the day's float settles
				// into cash and the open price resets, so tomorrow's PnL
				// accrues from the settlement price onward.
				longQty := pos.LongTotal()
				if longQty.Sign() > 0 {
					delta := realizedPnL(true, pos.OpenPriceLong, price, longQty, instr.Multiplier)
					acct.balance = acct.balance.Add(delta)
					acct.cumCloseProfit = acct.cumCloseProfit.Add(delta)
					pos.OpenPriceLong = price
				}
				shortQty := pos.ShortTotal()
				if shortQty.Sign() > 0 {
					delta := realizedPnL(false, pos.OpenPriceShort, price, shortQty, instr.Multiplier)
					acct.balance = acct.balance.Add(delta)
					acct.cumCloseProfit = acct.cumCloseProfit.Add(delta)
					pos.OpenPriceShort = price
				}
			}
			rollToHistory(pos)
		}
		acct.recomputeOccupiedMarginLocked(prices, instruments)
		overThreshold := acct.riskRatioLocked().GreaterThanOrEqual(forceLiquidationRiskRatio)
		acct.mu.Unlock()

		if overThreshold {
			ev, err := acct.ForceClose(prices, instruments)
			if err != nil {
				return res, err
			}
			res.AccountsLiquidated++
			res.Liquidations = append(res.Liquidations, ev)
		}
	}
	return res, nil
}

// recomputeOccupiedMarginLocked recomputes occupied margin from current
// position volumes at their open prices — called after settlement has reset
// the open prices of marked instruments to the settlement price and rolled
// today into history, so margin is re-backed at the settlement price.
// Caller must hold a.mu.
func (a *Account) recomputeOccupiedMarginLocked(_ map[types.InstrumentID]decimal.Decimal, instruments map[types.InstrumentID]types.Instrument) {
	total := decimal.Zero
	for instrID, pos := range a.positions {
		instr, ok := instruments[instrID]
		if !ok {
			continue
		}
		total = total.Add(pos.OpenPriceLong.Mul(pos.LongTotal()).Mul(instr.Multiplier).Mul(instr.MarginRate))
		total = total.Add(pos.OpenPriceShort.Mul(pos.ShortTotal()).Mul(instr.Multiplier).Mul(instr.MarginRate))
	}
	a.occupiedMargin = total
}
