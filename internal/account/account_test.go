package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

func testInstrument() types.Instrument {
	return types.Instrument{
		ID:         "IF2603",
		Multiplier: decimal.NewFromInt(300),
		TickSize:   decimal.NewFromFloat(0.2),
		MarginRate: decimal.NewFromFloat(0.1),
		State:      types.InstrumentTrading,
	}
}

func TestSendOrderOpenFreezesMargin(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := New("acct-1", decimal.NewFromInt(1_000_000), clk)
	instr := testInstrument()

	order, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder: %v", err)
	}
	wantMargin := decimal.NewFromInt(4000).Mul(decimal.NewFromInt(1)).Mul(instr.Multiplier).Mul(instr.MarginRate)
	if !order.FrozenMargin.Equal(wantMargin) {
		t.Fatalf("FrozenMargin = %s, want %s", order.FrozenMargin, wantMargin)
	}

	snap := a.Snapshot()
	if !snap.FrozenMargin.Equal(wantMargin) {
		t.Fatalf("account FrozenMargin = %s, want %s", snap.FrozenMargin, wantMargin)
	}
	if !snap.Available.Equal(snap.Balance.Sub(wantMargin)) {
		t.Fatalf("available invariant violated: %s != %s - %s", snap.Available, snap.Balance, wantMargin)
	}
}

func TestSendOrderOpenInsufficientFunds(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := New("acct-1", decimal.NewFromInt(100), clk)
	instr := testInstrument()

	_, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1), clk.Now())
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("err = %v, want CodeInsufficientFunds", err)
	}
}

func TestReceiveDealSimOpenThenClose(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := New("acct-1", decimal.NewFromInt(1_000_000), clk)
	instr := testInstrument()

	openOrder, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder open: %v", err)
	}
	if err := a.OnOrderConfirm(openOrder.OrderID, "EX_1_IF2603_B"); err != nil {
		t.Fatalf("OnOrderConfirm: %v", err)
	}
	if err := a.ReceiveDealSim(openOrder.OrderID, instr, decimal.NewFromInt(4000), decimal.NewFromInt(2), decimal.NewFromInt(10)); err != nil {
		t.Fatalf("ReceiveDealSim open: %v", err)
	}

	pos := a.Position(instr.ID)
	if !pos.LongToday.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("LongToday = %s, want 2", pos.LongToday)
	}
	if !pos.OpenPriceLong.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("OpenPriceLong = %s, want 4000", pos.OpenPriceLong)
	}

	closeOrder, err := a.SendOrder(instr, types.SellClose, types.OrderLimit, false,
		decimal.NewFromInt(4100), decimal.NewFromInt(2), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder close: %v", err)
	}
	if err := a.OnOrderConfirm(closeOrder.OrderID, "EX_2_IF2603_S"); err != nil {
		t.Fatalf("OnOrderConfirm close: %v", err)
	}
	if err := a.ReceiveDealSim(closeOrder.OrderID, instr, decimal.NewFromInt(4100), decimal.NewFromInt(2), decimal.NewFromInt(10)); err != nil {
		t.Fatalf("ReceiveDealSim close: %v", err)
	}

	snap := a.Snapshot()
	wantPnL := decimal.NewFromInt(100).Mul(decimal.NewFromInt(2)).Mul(instr.Multiplier)
	wantBalance := decimal.NewFromInt(1_000_000).Add(wantPnL).Sub(decimal.NewFromInt(20))
	if !snap.Balance.Equal(wantBalance) {
		t.Fatalf("Balance = %s, want %s", snap.Balance, wantBalance)
	}
	if !snap.OccupiedMargin.Equal(decimal.Zero) {
		t.Fatalf("OccupiedMargin = %s, want 0 after full close", snap.OccupiedMargin)
	}

	pos = a.Position(instr.ID)
	if !pos.LongTotal().Equal(decimal.Zero) {
		t.Fatalf("LongTotal = %s, want 0 after full close", pos.LongTotal())
	}
}

func TestSendOrderCloseInsufficientPosition(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := New("acct-1", decimal.NewFromInt(100000), clk)
	instr := testInstrument()

	_, err := a.SendOrder(instr, types.SellClose, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1), clk.Now())
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientPosition {
		t.Fatalf("err = %v, want CodeInsufficientPosition", err)
	}
}

func TestCancelOrderUnfreezesMargin(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := New("acct-1", decimal.NewFromInt(1_000_000), clk)
	instr := testInstrument()

	order, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder: %v", err)
	}
	if err := a.OnOrderConfirm(order.OrderID, "EX_1_IF2603_B"); err != nil {
		t.Fatalf("OnOrderConfirm: %v", err)
	}
	if err := a.CancelOrder(order.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	snap := a.Snapshot()
	if !snap.FrozenMargin.Equal(decimal.Zero) {
		t.Fatalf("FrozenMargin = %s, want 0 after cancel", snap.FrozenMargin)
	}
	if !snap.Available.Equal(snap.Balance) {
		t.Fatalf("Available = %s, want Balance %s after cancel", snap.Available, snap.Balance)
	}
}

func TestOpenAccountRejectsDuplicate(t *testing.T) {
	m := NewManager(clock.NewFake(time.Unix(0, 0)))
	if err := m.OpenAccount("acct-1", decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	err := m.OpenAccount("acct-1", decimal.NewFromInt(1000))
	if xerrors.CodeOf(err) != xerrors.CodeAccountExists {
		t.Fatalf("err = %v, want CodeAccountExists", err)
	}
}

func TestForceCloseLiquidatesAtSettlementPrice(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	a := New("acct-1", decimal.NewFromInt(1_000_000), clk)
	instr := testInstrument()

	order, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder: %v", err)
	}
	if err := a.OnOrderConfirm(order.OrderID, "EX_1_IF2603_B"); err != nil {
		t.Fatalf("OnOrderConfirm: %v", err)
	}
	if err := a.ReceiveDealSim(order.OrderID, instr, decimal.NewFromInt(4000), decimal.NewFromInt(1), decimal.Zero); err != nil {
		t.Fatalf("ReceiveDealSim: %v", err)
	}

	prices := map[types.InstrumentID]decimal.Decimal{instr.ID: decimal.NewFromInt(3000)}
	instruments := map[types.InstrumentID]types.Instrument{instr.ID: instr}
	ev, err := a.ForceClose(prices, instruments)
	if err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	wantLoss := decimal.NewFromInt(-1000).Mul(instr.Multiplier)
	if !ev.Realized.Equal(wantLoss) {
		t.Fatalf("Realized = %s, want %s", ev.Realized, wantLoss)
	}

	pos := a.Position(instr.ID)
	if !pos.LongTotal().Equal(decimal.Zero) {
		t.Fatalf("LongTotal = %s, want 0 after force close", pos.LongTotal())
	}
}

func TestRunDailySettlementMarksToSettlementPrice(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(clk)
	if err := m.OpenAccount("acct-1", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	a, _ := m.Get("acct-1")
	instr := testInstrument()

	order, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder: %v", err)
	}
	if err := a.OnOrderConfirm(order.OrderID, "EX_1_IF2603_B"); err != nil {
		t.Fatalf("OnOrderConfirm: %v", err)
	}
	if err := a.ReceiveDealSim(order.OrderID, instr, decimal.NewFromInt(4000), decimal.NewFromInt(1), decimal.Zero); err != nil {
		t.Fatalf("ReceiveDealSim: %v", err)
	}

	prices := map[types.InstrumentID]decimal.Decimal{instr.ID: decimal.NewFromInt(3800)}
	instruments := map[types.InstrumentID]types.Instrument{instr.ID: instr}
	res, err := m.RunDailySettlement(prices, instruments, decimal.NewFromFloat(1.0))
	if err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}
	if res.AccountsProcessed != 1 || res.AccountsLiquidated != 0 {
		t.Fatalf("result = %+v, want 1 processed, 0 liquidated", res)
	}

	// The day's float, (3800-4000)*1*300, settles into cash.
	wantBalance := decimal.NewFromInt(1_000_000).Sub(decimal.NewFromInt(200).Mul(instr.Multiplier))
	snap := a.Snapshot()
	if !snap.Balance.Equal(wantBalance) {
		t.Fatalf("Balance = %s, want %s", snap.Balance, wantBalance)
	}

	pos := a.Position(instr.ID)
	if !pos.OpenPriceLong.Equal(decimal.NewFromInt(3800)) {
		t.Fatalf("OpenPriceLong = %s, want settlement price 3800", pos.OpenPriceLong)
	}
	if !pos.LongHistory.Equal(decimal.NewFromInt(1)) || !pos.LongToday.IsZero() {
		t.Fatalf("position after roll = %+v, want all history", pos)
	}

	// Margin is re-backed at the settlement price.
	wantMargin := decimal.NewFromInt(3800).Mul(instr.Multiplier).Mul(instr.MarginRate)
	if !snap.OccupiedMargin.Equal(wantMargin) {
		t.Fatalf("OccupiedMargin = %s, want %s", snap.OccupiedMargin, wantMargin)
	}
}

func TestOpenAfterSettlementRollBlendsOpenPrice(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(clk)
	if err := m.OpenAccount("acct-1", decimal.NewFromInt(10_000_000)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	a, _ := m.Get("acct-1")
	instr := testInstrument()

	first, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(10), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder first: %v", err)
	}
	if err := a.OnOrderConfirm(first.OrderID, "EX_1_IF2603_B"); err != nil {
		t.Fatalf("OnOrderConfirm first: %v", err)
	}
	if err := a.ReceiveDealSim(first.OrderID, instr, decimal.NewFromInt(4000), decimal.NewFromInt(10), decimal.Zero); err != nil {
		t.Fatalf("ReceiveDealSim first: %v", err)
	}

	// Settle flat so the roll happens with no cash delta.
	prices := map[types.InstrumentID]decimal.Decimal{instr.ID: decimal.NewFromInt(4000)}
	instruments := map[types.InstrumentID]types.Instrument{instr.ID: instr}
	if _, err := m.RunDailySettlement(prices, instruments, decimal.NewFromFloat(1.0)); err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}

	second, err := a.SendOrder(instr, types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4300), decimal.NewFromInt(5), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder second: %v", err)
	}
	if err := a.OnOrderConfirm(second.OrderID, "EX_2_IF2603_B"); err != nil {
		t.Fatalf("OnOrderConfirm second: %v", err)
	}
	if err := a.ReceiveDealSim(second.OrderID, instr, decimal.NewFromInt(4300), decimal.NewFromInt(5), decimal.Zero); err != nil {
		t.Fatalf("ReceiveDealSim second: %v", err)
	}

	// (4000*10 + 4300*5) / 15: the history volume keeps its weight.
	pos := a.Position(instr.ID)
	if !pos.OpenPriceLong.Equal(decimal.NewFromInt(4100)) {
		t.Fatalf("OpenPriceLong = %s, want blended 4100", pos.OpenPriceLong)
	}
	if !pos.LongHistory.Equal(decimal.NewFromInt(10)) || !pos.LongToday.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("position = %+v, want history 10 + today 5", pos)
	}

	// Closing the whole side at the blended price realizes exactly zero.
	closeOrder, err := a.SendOrder(instr, types.SellClose, types.OrderLimit, false,
		decimal.NewFromInt(4100), decimal.NewFromInt(15), clk.Now())
	if err != nil {
		t.Fatalf("SendOrder close: %v", err)
	}
	if err := a.OnOrderConfirm(closeOrder.OrderID, "EX_3_IF2603_S"); err != nil {
		t.Fatalf("OnOrderConfirm close: %v", err)
	}
	if err := a.ReceiveDealSim(closeOrder.OrderID, instr, decimal.NewFromInt(4100), decimal.NewFromInt(15), decimal.Zero); err != nil {
		t.Fatalf("ReceiveDealSim close: %v", err)
	}
	snap := a.Snapshot()
	if !snap.Balance.Equal(decimal.NewFromInt(10_000_000)) {
		t.Fatalf("Balance = %s, want the original 10000000 after a flat round trip", snap.Balance)
	}
}
