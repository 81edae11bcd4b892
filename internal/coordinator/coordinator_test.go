package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/account"
	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/matching"
	"github.com/exchange-core/matching-core/internal/notification"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

func testSetup(t *testing.T) (*Coordinator, *Registry) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	accounts := account.NewManager(clk)
	me := matching.NewEngine(clk)
	reg := NewRegistry(accounts, me)

	instr := types.Instrument{
		ID:             "IF2603",
		Multiplier:     decimal.NewFromInt(300),
		MarginRate:     decimal.NewFromFloat(0.1),
		CommissionRate: decimal.NewFromFloat(0.0001),
		State:          types.InstrumentTrading,
	}
	if err := reg.RegisterInstrument(instr); err != nil {
		t.Fatalf("RegisterInstrument: %v", err)
	}
	if err := accounts.OpenAccount("maker", decimal.NewFromInt(1000000)); err != nil {
		t.Fatalf("OpenAccount maker: %v", err)
	}
	if err := accounts.OpenAccount("taker", decimal.NewFromInt(1000000)); err != nil {
		t.Fatalf("OpenAccount taker: %v", err)
	}

	bus := notification.New(nil)
	c := New(reg, bus, clk, Limits{
		MaxOpenOrdersPerAccount:   10,
		RiskRatioCap:              decimal.NewFromFloat(0.95),
		ForceLiquidationRiskRatio: decimal.NewFromFloat(1.0),
	}, 1000, 1000)
	return c, reg
}

func TestSubmitOrderMatchesAndAppliesFills(t *testing.T) {
	c, reg := testSetup(t)

	makerRes, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.SellOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("maker SubmitOrder: %v", err)
	}
	if makerRes.Status != types.OrderAlive {
		t.Fatalf("maker Status = %v, want Alive", makerRes.Status)
	}

	takerRes, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("taker SubmitOrder: %v", err)
	}
	if takerRes.Status != types.OrderFilled {
		t.Fatalf("taker Status = %v, want Filled", takerRes.Status)
	}
	if len(takerRes.Trades) != 1 {
		t.Fatalf("Trades = %d, want 1", len(takerRes.Trades))
	}

	makerAcct, _ := reg.Account("maker")
	takerAcct, _ := reg.Account("taker")

	makerPos := makerAcct.Position("IF2603")
	if !makerPos.ShortTotal().Equal(decimal.NewFromInt(2)) {
		t.Fatalf("maker ShortTotal = %s, want 2", makerPos.ShortTotal())
	}
	takerPos := takerAcct.Position("IF2603")
	if !takerPos.LongTotal().Equal(decimal.NewFromInt(2)) {
		t.Fatalf("taker LongTotal = %s, want 2", takerPos.LongTotal())
	}
}

func TestSubmitOrderRejectsUntradedInstrument(t *testing.T) {
	c, _ := testSetup(t)
	_, err := c.SubmitOrder(context.Background(), "maker", "UNKNOWN", types.BuyOpen, types.OrderLimit, false, decimal.NewFromInt(1), decimal.NewFromInt(1))
	if err == nil {
		t.Fatal("expected error for unregistered instrument")
	}
}

func TestSubmitOrderSelfTradePrevention(t *testing.T) {
	c, _ := testSetup(t)
	_, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.SellOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("SubmitOrder rest: %v", err)
	}
	_, err = c.SubmitOrder(context.Background(), "maker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1))
	if err == nil {
		t.Fatal("expected self-trade rejection")
	}
}

func TestCancelOrderRoundTrip(t *testing.T) {
	c, reg := testSetup(t)
	res, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if err := c.CancelOrder("maker", res.Order.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	acct, _ := reg.Account("maker")
	o, ok := acct.OrderByID(res.Order.OrderID)
	if !ok || o.Status != types.OrderCancelled {
		t.Fatalf("order status after cancel = %+v", o)
	}
}

func TestDelistInstrumentBlockedByOpenPositions(t *testing.T) {
	c, reg := testSetup(t)

	if _, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.SellOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("maker SubmitOrder: %v", err)
	}
	if _, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("taker SubmitOrder: %v", err)
	}

	if err := reg.DelistInstrument("IF2603"); err == nil {
		t.Fatal("expected delist to fail while positions are open")
	}

	if err := reg.SuspendInstrument("IF2603"); err != nil {
		t.Fatalf("SuspendInstrument: %v", err)
	}
	if _, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1)); err == nil {
		t.Fatal("expected rejection on a suspended instrument")
	}
	if err := reg.ResumeInstrument("IF2603"); err != nil {
		t.Fatalf("ResumeInstrument: %v", err)
	}
}

func TestSubmitOrderExpiredDeadline(t *testing.T) {
	c, reg := testSetup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SubmitOrder(ctx, "maker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(1))
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("err = %v, want Timeout", err)
	}

	acct, _ := reg.Account("maker")
	if len(acct.Orders()) != 0 {
		t.Fatal("expired submission must not leave an order behind")
	}
}

func TestSubmitOrderPostOnlyRejectUnwindsMargin(t *testing.T) {
	c, reg := testSetup(t)

	if _, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.SellOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("maker SubmitOrder: %v", err)
	}

	_, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderLimit, true,
		decimal.NewFromInt(4000), decimal.NewFromInt(2))
	if xerrors.CodeOf(err) != xerrors.CodeOrderRejected {
		t.Fatalf("err = %v, want OrderRejected", err)
	}

	taker, _ := reg.Account("taker")
	snap := taker.Snapshot()
	if !snap.FrozenMargin.Equal(decimal.Zero) {
		t.Fatalf("FrozenMargin = %s, want 0 after post-only reject", snap.FrozenMargin)
	}
	for _, o := range taker.Orders() {
		if !o.Status.Terminal() {
			t.Fatalf("order %s left non-terminal (%v) after reject", o.OrderID, o.Status)
		}
	}
}

func TestSubmitMarketOrderNoLiquidityUnwinds(t *testing.T) {
	c, reg := testSetup(t)

	_, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderMarket, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2))
	if xerrors.CodeOf(err) != xerrors.CodeOrderRejected {
		t.Fatalf("err = %v, want OrderRejected on an empty book", err)
	}

	taker, _ := reg.Account("taker")
	if !taker.Snapshot().FrozenMargin.Equal(decimal.Zero) {
		t.Fatalf("FrozenMargin = %s, want 0", taker.Snapshot().FrozenMargin)
	}
}

func TestSubmitMarketOrderCancelsUnfilledRemainder(t *testing.T) {
	c, reg := testSetup(t)

	if _, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.SellOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("maker SubmitOrder: %v", err)
	}

	res, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderMarket, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("taker SubmitOrder: %v", err)
	}
	if res.Status != types.OrderCancelled {
		t.Fatalf("Status = %v, want Cancelled after remainder drop", res.Status)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Volume.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("Trades = %v, want one fill of 2", res.Trades)
	}

	taker, _ := reg.Account("taker")
	snap := taker.Snapshot()
	if !snap.FrozenMargin.Equal(decimal.Zero) {
		t.Fatalf("FrozenMargin = %s, want 0 after remainder cancel", snap.FrozenMargin)
	}
	pos := taker.Position("IF2603")
	if !pos.LongTotal().Equal(decimal.NewFromInt(2)) {
		t.Fatalf("LongTotal = %s, want 2", pos.LongTotal())
	}
	o, _ := taker.OrderByID(res.Order.OrderID)
	if o.Status != types.OrderCancelled {
		t.Fatalf("account order status = %v, want Cancelled", o.Status)
	}
}

func TestRunDailySettlementMarksAndPublishes(t *testing.T) {
	c, reg := testSetup(t)

	if _, err := c.SubmitOrder(context.Background(), "maker", "IF2603", types.SellOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("maker SubmitOrder: %v", err)
	}
	if _, err := c.SubmitOrder(context.Background(), "taker", "IF2603", types.BuyOpen, types.OrderLimit, false,
		decimal.NewFromInt(4000), decimal.NewFromInt(2)); err != nil {
		t.Fatalf("taker SubmitOrder: %v", err)
	}

	maker, _ := reg.Account("maker")
	taker, _ := reg.Account("taker")
	makerBefore := maker.Snapshot().Balance
	takerBefore := taker.Snapshot().Balance

	if _, err := c.RunDailySettlement(); err == nil {
		t.Fatal("expected error with no settlement prices set")
	}

	c.SetSettlementPrices(map[types.InstrumentID]decimal.Decimal{
		"IF2603": decimal.NewFromInt(4100),
	})
	res, err := c.RunDailySettlement()
	if err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}
	if res.AccountsProcessed != 2 || res.AccountsLiquidated != 0 {
		t.Fatalf("result = %+v, want 2 processed, 0 liquidated", res)
	}

	// (4100-4000) * 2 * 300 marked into cash, long gains, short loses.
	delta := decimal.NewFromInt(100).Mul(decimal.NewFromInt(2)).Mul(decimal.NewFromInt(300))
	if !taker.Snapshot().Balance.Equal(takerBefore.Add(delta)) {
		t.Fatalf("taker balance = %s, want %s", taker.Snapshot().Balance, takerBefore.Add(delta))
	}
	if !maker.Snapshot().Balance.Equal(makerBefore.Sub(delta)) {
		t.Fatalf("maker balance = %s, want %s", maker.Snapshot().Balance, makerBefore.Sub(delta))
	}

	takerPos := taker.Position("IF2603")
	if !takerPos.LongHistory.Equal(decimal.NewFromInt(2)) || !takerPos.LongToday.IsZero() {
		t.Fatalf("taker position after roll = %+v, want all history", takerPos)
	}
	if !takerPos.OpenPriceLong.Equal(decimal.NewFromInt(4100)) {
		t.Fatalf("taker OpenPriceLong = %s, want settlement price 4100", takerPos.OpenPriceLong)
	}

	// Prices are consumed by the run; a second sweep needs a fresh set.
	if _, err := c.RunDailySettlement(); err == nil {
		t.Fatal("expected error after prices were consumed")
	}
}
