package record

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/pkg/types"
)

func TestRecordEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	body := EncodeOrderInsert(OrderInsertBody{
		OrderID:    types.NewOrderID(),
		Account:    "acct-1",
		Instrument: "IF2512",
		Towards:    types.BuyOpen,
		Kind:       types.OrderLimit,
		Price:      decimal.NewFromFloat(3801.2),
		Volume:     decimal.NewFromInt(5),
	})

	in := Record{
		Kind:          KindOrderInsert,
		Sequence:      42,
		TimestampNano: 1_700_000_000_000_000_000,
		InstrumentID:  "IF2512",
		Payload:       body,
	}

	out, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Kind != in.Kind || out.Sequence != in.Sequence || out.TimestampNano != in.TimestampNano {
		t.Fatalf("envelope mismatch: got %+v want %+v", out, in)
	}
	if out.InstrumentID != in.InstrumentID {
		t.Fatalf("instrument mismatch: got %q want %q", out.InstrumentID, in.InstrumentID)
	}

	decodedBody, err := DecodeOrderInsert(out.Payload)
	if err != nil {
		t.Fatalf("DecodeOrderInsert: %v", err)
	}
	if decodedBody.Account != "acct-1" || decodedBody.Towards != types.BuyOpen {
		t.Fatalf("body mismatch: %+v", decodedBody)
	}
	if !decodedBody.Price.Equal(decimal.NewFromFloat(3801.2)) {
		t.Fatalf("price mismatch: got %s", decodedBody.Price)
	}
}

func TestRecordDecodeTruncated(t *testing.T) {
	t.Parallel()

	full := Record{Kind: KindTickData, Sequence: 1, TimestampNano: 1, InstrumentID: "X"}.Encode()
	for cut := 0; cut < len(full); cut++ {
		if _, err := Decode(full[:cut]); err == nil {
			t.Fatalf("expected error decoding truncated buffer of length %d", cut)
		}
	}
}

func TestKindCategoryMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Kind
		want types.RecordCategory
	}{
		{KindOrderInsert, types.CategoryTrading},
		{KindTradeExecuted, types.CategoryTrading},
		{KindAccountUpdate, types.CategoryAccount},
		{KindPositionUpdate, types.CategoryAccount},
		{KindTickData, types.CategoryMarketData},
		{KindOrderBookDelta, types.CategoryMarketData},
		{KindKLineFinished, types.CategoryKLine},
		{KindDailySettlement, types.CategorySystem},
	}
	for _, tc := range cases {
		if got := tc.kind.Category(); got != tc.want {
			t.Errorf("%s.Category() = %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestAccountUpdateRoundTrip(t *testing.T) {
	t.Parallel()

	body := AccountUpdateBody{
		Account:        "acct-9",
		Balance:        decimal.NewFromInt(100000),
		FrozenMargin:   decimal.NewFromInt(5000),
		OccupiedMargin: decimal.NewFromInt(2000),
		CumCommission:  decimal.NewFromFloat(12.5),
		CumCloseProfit: decimal.NewFromFloat(-300.25),
	}
	out, err := DecodeAccountUpdate(EncodeAccountUpdate(body))
	if err != nil {
		t.Fatalf("DecodeAccountUpdate: %v", err)
	}
	if out.Account != body.Account ||
		!out.Balance.Equal(body.Balance) ||
		!out.FrozenMargin.Equal(body.FrozenMargin) ||
		!out.OccupiedMargin.Equal(body.OccupiedMargin) ||
		!out.CumCommission.Equal(body.CumCommission) ||
		!out.CumCloseProfit.Equal(body.CumCloseProfit) {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, body)
	}
}

func TestOrderBookSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	snap := OrderBookSnapshotBody{
		Instrument: "IF2512",
		Bids: []PriceLevelEntry{
			{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(3)},
			{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(7)},
		},
		Asks: []PriceLevelEntry{
			{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(2)},
		},
	}
	out, err := DecodeOrderBookSnapshot(EncodeOrderBookSnapshot(snap))
	if err != nil {
		t.Fatalf("DecodeOrderBookSnapshot: %v", err)
	}
	if len(out.Bids) != 2 || len(out.Asks) != 1 {
		t.Fatalf("level count mismatch: %+v", out)
	}
	if !out.Bids[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("bid price mismatch: %s", out.Bids[0].Price)
	}
}
