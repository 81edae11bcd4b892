package record

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/pkg/types"
)

// Kind tags a WAL record variant.
type Kind uint8

const (
	KindOrderInsert Kind = iota
	KindOrderUpdate
	KindTradeExecuted
	KindAccountOpen
	KindAccountUpdate
	KindPositionUpdate
	KindTickData
	KindOrderBookSnapshot
	KindOrderBookDelta
	KindKLineFinished
	// Administrative variants.
	KindInstrumentRegistered
	KindInstrumentSuspended
	KindInstrumentResumed
	KindInstrumentDelisted
	KindSettlementPriceSet
	KindDailySettlement
)

func (k Kind) String() string {
	names := [...]string{
		"OrderInsert", "OrderUpdate", "TradeExecuted", "AccountOpen",
		"AccountUpdate", "PositionUpdate", "TickData", "OrderBookSnapshot",
		"OrderBookDelta", "KLineFinished", "InstrumentRegistered",
		"InstrumentSuspended", "InstrumentResumed", "InstrumentDelisted",
		"SettlementPriceSet", "DailySettlement",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Category maps a Kind to its compression-policy category.
func (k Kind) Category() types.RecordCategory {
	switch k {
	case KindAccountOpen, KindAccountUpdate, KindPositionUpdate:
		return types.CategoryAccount
	case KindTickData, KindOrderBookSnapshot, KindOrderBookDelta:
		return types.CategoryMarketData
	case KindKLineFinished:
		return types.CategoryKLine
	case KindOrderInsert, KindOrderUpdate, KindTradeExecuted:
		return types.CategoryTrading
	case KindInstrumentRegistered, KindInstrumentSuspended, KindInstrumentResumed,
		KindInstrumentDelisted, KindSettlementPriceSet, KindDailySettlement:
		return types.CategorySystem
	default:
		return types.CategorySystem
	}
}

// Record is the envelope every WalRecord variant shares: a Master-assigned
// monotonic Sequence, a nanosecond Timestamp, a Kind tag, an optional
// InstrumentID (empty for account-scoped or cluster-scoped records), and an
// opaque per-kind Payload produced by the Encode* functions below.
type Record struct {
	Kind          Kind
	Sequence      uint64
	TimestampNano int64
	InstrumentID  types.InstrumentID
	Payload       []byte
}

// Encode serializes the full record envelope (header + payload) into the
// fixed archival layout that the WAL writes as the "bytes" portion of
// [u32 length][u32 crc32][bytes].
func (r Record) Encode() []byte {
	w := newWriter()
	w.u8(uint8(r.Kind))
	w.u64(r.Sequence)
	w.i64(r.TimestampNano)
	w.str(string(r.InstrumentID))
	w.bytes(r.Payload)
	return w.buf
}

// Decode parses a Record envelope from buf. The returned Payload references
// buf directly (no copy) — callers that retain a Record beyond the lifetime
// of a memory-mapped SSTable block must copy Payload themselves.
func Decode(buf []byte) (Record, error) {
	r := newReader(buf)
	kindByte, err := r.u8()
	if err != nil {
		return Record{}, fmt.Errorf("record: decode kind: %w", err)
	}
	seq, err := r.u64()
	if err != nil {
		return Record{}, fmt.Errorf("record: decode sequence: %w", err)
	}
	ts, err := r.i64()
	if err != nil {
		return Record{}, fmt.Errorf("record: decode timestamp: %w", err)
	}
	instr, err := r.str()
	if err != nil {
		return Record{}, fmt.Errorf("record: decode instrument: %w", err)
	}
	payload, err := r.bytesRef()
	if err != nil {
		return Record{}, fmt.Errorf("record: decode payload: %w", err)
	}
	return Record{
		Kind:          Kind(kindByte),
		Sequence:      seq,
		TimestampNano: ts,
		InstrumentID:  types.InstrumentID(instr),
		Payload:       payload,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order / trade bodies
// ————————————————————————————————————————————————————————————————————————

// OrderInsertBody is the payload of a KindOrderInsert record.
type OrderInsertBody struct {
	OrderID    types.OrderID
	Account    types.AccountID
	Instrument types.InstrumentID
	Towards    types.Towards
	Kind       types.OrderKind
	Price      decimal.Decimal
	Volume     decimal.Decimal
}

func EncodeOrderInsert(b OrderInsertBody) []byte {
	w := newWriter()
	w.bytes(b.OrderID[:])
	w.str(string(b.Account))
	w.str(string(b.Instrument))
	w.u8(uint8(int8(b.Towards)))
	w.u8(uint8(b.Kind))
	w.decimal(b.Price)
	w.decimal(b.Volume)
	return w.buf
}

func DecodeOrderInsert(buf []byte) (OrderInsertBody, error) {
	r := newReader(buf)
	var b OrderInsertBody
	idBytes, err := r.bytesRef()
	if err != nil {
		return b, err
	}
	copy(b.OrderID[:], idBytes)
	acct, err := r.str()
	if err != nil {
		return b, err
	}
	b.Account = types.AccountID(acct)
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	tw, err := r.u8()
	if err != nil {
		return b, err
	}
	b.Towards = types.Towards(int8(tw))
	k, err := r.u8()
	if err != nil {
		return b, err
	}
	b.Kind = types.OrderKind(k)
	b.Price, err = r.decimalVal()
	if err != nil {
		return b, err
	}
	b.Volume, err = r.decimalVal()
	return b, err
}

// OrderUpdateBody is the payload of a KindOrderUpdate record.
type OrderUpdateBody struct {
	OrderID         types.OrderID
	ExchangeOrderID types.ExchangeOrderID
	Status          types.OrderStatus
	FilledVolume    decimal.Decimal
}

func EncodeOrderUpdate(b OrderUpdateBody) []byte {
	w := newWriter()
	w.bytes(b.OrderID[:])
	w.str(string(b.ExchangeOrderID))
	w.u8(uint8(b.Status))
	w.decimal(b.FilledVolume)
	return w.buf
}

func DecodeOrderUpdate(buf []byte) (OrderUpdateBody, error) {
	r := newReader(buf)
	var b OrderUpdateBody
	idBytes, err := r.bytesRef()
	if err != nil {
		return b, err
	}
	copy(b.OrderID[:], idBytes)
	exID, err := r.str()
	if err != nil {
		return b, err
	}
	b.ExchangeOrderID = types.ExchangeOrderID(exID)
	st, err := r.u8()
	if err != nil {
		return b, err
	}
	b.Status = types.OrderStatus(st)
	b.FilledVolume, err = r.decimalVal()
	return b, err
}

// TradeExecutedBody is the payload of a KindTradeExecuted record.
type TradeExecutedBody struct {
	TradeID     uint64
	Instrument  types.InstrumentID
	BuyOrderID  types.OrderID
	SellOrderID types.OrderID
	Price       decimal.Decimal
	Volume      decimal.Decimal
}

func EncodeTradeExecuted(b TradeExecutedBody) []byte {
	w := newWriter()
	w.u64(b.TradeID)
	w.str(string(b.Instrument))
	w.bytes(b.BuyOrderID[:])
	w.bytes(b.SellOrderID[:])
	w.decimal(b.Price)
	w.decimal(b.Volume)
	return w.buf
}

func DecodeTradeExecuted(buf []byte) (TradeExecutedBody, error) {
	r := newReader(buf)
	var b TradeExecutedBody
	var err error
	b.TradeID, err = r.u64()
	if err != nil {
		return b, err
	}
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	buyID, err := r.bytesRef()
	if err != nil {
		return b, err
	}
	copy(b.BuyOrderID[:], buyID)
	sellID, err := r.bytesRef()
	if err != nil {
		return b, err
	}
	copy(b.SellOrderID[:], sellID)
	b.Price, err = r.decimalVal()
	if err != nil {
		return b, err
	}
	b.Volume, err = r.decimalVal()
	return b, err
}

// ————————————————————————————————————————————————————————————————————————
// Account / position bodies
// ————————————————————————————————————————————————————————————————————————

// AccountOpenBody is the payload of a KindAccountOpen record.
type AccountOpenBody struct {
	Account     types.AccountID
	InitialCash decimal.Decimal
}

func EncodeAccountOpen(b AccountOpenBody) []byte {
	w := newWriter()
	w.str(string(b.Account))
	w.decimal(b.InitialCash)
	return w.buf
}

func DecodeAccountOpen(buf []byte) (AccountOpenBody, error) {
	r := newReader(buf)
	var b AccountOpenBody
	acct, err := r.str()
	if err != nil {
		return b, err
	}
	b.Account = types.AccountID(acct)
	b.InitialCash, err = r.decimalVal()
	return b, err
}

// AccountUpdateBody is the payload of a KindAccountUpdate record — a full
// snapshot of the mutable account fields after one operation, sufficient for
// replay-equality verification against a live snapshot.
type AccountUpdateBody struct {
	Account          types.AccountID
	Balance          decimal.Decimal
	FrozenMargin     decimal.Decimal
	OccupiedMargin   decimal.Decimal
	CumCommission    decimal.Decimal
	CumCloseProfit   decimal.Decimal
}

func EncodeAccountUpdate(b AccountUpdateBody) []byte {
	w := newWriter()
	w.str(string(b.Account))
	w.decimal(b.Balance)
	w.decimal(b.FrozenMargin)
	w.decimal(b.OccupiedMargin)
	w.decimal(b.CumCommission)
	w.decimal(b.CumCloseProfit)
	return w.buf
}

func DecodeAccountUpdate(buf []byte) (AccountUpdateBody, error) {
	r := newReader(buf)
	var b AccountUpdateBody
	acct, err := r.str()
	if err != nil {
		return b, err
	}
	b.Account = types.AccountID(acct)
	if b.Balance, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.FrozenMargin, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.OccupiedMargin, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.CumCommission, err = r.decimalVal(); err != nil {
		return b, err
	}
	b.CumCloseProfit, err = r.decimalVal()
	return b, err
}

// PositionUpdateBody is the payload of a KindPositionUpdate record.
type PositionUpdateBody struct {
	Account      types.AccountID
	Instrument   types.InstrumentID
	LongToday    decimal.Decimal
	LongHistory  decimal.Decimal
	ShortToday   decimal.Decimal
	ShortHistory decimal.Decimal
}

func EncodePositionUpdate(b PositionUpdateBody) []byte {
	w := newWriter()
	w.str(string(b.Account))
	w.str(string(b.Instrument))
	w.decimal(b.LongToday)
	w.decimal(b.LongHistory)
	w.decimal(b.ShortToday)
	w.decimal(b.ShortHistory)
	return w.buf
}

func DecodePositionUpdate(buf []byte) (PositionUpdateBody, error) {
	r := newReader(buf)
	var b PositionUpdateBody
	acct, err := r.str()
	if err != nil {
		return b, err
	}
	b.Account = types.AccountID(acct)
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	if b.LongToday, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.LongHistory, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.ShortToday, err = r.decimalVal(); err != nil {
		return b, err
	}
	b.ShortHistory, err = r.decimalVal()
	return b, err
}

// ————————————————————————————————————————————————————————————————————————
// Market-data / KLine bodies
// ————————————————————————————————————————————————————————————————————————

// TickDataBody is the payload of a KindTickData record.
type TickDataBody struct {
	Instrument types.InstrumentID
	Price      decimal.Decimal
	Volume     decimal.Decimal
}

func EncodeTickData(b TickDataBody) []byte {
	w := newWriter()
	w.str(string(b.Instrument))
	w.decimal(b.Price)
	w.decimal(b.Volume)
	return w.buf
}

func DecodeTickData(buf []byte) (TickDataBody, error) {
	r := newReader(buf)
	var b TickDataBody
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	if b.Price, err = r.decimalVal(); err != nil {
		return b, err
	}
	b.Volume, err = r.decimalVal()
	return b, err
}

// PriceLevelEntry is one (price, size) pair within a book snapshot/delta.
type PriceLevelEntry struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshotBody is the payload of a KindOrderBookSnapshot record.
type OrderBookSnapshotBody struct {
	Instrument types.InstrumentID
	Bids       []PriceLevelEntry
	Asks       []PriceLevelEntry
}

func EncodeOrderBookSnapshot(b OrderBookSnapshotBody) []byte {
	w := newWriter()
	w.str(string(b.Instrument))
	w.u32(uint32(len(b.Bids)))
	for _, l := range b.Bids {
		w.decimal(l.Price)
		w.decimal(l.Size)
	}
	w.u32(uint32(len(b.Asks)))
	for _, l := range b.Asks {
		w.decimal(l.Price)
		w.decimal(l.Size)
	}
	return w.buf
}

func DecodeOrderBookSnapshot(buf []byte) (OrderBookSnapshotBody, error) {
	r := newReader(buf)
	var b OrderBookSnapshotBody
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	nBids, err := r.u32()
	if err != nil {
		return b, err
	}
	b.Bids = make([]PriceLevelEntry, nBids)
	for i := range b.Bids {
		if b.Bids[i].Price, err = r.decimalVal(); err != nil {
			return b, err
		}
		if b.Bids[i].Size, err = r.decimalVal(); err != nil {
			return b, err
		}
	}
	nAsks, err := r.u32()
	if err != nil {
		return b, err
	}
	b.Asks = make([]PriceLevelEntry, nAsks)
	for i := range b.Asks {
		if b.Asks[i].Price, err = r.decimalVal(); err != nil {
			return b, err
		}
		if b.Asks[i].Size, err = r.decimalVal(); err != nil {
			return b, err
		}
	}
	return b, nil
}

// OrderBookDeltaBody is the payload of a KindOrderBookDelta record — a
// single side's single-level update.
type OrderBookDeltaBody struct {
	Instrument types.InstrumentID
	IsBid      bool
	Price      decimal.Decimal
	NewSize    decimal.Decimal
}

func EncodeOrderBookDelta(b OrderBookDeltaBody) []byte {
	w := newWriter()
	w.str(string(b.Instrument))
	w.bool(b.IsBid)
	w.decimal(b.Price)
	w.decimal(b.NewSize)
	return w.buf
}

func DecodeOrderBookDelta(buf []byte) (OrderBookDeltaBody, error) {
	r := newReader(buf)
	var b OrderBookDeltaBody
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	if b.IsBid, err = r.boolVal(); err != nil {
		return b, err
	}
	if b.Price, err = r.decimalVal(); err != nil {
		return b, err
	}
	b.NewSize, err = r.decimalVal()
	return b, err
}

// KLineFinishedBody is the payload of a KindKLineFinished record.
type KLineFinishedBody struct {
	Instrument  types.InstrumentID
	PeriodNano  int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
}

func EncodeKLineFinished(b KLineFinishedBody) []byte {
	w := newWriter()
	w.str(string(b.Instrument))
	w.i64(b.PeriodNano)
	w.decimal(b.Open)
	w.decimal(b.High)
	w.decimal(b.Low)
	w.decimal(b.Close)
	w.decimal(b.Volume)
	return w.buf
}

func DecodeKLineFinished(buf []byte) (KLineFinishedBody, error) {
	r := newReader(buf)
	var b KLineFinishedBody
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	if b.PeriodNano, err = r.i64(); err != nil {
		return b, err
	}
	if b.Open, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.High, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.Low, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.Close, err = r.decimalVal(); err != nil {
		return b, err
	}
	b.Volume, err = r.decimalVal()
	return b, err
}

// ————————————————————————————————————————————————————————————————————————
// Administrative bodies
// ————————————————————————————————————————————————————————————————————————

// InstrumentAdminBody covers InstrumentRegistered/Suspended/Resumed/Delisted.
type InstrumentAdminBody struct {
	Instrument     types.InstrumentID
	Multiplier     decimal.Decimal
	TickSize       decimal.Decimal
	MarginRate     decimal.Decimal
	CommissionRate decimal.Decimal
}

func EncodeInstrumentAdmin(b InstrumentAdminBody) []byte {
	w := newWriter()
	w.str(string(b.Instrument))
	w.decimal(b.Multiplier)
	w.decimal(b.TickSize)
	w.decimal(b.MarginRate)
	w.decimal(b.CommissionRate)
	return w.buf
}

func DecodeInstrumentAdmin(buf []byte) (InstrumentAdminBody, error) {
	r := newReader(buf)
	var b InstrumentAdminBody
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	if b.Multiplier, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.TickSize, err = r.decimalVal(); err != nil {
		return b, err
	}
	if b.MarginRate, err = r.decimalVal(); err != nil {
		return b, err
	}
	b.CommissionRate, err = r.decimalVal()
	return b, err
}

// SettlementPriceSetBody is the payload of a KindSettlementPriceSet record.
type SettlementPriceSetBody struct {
	Instrument types.InstrumentID
	Price      decimal.Decimal
}

func EncodeSettlementPriceSet(b SettlementPriceSetBody) []byte {
	w := newWriter()
	w.str(string(b.Instrument))
	w.decimal(b.Price)
	return w.buf
}

func DecodeSettlementPriceSet(buf []byte) (SettlementPriceSetBody, error) {
	r := newReader(buf)
	var b SettlementPriceSetBody
	instr, err := r.str()
	if err != nil {
		return b, err
	}
	b.Instrument = types.InstrumentID(instr)
	b.Price, err = r.decimalVal()
	return b, err
}

// DailySettlementBody is the payload of a KindDailySettlement record.
type DailySettlementBody struct {
	AccountsProcessed   uint32
	AccountsLiquidated  uint32
}

func EncodeDailySettlement(b DailySettlementBody) []byte {
	w := newWriter()
	w.u32(b.AccountsProcessed)
	w.u32(b.AccountsLiquidated)
	return w.buf
}

func DecodeDailySettlement(buf []byte) (DailySettlementBody, error) {
	r := newReader(buf)
	var b DailySettlementBody
	var err error
	if b.AccountsProcessed, err = r.u32(); err != nil {
		return b, err
	}
	b.AccountsLiquidated, err = r.u32()
	return b, err
}
