// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange core — instrument
// metadata, account/position/order primitives, the towards (direction+offset)
// code table, and record-category tags used by the storage compression
// policy. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Identifiers
// ————————————————————————————————————————————————————————————————————————

// InstrumentID identifies a tradeable futures contract.
type InstrumentID string

// AccountID identifies a trading account.
type AccountID string

// OrderID is the account-generated identifier for an order: a fixed
// 16-byte UUID.
type OrderID = uuid.UUID

// NewOrderID generates a fresh random order identifier.
func NewOrderID() OrderID {
	return uuid.New()
}

// ExchangeOrderID is assigned by the matching engine on admission, format
// "EX_{ts_ns}_{instrument}_{B|S}".
type ExchangeOrderID string

// ————————————————————————————————————————————————————————————————————————
// Instrument
// ————————————————————————————————————————————————————————————————————————

// InstrumentState is the lifecycle state of an instrument.
type InstrumentState int

const (
	InstrumentListed InstrumentState = iota
	InstrumentTrading
	InstrumentSuspended
	InstrumentDelisted
)

func (s InstrumentState) String() string {
	switch s {
	case InstrumentListed:
		return "Listed"
	case InstrumentTrading:
		return "Trading"
	case InstrumentSuspended:
		return "Suspended"
	case InstrumentDelisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// Instrument describes a tradeable futures contract. Immutable after
// admission into Trading except through explicit admin operations.
type Instrument struct {
	ID             InstrumentID
	Multiplier     decimal.Decimal // contract multiplier
	TickSize       decimal.Decimal
	MarginRate     decimal.Decimal
	CommissionRate decimal.Decimal
	State          InstrumentState
}

// ————————————————————————————————————————————————————————————————————————
// Towards: direction + offset encoding
// ————————————————————————————————————————————————————————————————————————

// Towards encodes (direction, offset) for a futures order. SellOpen is -2
// (not -1); -1 is reserved for close-yesterday-long-only. This is a
// contract, not a convention — do not renumber.
type Towards int8

const (
	BuyOpen              Towards = 1
	SellOpen             Towards = -2
	BuyClose             Towards = 3  // close short
	SellClose            Towards = -3 // close long (today-first)
	SellCloseHistoryOnly Towards = -1 // close long, history volume only
	SellCloseToday       Towards = -4 // close long, today volume only
	BuyCloseToday        Towards = 4  // close short via buy, today volume only
)

// Valid reports whether t is one of the seven defined codes.
func (t Towards) Valid() bool {
	switch t {
	case BuyOpen, SellOpen, BuyClose, SellClose, SellCloseHistoryOnly, SellCloseToday, BuyCloseToday:
		return true
	default:
		return false
	}
}

// IsOpen reports whether this towards code opens a new position.
func (t Towards) IsOpen() bool {
	return t == BuyOpen || t == SellOpen
}

// Side returns the buy/sell direction implied by the towards code.
func (t Towards) Side() Side {
	switch t {
	case BuyOpen, BuyClose, BuyCloseToday:
		return Buy
	default:
		return Sell
	}
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ————————————————————————————————————————————————————————————————————————
// Order
// ————————————————————————————————————————————————————————————————————————

// OrderStatus is the order state machine. Terminal states (Filled,
// Cancelled, Rejected) are absorbing.
type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderAlive
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderRejected
)

func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "Pending"
	case OrderAlive:
		return "Alive"
	case OrderPartiallyFilled:
		return "PartiallyFilled"
	case OrderFilled:
		return "Filled"
	case OrderCancelled:
		return "Cancelled"
	case OrderRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// OrderKind enumerates the supported order types.
type OrderKind int

const (
	OrderLimit OrderKind = iota
	OrderMarket
)

// Order is the account-owned record of a submitted order.
type Order struct {
	OrderID         OrderID
	ExchangeOrderID ExchangeOrderID
	Account         AccountID
	Instrument      InstrumentID
	Towards         Towards
	Kind            OrderKind
	PostOnly        bool
	Price           decimal.Decimal
	Volume          decimal.Decimal
	FilledVolume    decimal.Decimal
	FrozenMargin    decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
}

// Remaining returns the unfilled volume.
func (o *Order) Remaining() decimal.Decimal {
	return o.Volume.Sub(o.FilledVolume)
}

// ————————————————————————————————————————————————————————————————————————
// Trade
// ————————————————————————————————————————————————————————————————————————

// Trade records one execution between two orders.
type Trade struct {
	TradeID       uint64
	Instrument    InstrumentID
	BuyOrderID    OrderID
	SellOrderID   OrderID
	Price         decimal.Decimal
	Volume        decimal.Decimal
	TimestampNano int64
}

// ————————————————————————————————————————————————————————————————————————
// Position
// ————————————————————————————————————————————————————————————————————————

// Position is keyed by (account, instrument). Today volumes roll into
// history on settlement.
type Position struct {
	Account    AccountID
	Instrument InstrumentID

	LongToday    decimal.Decimal
	LongHistory  decimal.Decimal
	ShortToday   decimal.Decimal
	ShortHistory decimal.Decimal

	FrozenLongToday    decimal.Decimal
	FrozenLongHistory  decimal.Decimal
	FrozenShortToday   decimal.Decimal
	FrozenShortHistory decimal.Decimal

	OpenPriceLong  decimal.Decimal // weighted average
	OpenPriceShort decimal.Decimal
}

// LongTotal returns long-today + long-history.
func (p *Position) LongTotal() decimal.Decimal {
	return p.LongToday.Add(p.LongHistory)
}

// ShortTotal returns short-today + short-history.
func (p *Position) ShortTotal() decimal.Decimal {
	return p.ShortToday.Add(p.ShortHistory)
}

// ————————————————————————————————————————————————————————————————————————
// Record categories (storage compression policy)
// ————————————————————————————————————————————————————————————————————————

// RecordCategory groups WalRecord variants for the purpose of selecting a
// compression strategy.
type RecordCategory int

const (
	CategoryAccount RecordCategory = iota
	CategoryMarketData
	CategoryKLine
	CategoryTrading
	CategoryFactor
	CategorySystem
)

func (c RecordCategory) String() string {
	switch c {
	case CategoryAccount:
		return "Account"
	case CategoryMarketData:
		return "MarketData"
	case CategoryKLine:
		return "KLine"
	case CategoryTrading:
		return "Trading"
	case CategoryFactor:
		return "Factor"
	case CategorySystem:
		return "System"
	default:
		return "Unknown"
	}
}
