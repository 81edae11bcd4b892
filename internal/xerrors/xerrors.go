// Package xerrors implements the core's error taxonomy as a small closed
// set of kinds wrapping an inner cause, with a Kind() accessor and stable
// codes so callers can branch on category without string matching.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind is the top-level error category.
type Kind int

const (
	// KindValidation: malformed identifiers, non-positive volume/price,
	// invalid direction/offset combination.
	KindValidation Kind = iota
	// KindRejection: business rejection (InstrumentNotTrading,
	// AccountNotFound, InsufficientFunds, ...).
	KindRejection
	// KindTransient: retryable by the caller (QueueFull, Timeout,
	// ReplicationUnavailable).
	KindTransient
	// KindCorruption: fatal, halts writes, surfaces an operator alarm.
	KindCorruption
	// KindLeadership: a Slave received a write (NotLeader).
	KindLeadership
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "InputValidation"
	case KindRejection:
		return "Rejection"
	case KindTransient:
		return "Transient"
	case KindCorruption:
		return "Corruption"
	case KindLeadership:
		return "Leadership"
	default:
		return "Unknown"
	}
}

// Code is a specific error code within a Kind, e.g. "InsufficientFunds".
type Code string

const (
	CodeInstrumentNotTrading   Code = "InstrumentNotTrading"
	CodeAccountNotFound        Code = "AccountNotFound"
	CodeAccountExists          Code = "AccountExists"
	CodeInsufficientFunds      Code = "InsufficientFunds"
	CodeInsufficientPosition   Code = "InsufficientPosition"
	CodeRiskLimitExceeded      Code = "RiskLimitExceeded"
	CodeSelfTradeBlocked       Code = "SelfTradeBlocked"
	CodeOrderNotFound          Code = "OrderNotFound"
	CodeOrderNotCancellable    Code = "OrderNotCancellable"
	CodeDuplicateOrder         Code = "DuplicateOrder"
	CodeInstrumentHasPositions Code = "InstrumentHasPositions"
	CodeOrderRejected          Code = "OrderRejected"

	CodeQueueFull              Code = "QueueFull"
	CodeTimeout                Code = "Timeout"
	CodeReplicationUnavailable Code = "ReplicationUnavailable"

	CodeWalCrcMismatch          Code = "WalCrcMismatch"
	CodeSstableChecksumMismatch Code = "SstableChecksumMismatch"
	CodeInvariantViolation      Code = "InvariantViolation"

	CodeNotLeader Code = "NotLeader"
)

// Error is a structured error carrying a Kind and Code in addition to the
// usual wrapped cause.
type Error struct {
	Kind  Kind
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a structured error with no wrapped cause.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap builds a structured error wrapping cause.
func Wrap(kind Kind, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Cause: cause}
}

// Rejection is a convenience constructor for KindRejection errors — the
// common case from account/coordinator pre-trade checks.
func Rejection(code Code, msg string) *Error {
	return New(KindRejection, code, msg)
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// (0, false) if err does not wrap an *Error.
func KindOf(err error) (Kind, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind, true
	}
	return 0, false
}

// CodeOf extracts the Code from err, walking the Unwrap chain. Returns ""
// if err does not wrap an *Error.
func CodeOf(err error) Code {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	return code != "" && CodeOf(err) == code
}
