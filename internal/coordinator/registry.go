// Package coordinator implements the Order Coordinator: the
// six-step ingress pipeline that validates, risk-checks, submits to the
// Matching Engine, and applies results back to the Account Core and
// Notification Bus. One struct owns handles to every subsystem rather
// than letting the subsystems reference each other directly.
package coordinator

import (
	"sync"

	"github.com/exchange-core/matching-core/internal/account"
	"github.com/exchange-core/matching-core/internal/matching"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Registry resolves stable AccountID/InstrumentID handles to their live
// *account.Account / *matching.OrderBook, so the Coordinator, Account Core,
// and Notification Bus never hold direct references to one another, only
// to the Registry.
type Registry struct {
	accounts *account.Manager
	matching *matching.Engine

	mu          sync.RWMutex
	instruments map[types.InstrumentID]types.Instrument
}

// NewRegistry wires a Registry over an already-constructed account manager
// and matching engine.
func NewRegistry(accounts *account.Manager, me *matching.Engine) *Registry {
	return &Registry{accounts: accounts, matching: me, instruments: make(map[types.InstrumentID]types.Instrument)}
}

// RegisterInstrument admits instr into both the matching engine and the
// registry's metadata table (margin rate, multiplier, tick size, state).
func (r *Registry) RegisterInstrument(instr types.Instrument) error {
	if err := r.matching.AddInstrument(instr); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[instr.ID] = instr
	return nil
}

// SetInstrumentState transitions an instrument's trading state (admin
// operation), e.g. Trading to Suspended halting new
// submissions without touching resting orders.
func (r *Registry) SetInstrumentState(id types.InstrumentID, state types.InstrumentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instr, ok := r.instruments[id]
	if !ok {
		return xerrors.Rejection(xerrors.CodeInstrumentNotTrading, "instrument not registered")
	}
	instr.State = state
	r.instruments[id] = instr
	return nil
}

// SuspendInstrument halts new submissions for id; resting orders stay.
func (r *Registry) SuspendInstrument(id types.InstrumentID) error {
	return r.SetInstrumentState(id, types.InstrumentSuspended)
}

// ResumeInstrument returns a suspended instrument to trading.
func (r *Registry) ResumeInstrument(id types.InstrumentID) error {
	return r.SetInstrumentState(id, types.InstrumentTrading)
}

// DelistInstrument permanently retires an instrument. Fails while any
// account still holds a position in it.
func (r *Registry) DelistInstrument(id types.InstrumentID) error {
	for _, acct := range r.accounts.All() {
		pos := acct.Position(id)
		if pos.LongTotal().Sign() > 0 || pos.ShortTotal().Sign() > 0 {
			return xerrors.Rejection(xerrors.CodeInstrumentHasPositions,
				"cannot delist an instrument with open positions")
		}
	}
	return r.SetInstrumentState(id, types.InstrumentDelisted)
}

// Instrument resolves instrument metadata by id.
func (r *Registry) Instrument(id types.InstrumentID) (types.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instr, ok := r.instruments[id]
	return instr, ok
}

// Instruments returns every registered instrument's metadata.
func (r *Registry) Instruments() map[types.InstrumentID]types.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.InstrumentID]types.Instrument, len(r.instruments))
	for k, v := range r.instruments {
		out[k] = v
	}
	return out
}

// Account resolves an account handle.
func (r *Registry) Account(id types.AccountID) (*account.Account, bool) {
	return r.accounts.Get(id)
}

// Book resolves an instrument's order book.
func (r *Registry) Book(id types.InstrumentID) (*matching.OrderBook, bool) {
	return r.matching.Book(id)
}
